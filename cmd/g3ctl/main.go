package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/R167/g3_exporter/internal/client"
	"github.com/R167/g3_exporter/internal/config"
)

var errUsage = errors.New("usage")

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "g3ctl: %v\n", err)
		os.Exit(1)
	}

	address := flag.String("address", cfg.Address, "Glasses address (host[:port]); discovered when empty")
	logLevel := flag.String("log-level", "warn", "Log level (debug, info, warn, error)")
	timeout := flag.Duration("timeout", cfg.RequestTimeout, "Request timeout")
	discoveryTimeout := flag.Duration("discovery-timeout", cfg.DiscoveryTimeout, "Discovery timeout")
	flag.Usage = usage
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []client.Option{
		client.WithLogger(logger),
		client.WithRequestTimeout(*timeout),
		client.WithDiscoveryTimeout(*discoveryTimeout),
	}
	if *address != "" {
		opts = append(opts, client.WithAddress(*address))
	}

	if err := run(ctx, flag.Arg(0), flag.Args()[1:], opts); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "g3ctl: %v\n\n", err)
			usage()
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "g3ctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <command> [args]\n\n", os.Args[0])
	fmt.Fprintln(flag.CommandLine.Output(), "Commands: discover, battery, status, get, set, action, start, stop, folder, event, watch, livestream")
	fmt.Fprintln(flag.CommandLine.Output())
	flag.PrintDefaults()
}

// arity bounds the argument count of each command; max < 0 is unbounded
var arity = map[string]struct{ min, max int }{
	"discover":   {0, 0},
	"battery":    {0, 0},
	"status":     {0, 0},
	"get":        {2, 2},
	"set":        {3, 3},
	"action":     {2, -1},
	"start":      {0, 0},
	"stop":       {0, 0},
	"folder":     {1, 1},
	"event":      {1, 2},
	"watch":      {2, 2},
	"livestream": {0, 0},
}

// validate rejects unknown commands and wrong argument counts without
// touching the network.
func validate(cmd string, args []string) error {
	a, ok := arity[cmd]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
	if len(args) < a.min || (a.max >= 0 && len(args) > a.max) {
		return fmt.Errorf("%w: wrong number of arguments for %s", errUsage, cmd)
	}
	return nil
}

func run(ctx context.Context, cmd string, args []string, opts []client.Option) error {
	if err := validate(cmd, args); err != nil {
		return err
	}

	if cmd == "discover" {
		addr, err := client.Discover(ctx, opts...)
		if err != nil {
			return err
		}
		fmt.Println(addr)
		return nil
	}

	g3, err := client.New(ctx, opts...)
	if err != nil {
		return err
	}
	defer g3.Close()

	switch cmd {
	case "battery":
		level, err := g3.BatteryLevel(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%.0f%%\n", level)
	case "status":
		status, err := g3.GetStatus(ctx)
		if err != nil {
			return err
		}
		printStatus(g3.Address(), status)
	case "get":
		raw, err := g3.GetProperty(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
	case "set":
		var value any
		if err := json.Unmarshal([]byte(args[2]), &value); err != nil {
			// Bare words are sent as strings
			value = args[2]
		}
		if _, err := g3.SetProperty(ctx, args[0], args[1], value); err != nil {
			return err
		}
	case "action":
		actionArgs, err := parseArgs(args[2:])
		if err != nil {
			return err
		}
		raw, err := g3.SendAction(ctx, args[0], args[1], actionArgs...)
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
	case "start":
		return g3.StartRecording(ctx)
	case "stop":
		return g3.StopRecording(ctx)
	case "folder":
		return g3.SetFolderName(ctx, args[0])
	case "event":
		var data any
		if len(args) == 2 {
			if err := json.Unmarshal([]byte(args[1]), &data); err != nil {
				return fmt.Errorf("invalid event data: %w", err)
			}
		}
		return g3.SendEvent(ctx, args[0], data)
	case "watch":
		return watch(ctx, g3, args[0], args[1])
	case "livestream":
		fmt.Println(g3.LivestreamURL())
	default:
		return errUsage
	}
	return nil
}

func parseArgs(args []string) ([]any, error) {
	out := make([]any, 0, len(args))
	for _, a := range args {
		var v any
		if err := json.Unmarshal([]byte(a), &v); err != nil {
			return nil, fmt.Errorf("invalid argument %q: %w", a, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func watch(ctx context.Context, g3 *client.G3Client, parent, name string) error {
	sub, err := g3.Subscribe(ctx, parent, name)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case body, ok := <-sub.C:
			if !ok {
				return client.ErrConnectionClosed
			}
			fmt.Printf("%s %s\n", time.Now().Format(time.TimeOnly), body)
		}
	}
}

func printStatus(address string, s *client.StatusResponse) {
	fmt.Printf("Address:          %s\n", address)
	fmt.Printf("Head unit:        %s\n", s.DeviceInfo.HeadUnitSerial)
	fmt.Printf("Recording unit:   %s\n", s.DeviceInfo.RecordingUnitSerial)
	fmt.Printf("Firmware:         %s\n", s.DeviceInfo.FirmwareVersion)
	fmt.Printf("Battery:          %.0f%% (%s, %s left)\n", s.Battery.LevelPercent, s.Battery.State, s.Battery.RemainingTime)
	fmt.Printf("SD card:          %s\n", s.SDCardState)
	if s.Recorder.Recording {
		fmt.Printf("Recording:        %s in %q (%s)\n", s.Recorder.UUID, s.Recorder.Folder, s.Recorder.Duration.Truncate(time.Second))
	} else {
		fmt.Println("Recording:        no")
	}
}
