package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const livestreamPort = "8554"

// Client interface for glasses telemetry
type Client interface {
	BatteryLevel(ctx context.Context) (float64, error)
	GetStatus(ctx context.Context) (*StatusResponse, error)
}

// BatteryStatus contains the battery readings
type BatteryStatus struct {
	LevelPercent  float64
	RemainingTime time.Duration
	State         string
}

// RecorderStatus contains the recorder state
type RecorderStatus struct {
	Recording bool
	Duration  time.Duration
	UUID      uuid.UUID
	Folder    string
}

// DeviceInfo contains device identification
type DeviceInfo struct {
	HeadUnitSerial      string
	RecordingUnitSerial string
	FirmwareVersion     string
}

// StatusResponse is a snapshot of the glasses' state
type StatusResponse struct {
	DeviceInfo  DeviceInfo
	Battery     BatteryStatus
	Recorder    RecorderStatus
	SDCardState string
}

// G3Client is the entry point for talking to a pair of glasses.
type G3Client struct {
	opts    options
	logger  *slog.Logger
	address string

	mu      sync.RWMutex
	session *Session
}

// New locates glasses on the network, unless WithAddress is given, and
// opens a session to them.
//
// It fails with a *DiscoveryError when no glasses answer within the
// discovery timeout and with a *ConnectionError when the websocket cannot
// be opened.
func New(ctx context.Context, opts ...Option) (*G3Client, error) {
	o := buildOptions(opts)

	address := o.address
	if address == "" {
		var err error
		address, err = discover(ctx, o)
		if err != nil {
			return nil, err
		}
	}

	c := &G3Client{
		opts:    o,
		logger:  o.logger,
		address: address,
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect opens a new session, replacing any existing one.
func (c *G3Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		_ = c.session.Close()
		c.session = nil
	}

	s, err := dial(ctx, c.address, c.opts)
	if err != nil {
		return err
	}
	c.session = s
	return nil
}

// Close ends the session. Requests issued afterwards fail.
func (c *G3Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

// Connected reports whether the client has an active session.
func (c *G3Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session != nil && c.session.Active()
}

// Session returns the active session, or nil.
func (c *G3Client) Session() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Address returns the host[:port] of the glasses.
func (c *G3Client) Address() string { return c.address }

// URL returns the websocket base URL of the glasses.
func (c *G3Client) URL() string { return "ws://" + c.address }

// HTTPURL returns the HTTP base URL of the glasses.
func (c *G3Client) HTTPURL() string { return "http://" + c.address }

// WebsocketURL returns the g3api control endpoint.
func (c *G3Client) WebsocketURL() string { return WebsocketURL(c.address) }

// LivestreamURL returns the RTSP URL of the scene camera and gaze stream.
func (c *G3Client) LivestreamURL() string {
	host := c.address
	if h, _, err := net.SplitHostPort(c.address); err == nil {
		host = h
	}
	return "rtsp://" + net.JoinHostPort(host, livestreamPort) + "/live/all"
}

func (c *G3Client) activeSession(path string) (*Session, error) {
	c.mu.RLock()
	s := c.session
	c.mu.RUnlock()

	if s == nil || !s.Active() {
		return nil, &RequestError{Path: path, Err: ErrNotConnected}
	}
	return s, nil
}

func (c *G3Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && c.opts.requestTimeout > 0 {
		return context.WithTimeout(ctx, c.opts.requestTimeout)
	}
	return context.WithCancel(ctx)
}

// GetProperty reads parent.name and returns the raw JSON value.
func (c *G3Client) GetProperty(ctx context.Context, parent, name string) (json.RawMessage, error) {
	s, err := c.activeSession(PropertyPath(parent, name))
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	return s.GetProperty(ctx, parent, name)
}

// SetProperty writes parent.name.
func (c *G3Client) SetProperty(ctx context.Context, parent, name string, value any) (json.RawMessage, error) {
	s, err := c.activeSession(PropertyPath(parent, name))
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	return s.SetProperty(ctx, parent, name, value)
}

// SendAction calls parent!name.
func (c *G3Client) SendAction(ctx context.Context, parent, name string, args ...any) (json.RawMessage, error) {
	s, err := c.activeSession(ActionPath(parent, name))
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	return s.SendAction(ctx, parent, name, args...)
}

// Subscribe registers for parent:name notifications.
func (c *G3Client) Subscribe(ctx context.Context, parent, name string) (*Subscription, error) {
	s, err := c.activeSession(SignalPath(parent, name))
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	return s.Subscribe(ctx, parent, name)
}

func getProperty[T any](ctx context.Context, c *G3Client, parent, name string) (T, error) {
	var v T
	raw, err := c.GetProperty(ctx, parent, name)
	if err != nil {
		return v, err
	}
	if len(raw) == 0 || isNull(raw) {
		return v, &ProtocolError{Path: PropertyPath(parent, name), Msg: "value is null"}
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, &ProtocolError{Path: PropertyPath(parent, name), Msg: fmt.Sprintf("unexpected value %s", raw), Err: err}
	}
	return v, nil
}

// BatteryLevel returns the remaining battery charge as a percentage in
// [0, 100]. The glasses report a fraction of one.
func (c *G3Client) BatteryLevel(ctx context.Context) (float64, error) {
	level, err := getProperty[float64](ctx, c, "system/battery", "level")
	if err != nil {
		return 0, err
	}
	if math.IsNaN(level) || level < 0 || level > 1 {
		return 0, &ProtocolError{
			Path: PropertyPath("system/battery", "level"),
			Msg:  fmt.Sprintf("battery level %v outside [0, 1]", level),
		}
	}
	return level * 100, nil
}

// RemainingBatteryTime returns the estimated time until the battery is empty.
func (c *G3Client) RemainingBatteryTime(ctx context.Context) (time.Duration, error) {
	secs, err := getProperty[float64](ctx, c, "system/battery", "remaining-time")
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// BatteryState returns the coarse battery state, e.g. "full" or "low".
func (c *G3Client) BatteryState(ctx context.Context) (string, error) {
	return getProperty[string](ctx, c, "system/battery", "state")
}

// SystemTime returns the glasses' clock.
func (c *G3Client) SystemTime(ctx context.Context) (time.Time, error) {
	s, err := getProperty[string](ctx, c, "system", "time")
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, &ProtocolError{Path: PropertyPath("system", "time"), Msg: "invalid timestamp", Err: err}
	}
	return t, nil
}

// SystemTimezone returns the IANA timezone configured on the glasses.
func (c *G3Client) SystemTimezone(ctx context.Context) (string, error) {
	return getProperty[string](ctx, c, "system", "timezone")
}

// HeadUnitSerial returns the serial number of the glasses frame.
func (c *G3Client) HeadUnitSerial(ctx context.Context) (string, error) {
	return getProperty[string](ctx, c, "system", "head-unit-serial")
}

// RecordingUnitSerial returns the serial number of the recording unit.
func (c *G3Client) RecordingUnitSerial(ctx context.Context) (string, error) {
	return getProperty[string](ctx, c, "system", "recording-unit-serial")
}

// FirmwareVersion returns the firmware version string.
func (c *G3Client) FirmwareVersion(ctx context.Context) (string, error) {
	return getProperty[string](ctx, c, "system", "version")
}

// SDCardState returns the storage card state, e.g. "available".
func (c *G3Client) SDCardState(ctx context.Context) (string, error) {
	return getProperty[string](ctx, c, "system/storage", "card-state")
}

// RecordingUUID returns the id of the ongoing recording, or uuid.Nil.
func (c *G3Client) RecordingUUID(ctx context.Context) (uuid.UUID, error) {
	raw, err := c.GetProperty(ctx, "recorder", "uuid")
	if err != nil {
		return uuid.Nil, err
	}
	if isNull(raw) {
		return uuid.Nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return uuid.Nil, &ProtocolError{Path: PropertyPath("recorder", "uuid"), Msg: "expected a string", Err: err}
	}
	if s == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, &ProtocolError{Path: PropertyPath("recorder", "uuid"), Msg: "invalid uuid", Err: err}
	}
	return id, nil
}

// RecordingFolder returns the folder of the ongoing recording, or "".
func (c *G3Client) RecordingFolder(ctx context.Context) (string, error) {
	raw, err := c.GetProperty(ctx, "recorder", "folder")
	if err != nil || isNull(raw) {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &ProtocolError{Path: PropertyPath("recorder", "folder"), Msg: "expected a string", Err: err}
	}
	return s, nil
}

// RecordingDuration returns the length of the ongoing recording. The second
// return value is false when the recorder is idle.
func (c *G3Client) RecordingDuration(ctx context.Context) (time.Duration, bool, error) {
	secs, err := getProperty[float64](ctx, c, "recorder", "duration")
	if err != nil {
		return 0, false, err
	}
	if secs == -1 {
		return 0, false, nil
	}
	return time.Duration(secs * float64(time.Second)), true, nil
}

// IsRecording reports whether a recording is in progress.
func (c *G3Client) IsRecording(ctx context.Context) (bool, error) {
	_, recording, err := c.RecordingDuration(ctx)
	return recording, err
}

// GetStatus reads the battery, recorder, storage and identification
// properties concurrently. The first failure cancels the remaining reads.
func (c *G3Client) GetStatus(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		status.Battery.LevelPercent, err = c.BatteryLevel(ctx)
		return
	})
	g.Go(func() (err error) {
		status.Battery.RemainingTime, err = c.RemainingBatteryTime(ctx)
		return
	})
	g.Go(func() (err error) {
		status.Battery.State, err = c.BatteryState(ctx)
		return
	})
	g.Go(func() (err error) {
		status.Recorder.Duration, status.Recorder.Recording, err = c.RecordingDuration(ctx)
		return
	})
	g.Go(func() (err error) {
		status.Recorder.UUID, err = c.RecordingUUID(ctx)
		return
	})
	g.Go(func() (err error) {
		status.Recorder.Folder, err = c.RecordingFolder(ctx)
		return
	})
	g.Go(func() (err error) {
		status.SDCardState, err = c.SDCardState(ctx)
		return
	})
	g.Go(func() (err error) {
		status.DeviceInfo.HeadUnitSerial, err = c.HeadUnitSerial(ctx)
		return
	})
	g.Go(func() (err error) {
		status.DeviceInfo.RecordingUnitSerial, err = c.RecordingUnitSerial(ctx)
		return
	})
	g.Go(func() (err error) {
		status.DeviceInfo.FirmwareVersion, err = c.FirmwareVersion(ctx)
		return
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &status, nil
}

// EmitCalibrationMarkers makes the glasses report calibration markers
// seen by the scene camera for a few seconds.
func (c *G3Client) EmitCalibrationMarkers(ctx context.Context) error {
	_, err := c.SendAction(ctx, "calibrate", "emit-markers")
	return err
}

// Calibrate runs a one point calibration. The glasses answer false when no
// marker was found.
func (c *G3Client) Calibrate(ctx context.Context) error {
	_, err := c.SendAction(ctx, "calibrate", "run")
	return err
}

// StartRecording starts a recording on the SD card.
func (c *G3Client) StartRecording(ctx context.Context) error {
	_, err := c.SendAction(ctx, "recorder", "start")
	return err
}

// StopRecording stops and saves the ongoing recording.
func (c *G3Client) StopRecording(ctx context.Context) error {
	_, err := c.SendAction(ctx, "recorder", "stop")
	return err
}

// SetFolderName sets the folder the next recording is written to.
func (c *G3Client) SetFolderName(ctx context.Context, name string) error {
	if err := ValidateFolderName(name); err != nil {
		return err
	}
	_, err := c.SetProperty(ctx, "recorder", "folder", name)
	return err
}

// SetVisibleName sets the recording name shown in the glasses web interface.
func (c *G3Client) SetVisibleName(ctx context.Context, name string) error {
	_, err := c.SetProperty(ctx, "recorder", "visible-name", name)
	return err
}

// MetaInsert stores data under key in the ongoing recording.
func (c *G3Client) MetaInsert(ctx context.Context, key string, data []byte) error {
	_, err := c.SendAction(ctx, "recorder", "meta-insert", key, base64.StdEncoding.EncodeToString(data))
	return err
}

// SendEvent adds a tagged event to the ongoing recording.
func (c *G3Client) SendEvent(ctx context.Context, tag string, data any) error {
	_, err := c.SendAction(ctx, "recorder", "send-event", tag, data)
	return err
}

// SetGazeOverlay toggles the gaze marker burned into the scene video.
func (c *G3Client) SetGazeOverlay(ctx context.Context, enabled bool) error {
	_, err := c.SetProperty(ctx, "settings", "gaze-overlay", enabled)
	return err
}

// CreateWifiConfig creates an empty Wi-Fi configuration and returns its id.
func (c *G3Client) CreateWifiConfig(ctx context.Context, name string) (uuid.UUID, error) {
	raw, err := c.SendAction(ctx, "network/wifi", "create-config", name)
	if err != nil {
		return uuid.Nil, err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return uuid.Nil, &ProtocolError{Path: ActionPath("network/wifi", "create-config"), Msg: "expected a string", Err: err}
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, &ProtocolError{Path: ActionPath("network/wifi", "create-config"), Msg: "invalid uuid", Err: err}
	}
	return id, nil
}

// ConfigureWifi sets WPA-PSK credentials on a configuration and saves it.
func (c *G3Client) ConfigureWifi(ctx context.Context, id uuid.UUID, ssid, psk string) error {
	parent := "network/wifi/configurations/" + id.String()
	if _, err := c.SetProperty(ctx, parent, "ssid-name", ssid); err != nil {
		return err
	}
	if _, err := c.SetProperty(ctx, parent, "security", "wpa-psk"); err != nil {
		return err
	}
	if _, err := c.SetProperty(ctx, parent, "psk", psk); err != nil {
		return err
	}
	_, err := c.SendAction(ctx, parent, "save")
	return err
}

// ConnectWifi joins the network of a saved configuration.
func (c *G3Client) ConnectWifi(ctx context.Context, id uuid.UUID) error {
	_, err := c.SendAction(ctx, "network/wifi", "connect", id.String())
	return err
}

// DisconnectWifi leaves the current Wi-Fi network.
func (c *G3Client) DisconnectWifi(ctx context.Context) error {
	_, err := c.SendAction(ctx, "network/wifi", "disconnect")
	return err
}

// ScanWifi starts a scan for Wi-Fi networks.
func (c *G3Client) ScanWifi(ctx context.Context) error {
	_, err := c.SendAction(ctx, "network/wifi", "scan")
	return err
}

// NetworkFactoryReset restores the factory network settings.
func (c *G3Client) NetworkFactoryReset(ctx context.Context) error {
	_, err := c.SendAction(ctx, "network", "reset")
	return err
}

// ValidateFolderName rejects names that cannot be used as a FAT32/exFAT
// folder by the recorder.
func ValidateFolderName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidFolderName)
	}
	for _, r := range name {
		switch {
		case r < 0x20, r == 0x7f:
			return fmt.Errorf("%w: control character %#x", ErrInvalidFolderName, r)
		case r == '"', r == '*', r == '/', r == ':', r == '<', r == '>', r == '?', r == '\\', r == '|', r == '_':
			return fmt.Errorf("%w: %q is not allowed", ErrInvalidFolderName, r)
		}
	}
	return nil
}
