package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultAccessPoint is the address of the glasses on their own Wi-Fi
	// access point, where DNS-SD does not answer.
	DefaultAccessPoint = "192.168.75.51"

	ServiceType   = "_tobii-g3api._tcp"
	ServiceDomain = "local."
)

// ServiceEntry is a resolved DNS-SD announcement.
type ServiceEntry struct {
	Instance string
	HostName string
	Port     int
	IPv4     []net.IP
	IPv6     []net.IP
}

// Browser streams DNS-SD entries for service until ctx is done.
type Browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- ServiceEntry) error
}

type zeroconfBrowser struct{}

func (zeroconfBrowser) Browse(ctx context.Context, service, domain string, entries chan<- ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}

	found := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, service, domain, found); err != nil {
		return fmt.Errorf("failed to browse %s: %w", service, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-found:
			if !ok {
				return nil
			}
			entry := ServiceEntry{
				Instance: e.Instance,
				HostName: e.HostName,
				Port:     e.Port,
				IPv4:     e.AddrIPv4,
				IPv6:     e.AddrIPv6,
			}
			select {
			case entries <- entry:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Discover locates glasses on the local network and returns their address.
// The default access point is probed first, then DNS-SD is browsed until
// an entry appears or the discovery timeout expires.
func Discover(ctx context.Context, opts ...Option) (string, error) {
	return discover(ctx, buildOptions(opts))
}

func discover(ctx context.Context, o options) (string, error) {
	logger := o.logger

	if o.accessPoint != "" {
		if probeAccessPoint(ctx, o.httpClient, o.accessPoint, o.probeTimeout) {
			logger.Info("Glasses found on default access point", "address", o.accessPoint)
			return o.accessPoint, nil
		}
		logger.Debug("Default access point did not answer", "address", o.accessPoint)
	}

	ctx, cancel := context.WithTimeout(ctx, o.discoveryTimeout)
	defer cancel()

	entries := make(chan ServiceEntry, 8)
	browseErr := make(chan error, 1)
	go func() {
		browseErr <- o.browser.Browse(ctx, ServiceType, ServiceDomain, entries)
	}()

	logger.Debug("Browsing for glasses", "service", ServiceType, "timeout", o.discoveryTimeout)

	for {
		select {
		case e := <-entries:
			if addr := entryAddress(e); addr != "" {
				logger.Info("Glasses discovered", "instance", e.Instance, "address", addr)
				return addr, nil
			}
			logger.Debug("Ignoring entry without address", "instance", e.Instance)
		case err := <-browseErr:
			browseErr = nil
			if err != nil {
				return "", &DiscoveryError{Err: err}
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", &DiscoveryError{Err: fmt.Errorf("%w within %s", ErrNoDevice, o.discoveryTimeout)}
			}
			return "", &DiscoveryError{Err: fmt.Errorf("%w: %w", ErrNoDevice, ctx.Err())}
		}
	}
}

// entryAddress prefers the announced host name, then IPv4, then IPv6.
func entryAddress(e ServiceEntry) string {
	var host string
	switch {
	case strings.TrimSuffix(e.HostName, ".") != "":
		host = strings.TrimSuffix(e.HostName, ".")
	case len(e.IPv4) > 0:
		host = e.IPv4[0].String()
	case len(e.IPv6) > 0:
		host = e.IPv6[0].String()
	default:
		return ""
	}

	if e.Port != 0 && e.Port != 80 {
		return net.JoinHostPort(host, strconv.Itoa(e.Port))
	}
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}

func probeAccessPoint(ctx context.Context, c *http.Client, address string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+address, nil)
	if err != nil {
		return false
	}
	resp, err := c.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
