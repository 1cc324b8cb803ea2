package client

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"
)

type fakeBrowser struct {
	entries []ServiceEntry
	delay   time.Duration
	err     error
}

func (b fakeBrowser) Browse(ctx context.Context, service, domain string, entries chan<- ServiceEntry) error {
	if b.err != nil {
		return b.err
	}
	if service != ServiceType || domain != ServiceDomain {
		return errors.New("unexpected service")
	}
	select {
	case <-time.After(b.delay):
	case <-ctx.Done():
		return nil
	}
	for _, e := range b.entries {
		select {
		case entries <- e:
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

func TestDiscover_AccessPointProbe(t *testing.T) {
	d := newFakeDevice(t)

	addr, err := Discover(context.Background(),
		WithAccessPoint(d.address()),
		WithBrowser(fakeBrowser{err: errors.New("browser must not be used")}),
	)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if addr != d.address() {
		t.Errorf("Expected %s, got %s", d.address(), addr)
	}
}

func TestDiscover_PrefersHostName(t *testing.T) {
	addr, err := Discover(context.Background(),
		WithAccessPoint(""),
		WithBrowser(fakeBrowser{entries: []ServiceEntry{{
			Instance: "TG03B-080200029451",
			HostName: "tg03b-080200029451.local.",
			Port:     80,
			IPv4:     []net.IP{net.ParseIP("10.0.0.12")},
		}}}),
	)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if addr != "tg03b-080200029451.local" {
		t.Errorf("Expected host name without trailing dot, got %s", addr)
	}
}

func TestDiscover_FallsBackToAddresses(t *testing.T) {
	addr, err := Discover(context.Background(),
		WithAccessPoint(""),
		WithBrowser(fakeBrowser{entries: []ServiceEntry{
			{Instance: "empty"},
			{Instance: "g3", IPv4: []net.IP{net.ParseIP("10.0.0.12")}, Port: 8080},
		}}),
	)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if addr != "10.0.0.12:8080" {
		t.Errorf("Expected 10.0.0.12:8080, got %s", addr)
	}
}

func TestEntryAddress_IPv6(t *testing.T) {
	e := ServiceEntry{IPv6: []net.IP{net.ParseIP("fe80::1")}}
	if got := entryAddress(e); got != "[fe80::1]" {
		t.Errorf("Expected bracketed IPv6 address, got %s", got)
	}
}

func TestDiscover_NoDeviceTimesOut(t *testing.T) {
	start := time.Now()
	_, err := Discover(context.Background(),
		WithAccessPoint(""),
		WithBrowser(fakeBrowser{}),
		WithDiscoveryTimeout(100*time.Millisecond),
	)
	elapsed := time.Since(start)

	var discErr *DiscoveryError
	if !errors.As(err, &discErr) {
		t.Fatalf("Expected DiscoveryError, got %v", err)
	}
	if !errors.Is(err, ErrNoDevice) {
		t.Errorf("Expected ErrNoDevice, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Discovery took %s, expected to stop near its timeout", elapsed)
	}
}

func TestDiscover_UnreachableAccessPoint(t *testing.T) {
	// Reserved TEST-NET-1 address, never routed.
	_, err := Discover(context.Background(),
		WithAccessPoint("192.0.2.1"),
		WithProbeTimeout(50*time.Millisecond),
		WithBrowser(fakeBrowser{}),
		WithDiscoveryTimeout(50*time.Millisecond),
	)
	if !errors.Is(err, ErrNoDevice) {
		t.Errorf("Expected ErrNoDevice, got %v", err)
	}
}

func TestDiscover_BrowserError(t *testing.T) {
	_, err := Discover(context.Background(),
		WithAccessPoint(""),
		WithBrowser(fakeBrowser{err: errors.New("no multicast interface")}),
	)
	var discErr *DiscoveryError
	if !errors.As(err, &discErr) {
		t.Fatalf("Expected DiscoveryError, got %v", err)
	}
}

func TestNew_DiscoveryFailure(t *testing.T) {
	_, err := New(context.Background(),
		WithAccessPoint(""),
		WithBrowser(fakeBrowser{}),
		WithDiscoveryTimeout(50*time.Millisecond),
	)
	var discErr *DiscoveryError
	if !errors.As(err, &discErr) {
		t.Fatalf("Expected DiscoveryError, got %v", err)
	}
}

func TestNew_DiscoversAndConnects(t *testing.T) {
	d := newFakeDevice(t)
	host, port, _ := net.SplitHostPort(d.address())
	p, _ := strconv.Atoi(port)

	c, err := New(context.Background(),
		WithAccessPoint(""),
		WithBrowser(fakeBrowser{entries: []ServiceEntry{{IPv4: []net.IP{net.ParseIP(host)}, Port: p}}}),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	if c.Address() != d.address() {
		t.Errorf("Expected address %s, got %s", d.address(), c.Address())
	}
	if level, err := c.BatteryLevel(context.Background()); err != nil || level != 87 {
		t.Errorf("BatteryLevel = %f, %v", level, err)
	}
}
