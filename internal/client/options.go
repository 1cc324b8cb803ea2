package client

import (
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultDiscoveryTimeout = 10 * time.Second
	defaultProbeTimeout     = 250 * time.Millisecond
	defaultHandshakeTimeout = 10 * time.Second
	defaultRequestTimeout   = 10 * time.Second
	defaultPingInterval     = 15 * time.Second
	defaultPongWait         = 30 * time.Second
	defaultWriteWait        = 5 * time.Second
	defaultSignalBuffer     = 64
	defaultHTTPTimeout      = 30 * time.Second
)

// Option configures discovery, the websocket session and the client facade.
type Option func(*options)

type options struct {
	address          string
	accessPoint      string
	browser          Browser
	logger           *slog.Logger
	httpClient       *http.Client
	discoveryTimeout time.Duration
	probeTimeout     time.Duration
	handshakeTimeout time.Duration
	requestTimeout   time.Duration
	pingInterval     time.Duration
	pongWait         time.Duration
	writeWait        time.Duration
	signalBuffer     int
}

func defaultOptions() options {
	return options{
		accessPoint:      DefaultAccessPoint,
		browser:          zeroconfBrowser{},
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		httpClient:       &http.Client{Timeout: defaultHTTPTimeout},
		discoveryTimeout: defaultDiscoveryTimeout,
		probeTimeout:     defaultProbeTimeout,
		handshakeTimeout: defaultHandshakeTimeout,
		requestTimeout:   defaultRequestTimeout,
		pingInterval:     defaultPingInterval,
		pongWait:         defaultPongWait,
		writeWait:        defaultWriteWait,
		signalBuffer:     defaultSignalBuffer,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithAddress skips discovery and connects to host[:port] directly.
func WithAddress(address string) Option {
	return func(o *options) { o.address = address }
}

// WithAccessPoint overrides the address probed before DNS-SD discovery.
// An empty address disables the probe.
func WithAccessPoint(address string) Option {
	return func(o *options) { o.accessPoint = address }
}

// WithBrowser replaces the DNS-SD browser used for discovery.
func WithBrowser(b Browser) Option {
	return func(o *options) { o.browser = b }
}

// WithLogger sets the logger. Logging is discarded by default.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithHTTPClient sets the client used for the access point probe and
// recording downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithDiscoveryTimeout bounds DNS-SD discovery.
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(o *options) { o.discoveryTimeout = d }
}

// WithProbeTimeout bounds the default access point probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(o *options) { o.probeTimeout = d }
}

// WithHandshakeTimeout bounds the websocket opening handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithRequestTimeout is applied to requests whose context has no deadline.
// Zero disables it.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithKeepAlive sets the ping interval and how long to wait for any frame
// before the session is considered dead. pongWait must exceed interval.
func WithKeepAlive(interval, pongWait time.Duration) Option {
	return func(o *options) {
		o.pingInterval = interval
		o.pongWait = pongWait
	}
}

// WithSignalBuffer sets the channel capacity of each subscription.
func WithSignalBuffer(n int) Option {
	return func(o *options) { o.signalBuffer = n }
}
