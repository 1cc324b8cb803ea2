package sink

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Reading is a single telemetry sample from a pair of glasses
type Reading struct {
	Device    string
	Metric    string
	Value     float64
	Unit      string
	Timestamp time.Time
}

// Metric is one named value inside a Telemetry payload
type Metric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// Telemetry is the message published for a batch of readings from one device
type Telemetry struct {
	Metadata struct {
		MessageID string `json:"message_id"`
		AssetID   string `json:"asset_id"`
	} `json:"metadata"`
	Payload struct {
		Timestamp string   `json:"timestamp"`
		Metrics   []Metric `json:"metrics"`
	} `json:"payload"`
}

// Sink consumes readings
type Sink interface {
	Write(ctx context.Context, readings ...Reading) error
	Close() error
}

// NewTelemetry groups readings of one device into a message envelope. The
// newest reading timestamp becomes the payload timestamp.
func NewTelemetry(device string, readings []Reading) Telemetry {
	var t Telemetry
	t.Metadata.MessageID = uuid.NewString()
	t.Metadata.AssetID = device

	var newest time.Time
	for _, r := range readings {
		if r.Timestamp.After(newest) {
			newest = r.Timestamp
		}
		t.Payload.Metrics = append(t.Payload.Metrics, Metric{Name: r.Metric, Value: r.Value, Unit: r.Unit})
	}
	t.Payload.Timestamp = newest.UTC().Format(time.RFC3339Nano)
	return t
}

// Multi writes to every sink and joins their errors
type Multi []Sink

// Write passes readings to every sink, even after one fails
func (m Multi) Write(ctx context.Context, readings ...Reading) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, readings...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// groupByDevice keeps the first-seen device order
func groupByDevice(readings []Reading) ([]string, map[string][]Reading) {
	var order []string
	groups := make(map[string][]Reading)
	for _, r := range readings {
		if _, ok := groups[r.Device]; !ok {
			order = append(order, r.Device)
		}
		groups[r.Device] = append(groups[r.Device], r)
	}
	return order, groups
}
