package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/R167/g3_exporter/internal/client"
	"github.com/R167/g3_exporter/internal/sink"
)

const (
	defaultPollInterval = 10 * time.Second
	pollTimeout         = 5 * time.Second
)

// BatteryTracker polls the battery level with a background ticker and keeps
// cumulative discharge and charge counters
type BatteryTracker struct {
	mu                     sync.RWMutex
	client                 client.Client
	sink                   sink.Sink
	device                 string
	logger                 *slog.Logger
	interval               time.Duration
	lastLevel              float64   // Last accepted level in percent
	lastTime               time.Time // When lastLevel was read
	dischargedPercentTotal float64   // Sum of level drops
	chargedPercentTotal    float64   // Sum of level rises
	sampleCount            float64   // Accepted readings
	lastError              error     // Last error encountered
	initialized            bool
	stopCh                 chan struct{}
	stoppedCh              chan struct{}
	stopOnce               sync.Once
}

// NewBatteryTracker creates a new battery tracker. s may be nil.
func NewBatteryTracker(c client.Client, s sink.Sink, device string, interval time.Duration, logger *slog.Logger) *BatteryTracker {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &BatteryTracker{
		client:    c,
		sink:      s,
		device:    device,
		logger:    logger,
		interval:  interval,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start polls the battery every interval until ctx is done or Stop is called
func (bt *BatteryTracker) Start(ctx context.Context) {
	ticker := time.NewTicker(bt.interval)
	defer ticker.Stop()
	defer close(bt.stoppedCh)

	bt.logger.Info("Battery tracker started", "interval", bt.interval)
	bt.update(ctx)

	for {
		select {
		case <-ctx.Done():
			bt.logger.Info("Battery tracker stopping")
			return
		case <-bt.stopCh:
			bt.logger.Info("Battery tracker stopping")
			return
		case <-ticker.C:
			bt.update(ctx)
		}
	}
}

// Stop stops the battery tracker (safe to call multiple times)
func (bt *BatteryTracker) Stop() {
	bt.stopOnce.Do(func() {
		close(bt.stopCh)
	})
	<-bt.stoppedCh
}

// update reads the battery level and updates counters
func (bt *BatteryTracker) update(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	level, err := bt.client.BatteryLevel(ctx)
	if err != nil {
		bt.mu.Lock()
		bt.lastError = err
		bt.mu.Unlock()
		bt.logger.Warn("Failed to get battery level", "error", err)
		return
	}

	now := time.Now()
	if !bt.processReading(level, now) {
		return
	}

	if bt.sink != nil {
		reading := sink.Reading{
			Device:    bt.device,
			Metric:    "battery_level",
			Value:     level,
			Unit:      "percent",
			Timestamp: now,
		}
		if err := bt.sink.Write(ctx, reading); err != nil {
			bt.logger.Warn("Failed to forward battery reading", "error", err)
		}
	}
}

// processReading folds a new level into the counters and reports whether it
// was accepted
func (bt *BatteryTracker) processReading(level float64, at time.Time) bool {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	if level < 0 || level > 100 {
		bt.lastError = fmt.Errorf("battery level %v outside [0, 100]", level)
		bt.logger.Error("Rejecting battery reading", "level", level)
		return false
	}

	// Clear error on successful read
	bt.lastError = nil
	bt.sampleCount++

	// On first run, just record the level
	if !bt.initialized {
		bt.lastLevel = level
		bt.lastTime = at
		bt.initialized = true
		bt.logger.Info("Battery tracker initialized", "level", level)
		return true
	}

	delta := level - bt.lastLevel
	switch {
	case delta < 0:
		bt.dischargedPercentTotal += -delta
	case delta > 0:
		// Plugged in, or the battery was swapped
		bt.chargedPercentTotal += delta
	}

	bt.logger.Debug("Battery update",
		"level", level,
		"delta", delta,
		"elapsed", at.Sub(bt.lastTime),
		"discharged_total", bt.dischargedPercentTotal,
		"charged_total", bt.chargedPercentTotal)

	bt.lastLevel = level
	bt.lastTime = at
	return true
}

// GetCounters returns cumulative discharge and charge in percent (thread-safe for Prometheus scrapes)
func (bt *BatteryTracker) GetCounters() (discharged, charged float64) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.dischargedPercentTotal, bt.chargedPercentTotal
}

// GetSampleCount returns the number of accepted readings
func (bt *BatteryTracker) GetSampleCount() float64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.sampleCount
}

// GetLastLevel returns the last accepted level and whether there is one
func (bt *BatteryTracker) GetLastLevel() (float64, bool) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.lastLevel, bt.initialized
}

// GetLastError returns the last error encountered (or nil if no error)
func (bt *BatteryTracker) GetLastError() error {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.lastError
}
