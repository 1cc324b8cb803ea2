package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/R167/g3_exporter/internal/client"
	"github.com/prometheus/client_golang/prometheus"
)

const scrapeTimeout = 10 * time.Second

// G3Collector collects metrics from a pair of glasses
type G3Collector struct {
	client         client.Client
	logger         *slog.Logger
	batteryTracker *BatteryTracker

	// Counters
	batteryDischargedTotal *prometheus.Desc
	batteryChargedTotal    *prometheus.Desc
	batterySamplesTotal    *prometheus.Desc

	// Gauges - Current Status
	batteryLevel            *prometheus.Desc
	batteryRemainingSeconds *prometheus.Desc
	batteryState            *prometheus.Desc
	recording               *prometheus.Desc
	recordingDuration       *prometheus.Desc
	sdCardState             *prometheus.Desc

	// Status
	up *prometheus.Desc

	// Info metric
	info *prometheus.Desc
}

// NewG3Collector creates a new glasses collector
func NewG3Collector(c client.Client, tracker *BatteryTracker, logger *slog.Logger) *G3Collector {
	return &G3Collector{
		client:         c,
		logger:         logger,
		batteryTracker: tracker,

		// Counters
		batteryDischargedTotal: prometheus.NewDesc(
			"g3_battery_discharged_percent_total",
			"Cumulative battery level lost, in percentage points",
			nil, nil,
		),
		batteryChargedTotal: prometheus.NewDesc(
			"g3_battery_charged_percent_total",
			"Cumulative battery level gained, in percentage points",
			nil, nil,
		),
		batterySamplesTotal: prometheus.NewDesc(
			"g3_battery_samples_total",
			"Battery readings accepted by the background tracker",
			nil, nil,
		),

		// Gauges
		batteryLevel: prometheus.NewDesc(
			"g3_battery_level_percent",
			"Current battery level in percent",
			nil, nil,
		),
		batteryRemainingSeconds: prometheus.NewDesc(
			"g3_battery_remaining_seconds",
			"Estimated battery time left in seconds",
			nil, nil,
		),
		batteryState: prometheus.NewDesc(
			"g3_battery_state",
			"Battery state reported by the glasses (always 1)",
			[]string{"state"}, nil,
		),
		recording: prometheus.NewDesc(
			"g3_recording",
			"Whether a recording is in progress (1 = yes, 0 = no)",
			nil, nil,
		),
		recordingDuration: prometheus.NewDesc(
			"g3_recording_duration_seconds",
			"Length of the ongoing recording in seconds",
			nil, nil,
		),
		sdCardState: prometheus.NewDesc(
			"g3_sd_card_state",
			"Storage card state reported by the glasses (always 1)",
			[]string{"state"}, nil,
		),

		// Status
		up: prometheus.NewDesc(
			"g3_up",
			"Whether the last scrape of the glasses was successful (1 = success, 0 = failure)",
			nil, nil,
		),

		// Info
		info: prometheus.NewDesc(
			"g3_info",
			"Glasses device information",
			[]string{"head_unit_serial", "recording_unit_serial", "firmware_version"}, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *G3Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.batteryDischargedTotal
	ch <- c.batteryChargedTotal
	ch <- c.batterySamplesTotal
	ch <- c.batteryLevel
	ch <- c.batteryRemainingSeconds
	ch <- c.batteryState
	ch <- c.recording
	ch <- c.recordingDuration
	ch <- c.sdCardState
	ch <- c.up
	ch <- c.info
}

// Collect implements prometheus.Collector
func (c *G3Collector) Collect(ch chan<- prometheus.Metric) {
	c.logger.Debug("Prometheus scrape started")

	// Counters from background tracker are emitted on both paths
	c.collectCounters(ch)

	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	status, err := c.client.GetStatus(ctx)
	if err != nil {
		c.logger.Error("Failed to get status", "error", err)
		// Emit up=0 to indicate failure
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0.0)
		c.logger.Debug("Prometheus scrape completed (error path)")
		return
	}

	// Emit up=1 for successful scrape
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1.0)

	// Battery
	ch <- prometheus.MustNewConstMetric(
		c.batteryLevel,
		prometheus.GaugeValue,
		status.Battery.LevelPercent,
	)
	ch <- prometheus.MustNewConstMetric(
		c.batteryRemainingSeconds,
		prometheus.GaugeValue,
		status.Battery.RemainingTime.Seconds(),
	)
	ch <- prometheus.MustNewConstMetric(
		c.batteryState,
		prometheus.GaugeValue,
		1.0,
		status.Battery.State,
	)

	// Recorder
	recordingValue := 0.0
	if status.Recorder.Recording {
		recordingValue = 1.0
	}
	ch <- prometheus.MustNewConstMetric(
		c.recording,
		prometheus.GaugeValue,
		recordingValue,
	)
	ch <- prometheus.MustNewConstMetric(
		c.recordingDuration,
		prometheus.GaugeValue,
		status.Recorder.Duration.Seconds(),
	)

	// Storage
	ch <- prometheus.MustNewConstMetric(
		c.sdCardState,
		prometheus.GaugeValue,
		1.0,
		status.SDCardState,
	)

	// Info metric with labels
	ch <- prometheus.MustNewConstMetric(
		c.info,
		prometheus.GaugeValue,
		1.0,
		status.DeviceInfo.HeadUnitSerial,
		status.DeviceInfo.RecordingUnitSerial,
		status.DeviceInfo.FirmwareVersion,
	)

	c.logger.Debug("Prometheus scrape completed", "battery_level", status.Battery.LevelPercent)
}

func (c *G3Collector) collectCounters(ch chan<- prometheus.Metric) {
	discharged, charged := c.batteryTracker.GetCounters()
	ch <- prometheus.MustNewConstMetric(c.batteryDischargedTotal, prometheus.CounterValue, discharged)
	ch <- prometheus.MustNewConstMetric(c.batteryChargedTotal, prometheus.CounterValue, charged)
	ch <- prometheus.MustNewConstMetric(c.batterySamplesTotal, prometheus.CounterValue, c.batteryTracker.GetSampleCount())
}
