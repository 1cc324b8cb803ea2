// Package collector implements Prometheus collectors for Tobii Pro Glasses 3 metrics.
//
// The collector package provides a background battery tracker that polls the
// glasses over their websocket session and integrates level changes into
// discharge and charge counters. Each accepted reading is also forwarded to
// an optional telemetry sink.
package collector
