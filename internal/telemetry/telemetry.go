// Package telemetry builds the process-wide logger and metrics sink
// (ambient stack, not a spec component): structured logging via
// go.uber.org/zap the way edirooss-zmux-server's cmd/bulk-delete builds
// its logger, and an in-memory armon/go-metrics sink the rest of the
// core's counters (internal/events' backpressure counter, among others)
// feed into.
package telemetry

import (
	"time"

	metrics "github.com/armon/go-metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogFormat selects the encoder, mirroring the pack's dev/prod split.
type LogFormat string

const (
	LogFormatConsole LogFormat = "console"
	LogFormatJSON    LogFormat = "json"
)

// Config controls logger/metrics construction (spec §6 ambient fields).
type Config struct {
	Format LogFormat
	Debug  bool
}

// NewLogger builds a *zap.Logger per cfg. A colorized, caller-free
// console encoder in debug mode or when Format is LogFormatConsole; a
// production JSON encoder otherwise.
func NewLogger(cfg Config) *zap.Logger {
	if cfg.Format == LogFormatConsole || cfg.Debug {
		logConfig := zap.NewDevelopmentConfig()
		logConfig.EncoderConfig.TimeKey = "ts"
		logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logConfig.DisableStacktrace = true
		logConfig.DisableCaller = true
		if cfg.Debug {
			logConfig.Level.SetLevel(zap.DebugLevel)
		} else {
			logConfig.Level.SetLevel(zap.InfoLevel)
		}
		return zap.Must(logConfig.Build())
	}

	prodConfig := zap.NewProductionConfig()
	prodConfig.DisableStacktrace = true
	return zap.Must(prodConfig.Build())
}

// NewMetricsSink builds an in-memory armon/go-metrics sink scoped under
// the "concord" prefix; it is a local, queryable store the host may
// forward to its own exporter (spec §1: exporters are out of scope).
func NewMetricsSink() (*metrics.InmemSink, error) {
	sink := metrics.NewInmemSink(10*time.Second, 10*time.Minute)
	cfg := metrics.DefaultConfig("concord")
	cfg.EnableHostname = false
	if _, err := metrics.NewGlobal(cfg, sink); err != nil {
		return nil, err
	}
	return sink, nil
}
