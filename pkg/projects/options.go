package projects

import (
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

const defaultOpenTimeout = time.Second

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	openTimeout  time.Duration
}

// Option to pass to [Open].
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithOpenTimeout bounds how long [Open] waits for the file lock held
// by another process.
func WithOpenTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return errors.New("open timeout must be positive")
		}
		c.openTimeout = timeout
		return nil
	}
}
