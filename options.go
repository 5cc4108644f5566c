package funksiyachi

import (
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/floss-uz-community/funksiyachi/pkg/flow"
	"github.com/hashicorp/go-metrics"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultIdleTimeout      = 1 * time.Minute
	defaultHintMaxStreams   = 100
	defaultUDPBufferSize    = 1 << 21
	defaultMaxInflight      = 64
)

type config struct {
	logHandler     slog.Handler
	msink          metrics.MetricSink
	metricLabels   []metrics.Label
	handshakeTO    time.Duration
	idleTO         time.Duration
	resolver       Resolver
	maxFrameSize   int
	hintMaxStreams int64
	maxInflight    int
	bufferSize     int
	embeddedRoots  *x509.CertPool
}

// Option to pass to [Dial] or [Listen].
type Option func(*config) error

func newConfig(opts []Option) (*config, error) {
	cfg := &config{
		handshakeTO:    defaultHandshakeTimeout,
		idleTO:         defaultIdleTimeout,
		resolver:       net.DefaultResolver,
		maxFrameSize:   flow.DefaultMaxFrameSize,
		hintMaxStreams: defaultHintMaxStreams,
		maxInflight:    defaultMaxInflight,
		bufferSize:     defaultUDPBufferSize,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}
	return cfg, nil
}

func (cfg *config) logger() *slog.Logger {
	if cfg.logHandler == nil {
		return slog.Default()
	}
	return slog.New(cfg.logHandler)
}

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

// WithHandshakeTimeout bounds the QUIC and TLS handshake.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return errors.New("handshake timeout must not be negative")
		}
		if timeout == 0 {
			timeout = defaultHandshakeTimeout
		}
		c.handshakeTO = timeout
		return nil
	}
}

// WithIdleTimeout controls how long a silent connection is kept open.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return errors.New("idle timeout must not be negative")
		}
		if timeout == 0 {
			timeout = defaultIdleTimeout
		}
		c.idleTO = timeout
		return nil
	}
}

// WithResolver replaces the DNS resolver used for hostname targets.
func WithResolver(resolver Resolver) Option {
	return func(c *config) error {
		if resolver == nil {
			return errors.New("resolver must not be nil")
		}
		c.resolver = resolver
		return nil
	}
}

// WithMaxFrameSize limits the size of a single RPC frame in both
// directions.
func WithMaxFrameSize(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			return errors.New("max frame size must be positive")
		}
		c.maxFrameSize = size
		return nil
	}
}

// WithHintMaxStreams gives an indication of how many concurrent
// streams a server accepts from a single client.
func WithHintMaxStreams(hint int64) Option {
	return func(c *config) error {
		if hint == 0 {
			hint = defaultHintMaxStreams
		}
		c.hintMaxStreams = hint
		return nil
	}
}

// WithMaxInflightRequests caps how many requests of a single stream
// a server runs at once. Reading further requests from that stream
// waits for a slot.
func WithMaxInflightRequests(n int) Option {
	return func(c *config) error {
		if n < 0 {
			return errors.New("max in-flight requests must not be negative")
		}
		if n == 0 {
			n = defaultMaxInflight
		}
		c.maxInflight = n
		return nil
	}
}

// WithBufferSize sets the UDP kernel buffer requested by a server.
// If the kernel refuses it, the size is halved until it fits.
func WithBufferSize(size int) Option {
	return func(c *config) error {
		if size == 0 {
			size = defaultUDPBufferSize
		}
		c.bufferSize = size
		return nil
	}
}

// WithEmbeddedRoots replaces the compiled-in loopback trust anchor.
// It only ever applies to [TrustEmbeddedSelfSigned] targets.
func WithEmbeddedRoots(pool *x509.CertPool) Option {
	return func(c *config) error {
		if pool == nil {
			return errors.New("embedded roots must not be nil")
		}
		c.embeddedRoots = pool
		return nil
	}
}
