package funksiyachi

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/floss-uz-community/funksiyachi/pkg/flow"
	"github.com/quic-go/quic-go"
)

// Dial opens a secure connection to the function service at target and
// returns a [Client] ready to issue calls.
//
// Loopback targets (`localhost:PORT`, `127.0.0.1:PORT`) trust only the
// compiled-in development certificate, every other target is verified
// against the system roots. Dial makes exactly one attempt, retrying is
// up to the caller.
func Dial(ctx context.Context, target string, opts ...Option) (*Client, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	logger := cfg.logger().With(LabelTarget.L(target))
	policy := ClassifyTarget(target)
	mLabels := withLabels(cfg.metricLabels, LabelPolicy.M(policy.String()))
	start := time.Now()

	cfg.msink.IncrCounterWithLabels(MetricDialCount, 1.0, mLabels)
	client, cause, err := dial(ctx, cfg, logger, target)
	if err != nil {
		cfg.msink.IncrCounterWithLabels(
			MetricDialErrorCount,
			1.0,
			withLabels(mLabels, LabelError.M(cause)),
		)
		logger.Debug("dial failed", LabelError.L(err))
		return nil, err
	}

	elapsed := time.Since(start)
	cfg.msink.AddSampleWithLabels(MetricDialDuration, float32(elapsed.Milliseconds()), mLabels)
	logger.Debug("connected to function service", LabelDuration.L(elapsed))
	return client, nil
}

func dial(ctx context.Context, cfg *config, logger *slog.Logger, raw string) (*Client, string, error) {
	target, err := ParseTarget(ctx, cfg.resolver, raw)
	if err != nil {
		if errors.Is(err, ErrInvalidAddress) {
			return nil, "invalid_address", err
		}
		return nil, "unresolved_host", err
	}
	logger = logger.With("resolved", target)

	tlsConf, err := clientTLSConfig(target, cfg.embeddedRoots)
	if err != nil {
		return nil, "tls_config", fmt.Errorf("%w: %w", ErrConnect, err)
	}

	network, laddr := "udp4", &net.UDPAddr{IP: net.IPv4zero}
	if target.Addr.Addr().Is6() {
		network, laddr = "udp6", &net.UDPAddr{IP: net.IPv6unspecified}
	}
	udpLn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, "socket", fmt.Errorf("%w: failed to allocate UDP socket: %w", ErrConnect, err)
	}

	tr := &quic.Transport{
		Conn: udpLn,
	}
	release := func() error {
		return errors.Join(tr.Close(), closeUDP(udpLn))
	}

	conn, err := tr.Dial(ctx, net.UDPAddrFromAddrPort(target.Addr), tlsConf, &quic.Config{
		HandshakeIdleTimeout: cfg.handshakeTO,
		MaxIdleTimeout:       cfg.idleTO,
		KeepAlivePeriod:      cfg.idleTO / 2,
	})
	if err != nil {
		_ = release()
		cause, err := classifyDialError(err)
		return nil, cause, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = QErrInternal.Close(conn, "could not open stream")
		_ = release()
		return nil, "open_stream", fmt.Errorf("%w: %w", ErrOpenStream, err)
	}
	logger.Debug("opened bidirectional stream to function service", LabelStreamID.L(int64(stream.StreamID())))

	client := newClient(flow.NewRemote(stream), cfg, logger, func() error {
		return errors.Join(
			QErrClientClosed.Close(conn, "client is done"),
			release(),
		)
	})
	return client, "", nil
}

// classifyDialError sorts handshake failures into the three classes
// reported to users.
func classifyDialError(err error) (string, error) {
	var (
		handshakeTimeout *quic.HandshakeTimeoutError
		idleTimeout      *quic.IdleTimeoutError
		transportErr     *quic.TransportError
		certErr          *tls.CertificateVerificationError
		alertErr         tls.AlertError
	)

	switch {
	case errors.As(err, &handshakeTimeout),
		errors.As(err, &idleTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return "handshake_timeout", fmt.Errorf("%w: %w", ErrHandshakeTimeout, err)
	case errors.As(err, &transportErr) && transportErr.ErrorCode.IsCryptoError(),
		errors.As(err, &certErr),
		errors.As(err, &alertErr):
		return "tls", fmt.Errorf("%w: %w", ErrTLSHandshake, err)
	default:
		return "other", fmt.Errorf("%w: %w", ErrConnect, err)
	}
}

func closeUDP(conn *net.UDPConn) error {
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
