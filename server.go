package funksiyachi

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/floss-uz-community/funksiyachi/pkg/codec"
	"github.com/floss-uz-community/funksiyachi/pkg/flow"
	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

// QErrStreamProtocolViolation resets a stream which sent a frame we
// could not decode.
const QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)

const serverStreamBufferSize = 16

// Handler serves one method. The returned value is CBOR-encoded into
// the response payload, a non-nil error is sent back as its message.
type Handler func(ctx context.Context, req *Request) (any, error)

// Server is the receiving end of [Dial]: it accepts QUIC connections,
// reads framed requests from every stream and dispatches them to the
// registered handlers.
type Server struct {
	cfg    *config
	logger *slog.Logger
	msink  metrics.MetricSink

	handlers     map[string]Handler
	handlersLock sync.RWMutex

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool

	conns     map[quic.Connection]struct{}
	connsLock sync.Mutex
	wg        sync.WaitGroup

	// QUIC layer
	tr *quic.Transport
	ln *quic.Listener

	// UDP layer
	udpLn *net.UDPConn
}

// Listen binds addr and prepares a QUIC listener using tlsConf. Call
// [Server.Serve] to start accepting connections.
func Listen(addr string, tlsConf *tls.Config, opts ...Option) (_ *Server, err error) {
	if tlsConf == nil {
		return nil, ErrNoTLSConfig
	}

	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		logger:   cfg.logger(),
		msink:    cfg.msink,
		handlers: make(map[string]Handler),
		conns:    make(map[quic.Connection]struct{}),
	}

	defer func() {
		if err != nil {
			s.Shutdown()
		}
	}()

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrListen, err)
	}

	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to allocate UDP listener: %w", ErrListen, err)
	}
	s.udpLn = udpLn

	s.negotiateBufferSize(cfg.bufferSize)

	s.tr = &quic.Transport{
		Conn: udpLn,
	}

	conf := tlsConf.Clone()
	if len(conf.NextProtos) == 0 {
		conf.NextProtos = []string{ALPN}
	}

	ln, err := s.tr.Listen(conf, &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		Allow0RTT:             false,
		HandshakeIdleTimeout:  cfg.handshakeTO,
		MaxIdleTimeout:        cfg.idleTO,
		MaxIncomingStreams:    cfg.hintMaxStreams,
		MaxIncomingUniStreams: -1,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to allocate QUIC listener: %w", ErrListen, err)
	}

	s.ln = ln
	return s, nil
}

// Handle registers h for method, replacing any previous handler.
func (s *Server) Handle(method string, h Handler) {
	s.handlersLock.Lock()
	defer s.handlersLock.Unlock()
	s.handlers[method] = h
}

// Addr is the local address the server listens on.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until ctx is done or the server is shut
// down. It returns [ErrShutdown] after [Server.Shutdown].
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if s.gracefulTerm.Load() {
				return ErrShutdown
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			return err
		}

		s.handleConn(conn)
	}
}

// Shutdown closes the listener and every connection, then waits for
// in-flight handlers to return.
func (s *Server) Shutdown() error {
	if !s.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}

	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}

	s.connsLock.Lock()
	for conn := range s.conns {
		_ = QErrShutdown.Close(conn, "we are shutting down! bye!")
	}
	s.connsLock.Unlock()

	s.wg.Wait()

	if s.tr != nil {
		err = errors.Join(err, s.tr.Close())
	}

	if s.udpLn != nil {
		err = errors.Join(err, closeUDP(s.udpLn))
	}
	return err
}

func (s *Server) negotiateBufferSize(requested int) {
	size := requested
	for size > 0 {
		if err := s.udpLn.SetReadBuffer(size); err != nil {
			size = size >> 1
			continue
		}
		if size != requested {
			s.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		s.msink.SetGaugeWithLabels(
			MetricUDPBufferSizeBytes,
			float32(size),
			s.cfg.metricLabels,
		)
		return
	}
	s.logger.Warn("could not set any UDP read buffer size, using the kernel default")
}

func (s *Server) handleConn(conn quic.Connection) {
	peer := conn.RemoteAddr().String()
	logger := s.logger.With(LabelPeerAddr.L(peer))

	s.connsLock.Lock()
	if s.gracefulTerm.Load() {
		s.connsLock.Unlock()
		_ = QErrShutdown.Close(conn, "we are shutting down! bye!")
		return
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.connsLock.Unlock()

	s.msink.IncrCounterWithLabels(
		MetricConnEstCount,
		1.0,
		withLabels(s.cfg.metricLabels, LabelPeerAddr.M(peer)),
	)
	logger.Debug("new connection")

	go s.handleStreams(conn, logger)
}

func (s *Server) handleStreams(conn quic.Connection, logger *slog.Logger) {
	defer s.wg.Done()
	defer func() {
		s.connsLock.Lock()
		delete(s.conns, conn)
		s.connsLock.Unlock()
	}()

	ctx := conn.Context()
	for {
		stream, err := conn.AcceptStream(ctx)
		if s.gracefulTerm.Load() {
			logger.Debug("stream listener gracefully shutting down")
			return
		}

		if err != nil {
			logger.Debug("connection closed", LabelError.L(err))
			return
		}

		s.msink.IncrCounterWithLabels(
			MetricStreamEstInCount,
			1.0,
			s.cfg.metricLabels,
		)

		s.wg.Add(1)
		go s.serveStream(stream, logger.With(LabelStreamID.L(int64(stream.StreamID()))))
	}
}

func (s *Server) serveStream(stream quic.Stream, logger *slog.Logger) {
	defer s.wg.Done()

	raw := flow.NewRemote(stream)
	recv := flow.NewReceiver[*Request](raw.RawReceiver, flow.NewCborDecoder[*Request](s.cfg.maxFrameSize), serverStreamBufferSize)
	send := flow.NewSender[[]byte](raw.RawSender, flow.NewBytesCodec(s.cfg.maxFrameSize), serverStreamBufferSize)
	frames := flow.NewCborEncoder(s.cfg.maxFrameSize)

	// cancelled once the write side of the stream is gone.
	ctx := stream.Context()

	slots := make(chan struct{}, s.cfg.maxInflight)
	var inflight sync.WaitGroup
	defer func() {
		inflight.Wait()
		_ = send.Close()
		_ = recv.Close()
	}()

	for {
		req, err := recv.Recv(context.Background())
		if err != nil {
			s.streamEnded(stream, logger, err)
			return
		}

		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			logger.Debug("stream ended while waiting for a free handler slot", LabelError.L(context.Cause(ctx)))
			return
		}

		inflight.Add(1)
		go func() {
			defer func() {
				<-slots
				inflight.Done()
			}()
			s.serveRequest(ctx, send, frames, req, logger)
		}()
	}
}

func (s *Server) streamEnded(stream quic.Stream, logger *slog.Logger, err error) {
	var (
		streamErr *quic.StreamError
		appErr    *quic.ApplicationError
	)

	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, flow.ErrFlowClosed),
		errors.As(err, &streamErr),
		errors.As(err, &appErr),
		s.gracefulTerm.Load():
		logger.Debug("stream ended", LabelError.L(err))
	default:
		logger.Warn("protocol violation: malformed frame", LabelError.L(err))
		stream.CancelWrite(QErrStreamProtocolViolation)
	}
}

func (s *Server) serveRequest(ctx context.Context, send *flow.Sender[[]byte], frames flow.CborEncoder, req *Request, logger *slog.Logger) {
	mLabels := withLabels(s.cfg.metricLabels, LabelMethod.M(req.Method))
	s.msink.IncrCounterWithLabels(MetricRequestCount, 1.0, mLabels)

	resp := &Response{ID: req.ID}
	result, err := s.dispatch(ctx, req)
	if err == nil && result != nil {
		payload, merr := codec.Marshal(result)
		if merr != nil {
			err = fmt.Errorf("encoding result: %w", merr)
		} else {
			resp.Payload = payload
		}
	}

	if err != nil {
		resp.Error = err.Error()
	}

	frame, ferr := frames.Marshal(resp)
	if ferr != nil {
		// only this call fails, the stream keeps serving the others.
		ferr = fmt.Errorf("encoding response: %w", ferr)
		if err == nil {
			err = ferr
		}
		frame, ferr = frames.Marshal(&Response{ID: req.ID, Error: ferr.Error()})
	}

	if err != nil {
		s.msink.IncrCounterWithLabels(MetricRequestErrorCount, 1.0, mLabels)
		logger.Debug("request failed", LabelMethod.L(req.Method), LabelError.L(err))
	}

	if ferr == nil {
		ferr = send.Send(ctx, frame)
	}
	if ferr != nil {
		s.msink.IncrCounterWithLabels(MetricResponseErrorCount, 1.0, mLabels)
		logger.Warn("could not send response", LabelMethod.L(req.Method), LabelError.L(ferr))
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) (any, error) {
	s.handlersLock.RLock()
	h, ok := s.handlers[req.Method]
	s.handlersLock.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
	return h(ctx, req)
}
