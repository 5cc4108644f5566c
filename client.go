package funksiyachi

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/floss-uz-community/funksiyachi/pkg/codec"
	"github.com/floss-uz-community/funksiyachi/pkg/flow"
	"github.com/hashicorp/go-metrics"
)

// Request is the envelope of a single call. Payload holds the
// CBOR-encoded arguments, defined by the service interface.
type Request struct {
	ID      uint64           `cbor:"id"`
	Method  string           `cbor:"method"`
	Payload codec.RawMessage `cbor:"payload,omitempty"`
}

// Decode unmarshals the call arguments into v.
func (r *Request) Decode(v any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	return codec.Unmarshal(r.Payload, v)
}

// Response answers the [Request] with the same ID.
type Response struct {
	ID      uint64           `cbor:"id"`
	Error   string           `cbor:"error,omitempty"`
	Payload codec.RawMessage `cbor:"payload,omitempty"`
}

const clientBufferSize = 16

// Client issues calls over a single bidirectional stream. Calls are
// multiplexed and may be made concurrently.
type Client struct {
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	frames  flow.CborEncoder
	send    *flow.Sender[[]byte]
	recv    *flow.Receiver[*Response]
	release func() error

	nextID  atomic.Uint64
	pending map[uint64]chan *Response
	err     error
	closeCh chan struct{}
	lk      sync.Mutex

	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

func newClient(raw flow.Raw, cfg *config, logger *slog.Logger, release func() error) *Client {
	c := &Client{
		logger:  logger,
		msink:   cfg.msink,
		labels:  cfg.metricLabels,
		frames:  flow.NewCborEncoder(cfg.maxFrameSize),
		send:    flow.NewSender[[]byte](raw.RawSender, flow.NewBytesCodec(cfg.maxFrameSize), clientBufferSize),
		recv:    flow.NewReceiver[*Response](raw.RawReceiver, flow.NewCborDecoder[*Response](cfg.maxFrameSize), clientBufferSize),
		release: release,
		pending: make(map[uint64]chan *Response),
		closeCh: make(chan struct{}),
	}

	c.wg.Add(1)
	go c.dispatch()
	return c
}

// Call sends method with args and decodes the answer into reply.
// args and reply may be nil. An error answered by the server is
// returned as a [*RemoteError]. A request larger than the frame limit
// fails with [flow.ErrTooLargeFrame] and leaves the client usable.
func (c *Client) Call(ctx context.Context, method string, args, reply any) error {
	mLabels := withLabels(c.labels, LabelMethod.M(method))
	c.msink.IncrCounterWithLabels(MetricCallCount, 1.0, mLabels)

	err := c.call(ctx, method, args, reply)
	if err != nil {
		c.msink.IncrCounterWithLabels(MetricCallErrorCount, 1.0, mLabels)
	}
	return err
}

func (c *Client) call(ctx context.Context, method string, args, reply any) error {
	var payload codec.RawMessage
	if args != nil {
		buf, err := codec.Marshal(args)
		if err != nil {
			return fmt.Errorf("encoding arguments for %q: %w", method, err)
		}
		payload = buf
	}

	id := c.nextID.Add(1)
	frame, err := c.frames.Marshal(&Request{ID: id, Method: method, Payload: payload})
	if err != nil {
		return fmt.Errorf("encoding request for %q: %w", method, err)
	}
	respCh := make(chan *Response, 1)

	c.lk.Lock()
	if c.err != nil {
		err := c.err
		c.lk.Unlock()
		return err
	}
	c.pending[id] = respCh
	c.lk.Unlock()

	defer func() {
		c.lk.Lock()
		delete(c.pending, id)
		c.lk.Unlock()
	}()

	if err := c.send.Send(ctx, frame); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w", ErrClientClosed, err)
	}

	var resp *Response
	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp = <-respCh:
	case <-c.closeCh:
		// the answer may have raced with the closure.
		select {
		case resp = <-respCh:
		default:
			return c.Err()
		}
	}

	if resp.Error != "" {
		return &RemoteError{Method: method, Message: resp.Error}
	}

	if reply != nil && len(resp.Payload) > 0 {
		if err := codec.Unmarshal(resp.Payload, reply); err != nil {
			return fmt.Errorf("decoding response for %q: %w", method, err)
		}
	}
	return nil
}

// Err returns why the client stopped working, or nil.
func (c *Client) Err() error {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.err
}

func (c *Client) dispatch() {
	defer c.wg.Done()
	for {
		resp, err := c.recv.Recv(context.Background())
		if err != nil {
			c.fail(fmt.Errorf("%w: %w", ErrClientClosed, err))
			return
		}

		c.lk.Lock()
		respCh, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.lk.Unlock()

		if !ok {
			c.logger.Warn("dropping response to an unknown or abandoned call", "id", resp.ID)
			continue
		}
		respCh <- resp
	}
}

func (c *Client) fail(cause error) {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.err != nil {
		return
	}
	c.err = cause
	close(c.closeCh)
}

// Close fails pending calls with [ErrClientClosed] and releases the
// stream, the connection and the socket.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.fail(ErrClientClosed)
		// the connection goes first: a peer that stopped reading would
		// otherwise keep the sender blocked in a flow-controlled write.
		c.closeErr = c.release()
		_ = c.send.Close()
		_ = c.recv.Close()
		c.wg.Wait()
	})
	return c.closeErr
}
