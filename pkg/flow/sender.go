package flow

import (
	"context"
	"io"
	"sync"
)

// RawSender is a non-thread safe and blocking flow which should
// only be used by power users.
//
// Methods MUST NOT be called concurrently.
type RawSender interface {
	Send(Encoder, interface{}) error
	Close() error
}

// Encoder can encode messages on a stream.
// It is supposed to return an error only when a final error is
// encountered.
type Encoder interface {
	Encode(io.Writer, interface{}) error
}

// Sender is a thread-safe and typed flow writer.
type Sender[T any] struct {
	raw RawSender
	enc Encoder

	writeCh    chan T
	closeCh    chan struct{}
	mainLoopWg sync.WaitGroup

	// handle Close sync.
	writer sync.WaitGroup
	err    error
	lk     sync.Mutex
}

func NewSender[T any](raw RawSender, enc Encoder, bufferSize uint) *Sender[T] {
	w := &Sender[T]{
		raw: raw,
		enc: enc,

		writeCh: make(chan T, bufferSize),
		closeCh: make(chan struct{}),
	}

	w.mainLoopWg.Add(1)
	go w.run()

	return w
}

// Send queues msg for writing. A nil error only means the message was
// handed to the writer goroutine, not that the peer received it.
func (w *Sender[T]) Send(ctx context.Context, msg T) error {
	w.lk.Lock()
	if w.err != nil {
		err := w.err
		w.lk.Unlock()
		return err
	}
	w.writer.Add(1)
	defer w.writer.Done()
	w.lk.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.closeCh:
		return w.Err()
	case w.writeCh <- msg:
	}

	return nil
}

// Err returns the reason the sender stopped, or nil while it runs.
func (w *Sender[T]) Err() error {
	w.lk.Lock()
	defer w.lk.Unlock()
	return w.err
}

// Close stops accepting messages, flushes what was already queued and
// closes the underlying stream.
func (w *Sender[T]) Close() error {
	return w.closeWith(ErrFlowClosed, false)
}

func (w *Sender[T]) closeWith(cause error, fromRun bool) error {
	w.lk.Lock()
	if w.err != nil {
		w.lk.Unlock()
		return nil
	}
	w.err = cause
	close(w.closeCh)
	w.lk.Unlock()

	// Writers either observe closeCh or already queued their message,
	// waiting for them makes closing writeCh safe.
	w.writer.Wait()
	close(w.writeCh)
	if !fromRun {
		w.mainLoopWg.Wait()
	}
	return w.raw.Close()
}

func (w *Sender[T]) run() {
	defer w.mainLoopWg.Done()
	for {
		msg, ok := <-w.writeCh
		if !ok {
			return
		}

		err := w.raw.Send(w.enc, msg)
		if err != nil {
			w.closeWith(err, true)
			// drop what was queued before the close.
			for range w.writeCh {
			}
			return
		}
	}
}
