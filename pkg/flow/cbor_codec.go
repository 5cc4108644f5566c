package flow

import (
	"fmt"
	"io"
	"reflect"

	"github.com/floss-uz-community/funksiyachi/pkg/codec"
)

// CborEncoder marshals messages to CBOR and writes them as
// length-prefixed frames.
type CborEncoder struct {
	inner BytesCodec
}

func NewCborEncoder(maxFrameSize int) CborEncoder {
	return CborEncoder{
		inner: NewBytesCodec(maxFrameSize),
	}
}

func (enc CborEncoder) Encode(w io.Writer, msg interface{}) error {
	buf, err := enc.Marshal(msg)
	if err != nil {
		return err
	}

	return enc.inner.Encode(w, buf)
}

// Marshal returns the CBOR form of msg, or [ErrTooLargeFrame] when it
// would not fit in a single frame. The result can be queued on a
// []byte [Sender] using a [BytesCodec] with the same limit.
func (enc CborEncoder) Marshal(msg interface{}) ([]byte, error) {
	buf, err := codec.Marshal(msg)
	if err != nil {
		return nil, err
	}

	if len(buf) > enc.inner.limit() {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, len(buf))
	}
	return buf, nil
}

// CborDecoder reads a length-prefixed frame and unmarshals it into a
// freshly allocated Msg, which must be a pointer type.
type CborDecoder[Msg any] struct {
	inner     BytesCodec
	allocator func() Msg
}

func NewCborDecoder[Msg any](maxFrameSize int) CborDecoder[Msg] {
	t := reflect.TypeOf((*Msg)(nil)).Elem()
	if t.Kind() != reflect.Ptr {
		panic("it makes no sense to try to unmarshal into a non-pointer")
	}

	return CborDecoder[Msg]{
		inner: NewBytesCodec(maxFrameSize),
		allocator: func() Msg {
			return reflect.New(t.Elem()).Interface().(Msg)
		},
	}
}

func (dec CborDecoder[Msg]) Decode(r io.Reader) (interface{}, error) {
	buf, err := dec.inner.Decode(r)
	if err != nil {
		return nil, err
	}

	result := dec.allocator()
	if err := codec.Unmarshal(buf.([]byte), result); err != nil {
		return nil, err
	}
	return result, nil
}
