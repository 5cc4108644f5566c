package flow

import (
	"encoding/binary"
	"fmt"
	"io"
	"reflect"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameSize bounds a single frame when the codec is built
// with a zero limit.
const DefaultMaxFrameSize = 16 << 20

// BytesCodec is a simple framing codec using length-prefixed frames
// to exchange []byte over a flow.
//
// A frame is the payload length as a protobuf varint followed by the
// payload itself.
type BytesCodec struct {
	maxFrameSize int
}

func NewBytesCodec(maxFrameSize int) BytesCodec {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return BytesCodec{
		maxFrameSize: maxFrameSize,
	}
}

func (enc BytesCodec) limit() int {
	if enc.maxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return enc.maxFrameSize
}

func (enc BytesCodec) Encode(w io.Writer, msg interface{}) error {
	buf, ok := msg.([]byte)
	if !ok {
		panic(
			fmt.Sprintf(
				"encoder received wrong type %s instead of []byte",
				reflect.TypeOf(msg).String(),
			),
		)
	}

	if len(buf) > enc.limit() {
		return fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, len(buf))
	}

	// The whole frame goes out in a single Write so concurrent
	// encoders never interleave a prefix with another payload.
	prefixedBuf := protowire.AppendVarint(make([]byte, 0, binary.MaxVarintLen64+len(buf)), uint64(len(buf)))
	prefixedBuf = append(prefixedBuf, buf...)
	_, err := w.Write(prefixedBuf)
	return err
}

func (enc BytesCodec) Decode(r io.Reader) (interface{}, error) {
	buf := make([]byte, binary.MaxVarintLen64)
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n : n+1])
		if m != 0 {
			byteRead := buf[n]
			n = m + n
			if byteRead < 0x80 {
				break
			}
		}
		if err != nil {
			if err == io.EOF && n > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	prefix, prefixSize := protowire.ConsumeVarint(buf[:n])
	if err := protowire.ParseError(prefixSize); err != nil {
		return nil, err
	}

	if prefix > uint64(enc.limit()) {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, prefix)
	}

	buf = make([]byte, prefix)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return buf, nil
}
