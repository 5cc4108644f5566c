// Package codec is the binary serialization shared by RPC frames and
// stored identity records.
package codec

import "github.com/fxamacker/cbor/v2"

// encMode uses Core Deterministic Encoding so the same record always
// produces the same bytes on disk.
var encMode cbor.EncMode

// decMode ignores unknown fields, older binaries can read newer records.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is an encoded CBOR value whose decoding is delayed until
// the receiver knows the target type.
type RawMessage = cbor.RawMessage
