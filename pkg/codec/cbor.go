// Package codec encodes SDK frame bodies as CBOR.
//
// Encoding uses Core Deterministic Encoding so the same logical frame always
// produces the same bytes; decoding ignores unknown fields and decodes
// untyped maps as map[string]any so they can be re-emitted as JSON.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// RawMessage is an encoded CBOR value whose decoding is deferred until the
// frame's function code is known.
type RawMessage = cbor.RawMessage

// Marshal encodes v to CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Raw encodes v and returns it as a RawMessage. A nil v yields a nil message.
func Raw(v any) (RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, err
	}
	return RawMessage(data), nil
}
