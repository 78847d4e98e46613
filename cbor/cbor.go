package cbor

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding: map keys sorted, shortest form integers. Block and
	// transaction hashes are computed over these bytes so the options must never change.
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(fmt.Errorf("initializing CBOR encoder: %w", err))
	}
	if decMode, err = (cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 20,
	}).DecMode(); err != nil {
		panic(fmt.Errorf("initializing CBOR decoder: %w", err))
	}
}

// Marshal returns the deterministic CBOR encoding of v.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return encMode.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return decMode.NewDecoder(r).Decode(v)
}

/*
RawCBOR is a CBOR encoded value whose decoding is postponed, typically
because the schema is owned by some other component (ie module command).
*/
type RawCBOR = cbor.RawMessage

func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
