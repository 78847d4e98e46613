package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Bytes is a byte slice which is encoded as 0x prefixed hex string in JSON
// and YAML. Empty slice is encoded as empty string.
type Bytes []byte

func (b Bytes) MarshalText() ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	return hexutil.Bytes(b).MarshalText()
}

func (b *Bytes) UnmarshalText(src []byte) error {
	if len(src) == 0 {
		*b = nil
		return nil
	}
	return (*hexutil.Bytes)(b).UnmarshalText(src)
}

func (b Bytes) String() string {
	return fmt.Sprintf("%X", []byte(b))
}
