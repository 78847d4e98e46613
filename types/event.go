package types

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/corechain-org/corechain/cbor"
)

// EventRootKeyLength is the key length of the event root tree (height and index).
const EventRootKeyLength = 12

/*
Event is emitted by modules while executing hooks and commands. Index is
the position of the event in the block's event list.
*/
type Event struct {
	_      struct{} `cbor:",toarray"`
	Module string   `json:"module"`
	Name   string   `json:"name"`
	Data   Bytes    `json:"data"`
	Topics []Bytes  `json:"topics"`
	Height uint64   `json:"height,string"`
	Index  uint32   `json:"index"`
}

func (e *Event) Key() []byte {
	key := binary.BigEndian.AppendUint64(make([]byte, 0, EventRootKeyLength), e.Height)
	return binary.BigEndian.AppendUint32(key, e.Index)
}

func (e *Event) Value() []byte {
	b, err := cbor.Marshal(e)
	if err != nil {
		// Event contains only encodable fields.
		panic(fmt.Errorf("encoding event: %w", err))
	}
	h := sha256.Sum256(b)
	return h[:]
}
