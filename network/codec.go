package network

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/corechain-org/corechain/cbor"
)

// max size of a single message on the request-response protocols
const maxMessageSize = 16 * 1024 * 1024

/*
serializeMsg encodes the message as CBOR prefixed with the length of the
encoding (uvarint).
*/
func serializeMsg(msg any) ([]byte, error) {
	data, err := cbor.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling %T as CBOR: %w", msg, err)
	}
	buf := binary.AppendUvarint(make([]byte, 0, len(data)+binary.MaxVarintLen64), uint64(len(data)))
	return append(buf, data...), nil
}

// deserializeMsg reads message encoded by serializeMsg into "msg".
func deserializeMsg(r io.Reader, msg any) error {
	br, ok := r.(io.ByteReader)
	if !ok {
		b := bufio.NewReader(r)
		br, r = b, b
	}
	size, err := binary.ReadUvarint(br)
	if err != nil {
		return fmt.Errorf("reading message length: %w", err)
	}
	if size == 0 {
		return fmt.Errorf("unexpected message length 0")
	}
	if size > maxMessageSize {
		return fmt.Errorf("message size %d exceeds the limit %d", size, maxMessageSize)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("reading message: %w", err)
	}
	if err := cbor.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	return nil
}
