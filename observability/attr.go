package observability

import (
	"encoding/hex"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by metrics and spans.
const (
	TxHashKey  attribute.Key = "tx.hash"
	BlockIDKey attribute.Key = "block.id"
	HeightKey  attribute.Key = "height"
	ModuleKey  attribute.Key = "module"
	CommandKey attribute.Key = "command"
	StatusKey  attribute.Key = "status"
)

func Height(height uint64) attribute.KeyValue {
	return HeightKey.Int64(int64(height)) // #nosec G115 height fits into int64
}

func BlockID(id []byte) attribute.KeyValue { return BlockIDKey.String(hex.EncodeToString(id)) }

func TxHash(hash []byte) attribute.KeyValue { return TxHashKey.String(hex.EncodeToString(hash)) }

func PeerID(key attribute.Key, id peer.ID) attribute.KeyValue { return key.String(id.String()) }

// Command identifies the module command a transaction executes.
func Command(module, command string) []attribute.KeyValue {
	return []attribute.KeyValue{ModuleKey.String(module), CommandKey.String(command)}
}

// ErrStatus is "status=err" for non-nil err and "status=ok" otherwise.
func ErrStatus(err error) attribute.KeyValue {
	if err != nil {
		return StatusKey.String("err")
	}
	return StatusKey.String("ok")
}
