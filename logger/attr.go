package logger

import (
	"fmt"
	"log/slog"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Keys of the attributes shared by the packages, use the constructors below instead of the keys.
const (
	NodeIDKey  = "node_id"
	ModuleKey  = "module"
	ErrorKey   = "err"
	HeightKey  = "height"
	BlockIDKey = "block_id"
	PeerKey    = "peer"
	DataKey    = "data"

	// OTEL log data model
	traceID = "TraceId"
	spanID  = "SpanId"
)

// NodeID is meant for logger.With, to create the logger of the node.
func NodeID(id peer.ID) slog.Attr {
	return slog.Any(NodeIDKey, id)
}

/*
Error attaches the error to the log record:

	if err := sm.Commit(block); err != nil {
		log.Error("committing block", logger.Error(err))
	}
*/
func Error(err error) slog.Attr {
	return slog.Any(ErrorKey, err)
}

/*
Data attaches additional value to the record. Do not use slog.GroupValue or
anonymous types as data, the ECS output nests the value under its type name.
*/
func Data(d any) slog.Attr {
	return slog.Any(DataKey, d)
}

func Height(height uint64) slog.Attr {
	return slog.Uint64(HeightKey, height)
}

// BlockID logs the block ID as upper case hex.
func BlockID(id []byte) slog.Attr {
	return slog.String(BlockIDKey, fmt.Sprintf("%X", id))
}

// Module is the name of the state machine module, mostly used with logger.With.
func Module(name string) slog.Attr {
	return slog.String(ModuleKey, name)
}

// Peer is the remote peer of the network message.
func Peer(id peer.ID) slog.Attr {
	return slog.Any(PeerKey, id)
}
