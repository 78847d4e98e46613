package network

import (
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/corechain-org/corechain/types"
)

type (
	// BlockMessage is a block gossiped by the peer, Data is the CBOR encoded block.
	BlockMessage struct {
		From peer.ID
		Data []byte
	}

	// CommitsMessage are the single commits gossiped by the peer.
	CommitsMessage struct {
		From    peer.ID
		Commits []*types.SingleCommit
	}

	commitsGossip struct {
		_       struct{} `cbor:",toarray"`
		Commits []*types.SingleCommit
	}

	lastBlockRequest struct {
		_ struct{} `cbor:",toarray"`
	}

	lastBlockResponse struct {
		_     struct{} `cbor:",toarray"`
		Block *types.Block
	}

	// IDs are in descending height order.
	highestCommonBlockRequest struct {
		_   struct{} `cbor:",toarray"`
		IDs []types.Bytes
	}

	highestCommonBlockResponse struct {
		_  struct{} `cbor:",toarray"`
		ID types.Bytes
	}

	blocksFromIDRequest struct {
		_  struct{} `cbor:",toarray"`
		ID types.Bytes
	}

	blocksFromIDResponse struct {
		_      struct{} `cbor:",toarray"`
		Blocks []*types.Block
	}
)
