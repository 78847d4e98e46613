package forkchoice

import (
	"bytes"
	"fmt"
	"time"

	"github.com/corechain-org/corechain/types"
)

// Status is the result of comparing received block with the current tip of the chain.
type Status int

const (
	IdenticalBlock Status = iota + 1
	DoubleForging
	TieBreak
	DifferentChain
	Discard
	ValidBlock
)

func (s Status) String() string {
	switch s {
	case IdenticalBlock:
		return "IDENTICAL_BLOCK"
	case DoubleForging:
		return "DOUBLE_FORGING"
	case TieBreak:
		return "TIE_BREAK"
	case DifferentChain:
		return "DIFFERENT_CHAIN"
	case Discard:
		return "DISCARD"
	case ValidBlock:
		return "VALID_BLOCK"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Slots splits the time since genesis into block time long slots. Timestamps are unix seconds.
type Slots struct {
	GenesisTimestamp uint64
	BlockTime        uint64
}

// SlotNumber returns slot of the timestamp, timestamps before genesis belong to slot 0.
func (s Slots) SlotNumber(ts uint64) uint64 {
	if ts < s.GenesisTimestamp || s.BlockTime == 0 {
		return 0
	}
	return (ts - s.GenesisTimestamp) / s.BlockTime
}

// SlotTime returns the start timestamp of the slot.
func (s Slots) SlotTime(slot uint64) uint64 {
	return s.GenesisTimestamp + slot*s.BlockTime
}

// TimeSinceGenesis returns number of seconds passed since genesis at "now".
func (s Slots) TimeSinceGenesis(now time.Time) uint64 {
	ts := uint64(max(now.Unix(), 0)) // #nosec G115 negative values are clamped
	if ts < s.GenesisTimestamp {
		return 0
	}
	return ts - s.GenesisTimestamp
}

// receivedInSlot returns true when the block was received during the slot of its timestamp.
func (s Slots) receivedInSlot(h *types.BlockHeader, receivedAt uint64) bool {
	return s.SlotNumber(h.Timestamp) == s.SlotNumber(receivedAt)
}

/*
Input of the fork choice rule. Tip is the last block of the local chain,
Incoming the block received from the network. ReceivedAt fields are the unix
timestamps of when the blocks were received.
*/
type Input struct {
	Tip                *types.BlockHeader
	TipReceivedAt      uint64
	Incoming           *types.BlockHeader
	IncomingReceivedAt uint64
	FinalizedHeight    uint64
	Slots              Slots
}

/*
Classify decides what to do with the incoming block. Headers must be
statically valid, if block ID can't be calculated the block is discarded.
*/
func Classify(in Input) Status {
	tipID, err := in.Tip.ID()
	if err != nil {
		return Discard
	}
	incomingID, err := in.Incoming.ID()
	if err != nil {
		return Discard
	}
	tip, inc := in.Tip, in.Incoming

	switch {
	case bytes.Equal(tipID, incomingID):
		return IdenticalBlock
	case inc.Height <= in.FinalizedHeight:
		return Discard
	case inc.Height == tip.Height+1 && bytes.Equal(inc.PreviousBlockID, tipID):
		return ValidBlock
	case isDoubleForging(tip, inc):
		return DoubleForging
	case isSibling(tip, inc) && incomingWinsTieBreak(in):
		return TieBreak
	case isDifferentChain(tip, inc):
		return DifferentChain
	default:
		return Discard
	}
}

// isDoubleForging assumes the block IDs are already known to be different.
func isDoubleForging(tip, inc *types.BlockHeader) bool {
	return inc.Height == tip.Height &&
		inc.MaxHeightPrevoted == tip.MaxHeightPrevoted &&
		bytes.Equal(inc.GeneratorAddress, tip.GeneratorAddress)
}

func isSibling(tip, inc *types.BlockHeader) bool {
	return inc.Height == tip.Height &&
		inc.MaxHeightPrevoted == tip.MaxHeightPrevoted &&
		bytes.Equal(inc.PreviousBlockID, tip.PreviousBlockID)
}

func incomingWinsTieBreak(in Input) bool {
	if in.Incoming.Timestamp < in.Tip.Timestamp {
		return true
	}
	return in.Slots.SlotNumber(in.Tip.Timestamp) < in.Slots.SlotNumber(in.Incoming.Timestamp) &&
		!in.Slots.receivedInSlot(in.Tip, in.TipReceivedAt) &&
		in.Slots.receivedInSlot(in.Incoming, in.IncomingReceivedAt)
}

func isDifferentChain(tip, inc *types.BlockHeader) bool {
	return tip.MaxHeightPrevoted < inc.MaxHeightPrevoted ||
		(tip.MaxHeightPrevoted == inc.MaxHeightPrevoted && tip.Height < inc.Height)
}
