package synchronizer

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

/*
ApplyPenaltyAndRestartError is returned when the peer served invalid data,
the peer should be penalized and the synchronization restarted with another
peer.
*/
type ApplyPenaltyAndRestartError struct {
	PeerID peer.ID
	Reason string
}

func (e *ApplyPenaltyAndRestartError) Error() string {
	return fmt.Sprintf("peer %s misbehaved, restart synchronization: %s", e.PeerID, e.Reason)
}

// RestartError means the synchronization failed for a transient reason and may be retried.
type RestartError struct {
	Reason string
}

func (e *RestartError) Error() string {
	return "restart synchronization: " + e.Reason
}

// AbortError means the synchronization must not be retried.
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string {
	return "synchronization aborted: " + e.Reason
}
