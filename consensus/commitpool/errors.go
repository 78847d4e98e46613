package commitpool

import (
	"fmt"

	"github.com/corechain-org/corechain/types"
)

/*
ConflictingCommitError is returned when a validator has committed to
different blocks at the same height, it's an evidence of double forging.
*/
type ConflictingCommitError struct {
	Existing *types.SingleCommit
	Received *types.SingleCommit
}

func (e *ConflictingCommitError) Error() string {
	return fmt.Sprintf("validator %X has already committed to block %X at height %d, received commit for block %X",
		e.Existing.ValidatorAddress, e.Existing.BlockID, e.Existing.Height, e.Received.BlockID)
}
