package consensus

import "fmt"

// InvalidBlockError is returned when the block fails validation or its execution result doesn't match the header.
type InvalidBlockError struct {
	BlockID []byte
	Err     error
}

func (e *InvalidBlockError) Error() string {
	return fmt.Sprintf("invalid block %X: %v", e.BlockID, e.Err)
}

func (e *InvalidBlockError) Unwrap() error { return e.Err }
