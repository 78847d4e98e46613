package event

const (
	Error Type = iota
	BlockExecuted
	BlockReverted
	ForkDetected
	SyncStarted
	SyncFinished
	CommitConflict
	BlockGenerated
)

type (
	Event struct {
		EventType Type
		Content   any
	}

	Type int

	Handler func(e *Event)

	// Fork is the content of the ForkDetected event.
	Fork struct {
		Status string
		Tip    []byte
		Block  []byte
		Height uint64
	}
)

func (t Type) String() string {
	switch t {
	case Error:
		return "Error"
	case BlockExecuted:
		return "BlockExecuted"
	case BlockReverted:
		return "BlockReverted"
	case ForkDetected:
		return "ForkDetected"
	case SyncStarted:
		return "SyncStarted"
	case SyncFinished:
		return "SyncFinished"
	case CommitConflict:
		return "CommitConflict"
	case BlockGenerated:
		return "BlockGenerated"
	default:
		return "Unknown"
	}
}
