package state

import (
	"errors"
	"fmt"
	"slices"

	"github.com/corechain-org/corechain/types"
)

const (
	MaxEventTopics   = 4
	MaxEventDataSize = 1024
)

var ErrInvalidEvent = errors.New("invalid event")

type (
	/*
		EventQueue collects the events emitted while processing a block. Child
		queues (see GetChildQueue) append into the same list but prepend their
		topic to every event.
	*/
	EventQueue struct {
		height        uint64
		list          *eventList
		defaultTopics [][]byte
	}

	eventList struct {
		events []*queuedEvent
	}

	queuedEvent struct {
		event    *types.Event
		noRevert bool
	}
)

func NewEventQueue(height uint64) *EventQueue {
	return &EventQueue{height: height, list: &eventList{}}
}

func (q *EventQueue) Height() uint64 {
	return q.height
}

/*
Add appends event to the queue. Events added with "noRevert" flag survive
RestoreSnapshot.
*/
func (q *EventQueue) Add(module, name string, data []byte, topics [][]byte, noRevert bool) error {
	if module == "" || name == "" {
		return fmt.Errorf("%w: module and name must be set", ErrInvalidEvent)
	}
	if len(data) > MaxEventDataSize {
		return fmt.Errorf("%w: data size %d exceeds limit %d", ErrInvalidEvent, len(data), MaxEventDataSize)
	}
	allTopics := slices.Concat(q.defaultTopics, topics)
	if len(allTopics) == 0 {
		return fmt.Errorf("%w: event must have at least one topic", ErrInvalidEvent)
	}
	if len(allTopics) > MaxEventTopics {
		return fmt.Errorf("%w: %d topics exceeds limit %d", ErrInvalidEvent, len(allTopics), MaxEventTopics)
	}
	e := &types.Event{
		Module: module,
		Name:   name,
		Data:   slices.Clone(data),
		Height: q.height,
	}
	for _, t := range allTopics {
		e.Topics = append(e.Topics, slices.Clone(t))
	}
	q.list.events = append(q.list.events, &queuedEvent{event: e, noRevert: noRevert})
	return nil
}

// GetChildQueue returns queue which adds "topic" as the first topic of all events.
func (q *EventQueue) GetChildQueue(topic []byte) *EventQueue {
	return &EventQueue{
		height:        q.height,
		list:          q.list,
		defaultTopics: [][]byte{slices.Clone(topic)},
	}
}

func (q *EventQueue) CreateSnapshot() int {
	return len(q.list.events)
}

// RestoreSnapshot drops events added after the snapshot except the ones flagged with noRevert.
func (q *EventQueue) RestoreSnapshot(id int) error {
	if id < 0 || id > len(q.list.events) {
		return fmt.Errorf("%w: %d (event count %d)", ErrInvalidSnapshot, id, len(q.list.events))
	}
	kept := q.list.events[:id]
	for _, e := range q.list.events[id:] {
		if e.noRevert {
			kept = append(kept, e)
		}
	}
	q.list.events = kept
	return nil
}

// GetEvents returns events in emission order with the block index assigned.
func (q *EventQueue) GetEvents() []*types.Event {
	res := make([]*types.Event, len(q.list.events))
	for i, e := range q.list.events {
		e.event.Index = uint32(i)
		res[i] = e.event
	}
	return res
}

func (q *EventQueue) Len() int {
	return len(q.list.events)
}
