package domain

import "fmt"

type SlotState int

const (
	SlotUnresolved SlotState = iota
	SlotFound
	SlotNotFound
)

func (s SlotState) String() string {
	switch s {
	case SlotUnresolved:
		return "unresolved"
	case SlotFound:
		return "found"
	case SlotNotFound:
		return "not found"
	}
	return fmt.Sprintf("SlotState(%d)", int(s))
}

// Slot is the resolution state of a single key.
//
// The zero value is Unresolved.
type Slot[V any] struct {
	state SlotState
	value V
}

func Unresolved[V any]() Slot[V] {
	return Slot[V]{state: SlotUnresolved}
}

func Found[V any](value V) Slot[V] {
	return Slot[V]{state: SlotFound, value: value}
}

func NotFound[V any]() Slot[V] {
	return Slot[V]{state: SlotNotFound}
}

func (s Slot[V]) State() SlotState {
	return s.state
}

// Value returns the payload and whether the slot is Found
func (s Slot[V]) Value() (V, bool) {
	return s.value, s.state == SlotFound
}

func (s Slot[V]) IsResolved() bool {
	return s.state != SlotUnresolved
}
