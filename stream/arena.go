package stream

import (
	"httpstack/herr"
	"httpstack/sse"
)

// OverflowPolicy governs what happens when a dispatched event's
// fields don't fit the arena's remaining capacity.
type OverflowPolicy int

const (
	// ReturnError fails delivery of that event with
	// herr.ErrEventTooLarge, which ends the stream and closes its
	// Connection.
	ReturnError OverflowPolicy = iota
	// HeapFallback satisfies an oversized field from Allocator instead
	// of the arena, at the cost of a heap allocation for that field.
	HeapFallback
)

// Allocator is a caller-supplied general allocator, consulted only
// when OverflowPolicy is HeapFallback and a field overflows the
// arena's remaining capacity.
type Allocator func(size int) []byte

// arena is a reusable fixed-capacity buffer that a dispatched event's
// string fields are accounted against before a consumer sees them,
// reset before every event so a long-lived SSE stream never grows its
// footprint with event count, only with the size of whichever single
// event is in flight. Every field still comes back as an independent
// Go string (string conversion copies, so there is no backing-array
// aliasing to guard against as there would be in a language with
// manual memory) — the arena's job is the size budget and the
// overflow policy, not avoiding the copy itself.
type arena struct {
	buf    []byte
	pos    int
	policy OverflowPolicy
	alloc  Allocator
}

func newArena(size int, policy OverflowPolicy, alloc Allocator) *arena {
	return &arena{buf: make([]byte, size), policy: policy, alloc: alloc}
}

func (a *arena) reset() {
	a.pos = 0
}

// copy accounts s against the arena's remaining capacity, returning a
// copy of s. When s doesn't fit, it is served per OverflowPolicy:
// HeapFallback hands it to Allocator (failing with
// herr.ErrHeapFallbackRequiresAllocator if none was supplied);
// ReturnError fails with herr.ErrEventTooLarge.
func (a *arena) copy(s string) (string, error) {
	if len(s) <= len(a.buf)-a.pos {
		dst := a.buf[a.pos : a.pos+len(s)]
		copy(dst, s)
		a.pos += len(s)
		return string(dst), nil
	}

	if a.policy == HeapFallback {
		if a.alloc == nil {
			return "", herr.ErrHeapFallbackRequiresAllocator
		}
		dst := a.alloc(len(s))
		copy(dst, s)
		return string(dst), nil
	}
	return "", herr.ErrEventTooLarge
}

// copyEvent runs every variable-length field of ev through copy,
// after resetting the arena for the new dispatch.
func (a *arena) copyEvent(ev sse.Event) (sse.Event, error) {
	a.reset()

	id, err := a.copy(ev.ID)
	if err != nil {
		return sse.Event{}, err
	}
	name, err := a.copy(ev.Name)
	if err != nil {
		return sse.Event{}, err
	}
	data, err := a.copy(ev.Data)
	if err != nil {
		return sse.Event{}, err
	}

	ev.ID, ev.Name, ev.Data = id, name, data
	return ev, nil
}
