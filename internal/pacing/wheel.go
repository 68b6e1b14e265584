package pacing

import (
	"firestige.xyz/xpass/internal/core"
)

const (
	// WheelSlots is the number of slots in a timing wheel.
	WheelSlots = 2048
	// WheelGranularity is the time covered by one slot, in nanoseconds.
	WheelGranularity = 4000
	// WheelHorizon is the furthest delay a wheel can express.
	WheelHorizon = WheelSlots * WheelGranularity

	// MaxWheelCapacity bounds the number of ids one wheel tracks.
	MaxWheelCapacity = 1 << 24

	nilIndex = ^uint32(0)
)

type link struct {
	prev, next uint32
}

// TimingWheel schedules flow ids into 2048 circular slots of 4µs each.
//
// Every id in [0, capacity) owns one list node; slot heads live after the
// id nodes in the same array, so each slot is a circular doubly-linked list
// threaded through indices instead of pointers. An unlinked node has both
// links set to nilIndex.
type TimingWheel struct {
	links    []link
	capacity uint32
	front    uint64 // logical slot number, now/WheelGranularity
	pending  int
}

// NewTimingWheel allocates nodes for ids [0, capacity) and sets the front
// to now.
func NewTimingWheel(capacity int, now uint64) (*TimingWheel, error) {
	if capacity <= 0 || capacity > MaxWheelCapacity {
		return nil, core.ErrFlowOutOfRange
	}
	w := &TimingWheel{
		links:    make([]link, capacity+WheelSlots),
		capacity: uint32(capacity),
	}
	for i := 0; i < capacity; i++ {
		w.links[i] = link{prev: nilIndex, next: nilIndex}
	}
	for s := 0; s < WheelSlots; s++ {
		h := w.head(uint64(s))
		w.links[h] = link{prev: h, next: h}
	}
	w.Init(now)
	return w, nil
}

// Init moves the front to now. Scheduled ids are kept.
func (w *TimingWheel) Init(now uint64) {
	w.front = now / WheelGranularity
}

// Capacity returns the number of ids the wheel can hold.
func (w *TimingWheel) Capacity() int { return int(w.capacity) }

// Pending returns the number of scheduled ids.
func (w *TimingWheel) Pending() int { return w.pending }

// Scheduled reports whether id is linked into a slot.
func (w *TimingWheel) Scheduled(id uint32) bool {
	return id < w.capacity && w.links[id].next != nilIndex
}

// ScheduleAt links id into the slot covering at. A time at or behind the
// front lands in the front slot; a time past the horizon is clamped into the
// slot just behind the front, so it fires early rather than being taken for
// the current revolution after wraparound.
func (w *TimingWheel) ScheduleAt(id uint32, at uint64) error {
	if id >= w.capacity {
		return core.ErrFlowOutOfRange
	}
	if w.links[id].next != nilIndex {
		return core.ErrAlreadyScheduled
	}

	t := at / WheelGranularity
	var slot uint64
	switch {
	case t <= w.front:
		slot = w.front
	case t < w.front+WheelSlots:
		slot = t
	default:
		slot = w.front + WheelSlots - 1
	}
	w.pushBack(w.head(slot), id)
	w.pending++
	return nil
}

// ScheduleNow links id into the front slot.
func (w *TimingWheel) ScheduleNow(id uint32) error {
	return w.ScheduleAt(id, w.front*WheelGranularity)
}

// Deschedule unlinks id. It is a no-op for an id that is not scheduled.
func (w *TimingWheel) Deschedule(id uint32) {
	if !w.Scheduled(id) {
		return
	}
	n := w.links[id]
	w.links[n.prev].next = n.next
	w.links[n.next].prev = n.prev
	w.links[id] = link{prev: nilIndex, next: nilIndex}
	w.pending--
}

// Reschedule moves id to the slot covering at.
func (w *TimingWheel) Reschedule(id uint32, at uint64) error {
	w.Deschedule(id)
	return w.ScheduleAt(id, at)
}

// PollDue advances the front across elapsed empty slots and pops one id from
// the first non-empty slot at or behind now. Callers drain a slot by polling
// until ok is false.
func (w *TimingWheel) PollDue(now uint64) (id uint32, ok bool) {
	target := now / WheelGranularity
	if w.pending == 0 {
		if target > w.front {
			w.front = target
		}
		return 0, false
	}

	for {
		h := w.head(w.front)
		if first := w.links[h].next; first != h {
			w.Deschedule(first)
			return first, true
		}
		if w.front >= target {
			return 0, false
		}
		w.front++
	}
}

func (w *TimingWheel) head(slot uint64) uint32 {
	return w.capacity + uint32(slot%WheelSlots)
}

func (w *TimingWheel) pushBack(h, id uint32) {
	tail := w.links[h].prev
	w.links[id] = link{prev: tail, next: h}
	w.links[tail].next = id
	w.links[h].prev = id
}
