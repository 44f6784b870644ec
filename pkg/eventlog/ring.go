package eventlog

import "sync"

// Ring is the bounded in-memory buffer of the most recent entries,
// serving monitor:get_events without touching disk. Append overwrites
// the oldest entry when full and bumps the dropped counter; sequence
// numbers are monotonic across the life of the ring.
type Ring struct {
	mu      sync.Mutex
	entries []*Entry
	size    int
	next    uint64 // next sequence number; also total appended
	dropped uint64
}

// NewRing returns a ring holding up to size entries.
func NewRing(size int) *Ring {
	if size < 1 {
		size = 1
	}
	return &Ring{entries: make([]*Entry, size), size: size}
}

// Append stores the entry, assigns its sequence number, and returns it.
// Never blocks and never fails.
func (r *Ring) Append(e *Entry) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.next
	r.next++
	e.Seq = seq

	slot := int(seq % uint64(r.size))
	if r.entries[slot] != nil {
		r.dropped++
	}
	r.entries[slot] = e
	return seq
}

// Recent returns up to limit entries matching filter, newest first.
// A nil filter matches everything; limit <= 0 means no limit.
func (r *Ring) Recent(limit int, filter func(*Entry) bool) []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Entry
	// Walk backwards from the newest sequence.
	for i := int64(r.next) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		e := r.entries[i%int64(r.size)]
		if e == nil || e.Seq != uint64(i) {
			// Slot was overwritten by a newer entry; everything older
			// is gone too.
			break
		}
		if filter == nil || filter(e) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of live entries currently held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.next < uint64(r.size) {
		return int(r.next)
	}
	return r.size
}

// Dropped returns how many entries were overwritten before ever being
// read out of the ring.
func (r *Ring) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Total returns the count of all appends since creation.
func (r *Ring) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}
