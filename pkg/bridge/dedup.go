package bridge

import (
	"time"
)

const (
	// dedupCapacity bounds how many envelopes the window remembers.
	dedupCapacity = 256

	// dedupTTL is how long a remembered envelope suppresses duplicates.
	dedupTTL = 30 * time.Second
)

type dedupKey struct {
	seq  uint64
	ts   int64
	kind string
}

// dedupWindow remembers recently seen message envelopes so the same logical
// event arriving over two channels is surfaced once. Capacity bounds memory
// with FIFO eviction; age is checked on lookup, so an entry older than the
// TTL no longer suppresses. Not safe for concurrent use; the bridge calls it
// from its run goroutine only.
type dedupWindow struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time
	entries  map[dedupKey]time.Time
	order    []dedupKey
}

func newDedupWindow(capacity int, ttl time.Duration, now func() time.Time) *dedupWindow {
	if capacity <= 0 {
		capacity = dedupCapacity
	}
	if ttl <= 0 {
		ttl = dedupTTL
	}
	if now == nil {
		now = time.Now
	}
	return &dedupWindow{
		capacity: capacity,
		ttl:      ttl,
		now:      now,
		entries:  make(map[dedupKey]time.Time, capacity),
	}
}

// Seen records the envelope and reports whether it was already seen within
// the window.
func (w *dedupWindow) Seen(seq uint64, ts int64, kind string) bool {
	key := dedupKey{seq: seq, ts: ts, kind: kind}
	now := w.now()

	if stamp, ok := w.entries[key]; ok {
		if now.Sub(stamp) <= w.ttl {
			return true
		}
		// Aged out: refresh in place, keeping its original eviction slot.
		w.entries[key] = now
		return false
	}

	w.entries[key] = now
	w.order = append(w.order, key)
	if len(w.order) > w.capacity {
		head := w.order[0]
		w.order = w.order[1:]
		delete(w.entries, head)
	}
	return false
}

// Len reports how many envelopes are currently remembered.
func (w *dedupWindow) Len() int {
	return len(w.entries)
}
