// Package swiss implements a small open-addressing identity set used by the
// allocator graph's debug build to catch double-frees and overlapping
// blocks before they corrupt bookkeeping.
package swiss

import "github.com/dolthub/maphash"

// Key identifies one live block: the memory object it was carved from plus
// its byte range.
type Key struct {
	Memory     uint64
	Start, End uint64
}

const tombstone = 1

// entry states: 0 = empty, 1 = tombstone, 2 = occupied.
type slot struct {
	key   Key
	state uint8
}

// Tracker is a set of live Keys, used to assert that every free/dispose
// removes a block that was actually allocated, and that no two live blocks
// from the same allocator overlap.
type Tracker struct {
	hasher maphash.Hasher[Key]
	slots  []slot
	count  int
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{
		hasher: maphash.NewHasher[Key](),
		slots:  make([]slot, 16),
	}
}

func (t *Tracker) indexFor(k Key, slots []slot) int {
	mask := uint64(len(slots) - 1)
	i := t.hasher.Hash(k) & mask
	free := -1

	for n := 0; n < len(slots); n++ {
		switch s := slots[i]; {
		case s.state == 2 && s.key == k:
			return int(i)
		case s.state == 0 && free < 0:
			return int(i)
		case s.state == 0:
			return free
		case s.state == tombstone && free < 0:
			free = int(i)
		}

		i = (i + 1) & mask
	}

	return free
}

func (t *Tracker) grow() {
	next := make([]slot, len(t.slots)*2)

	for _, s := range t.slots {
		if s.state != 2 {
			continue
		}

		i := t.indexFor(s.key, next)
		next[i] = s
	}

	t.slots = next
}

// Insert adds k to the set. It reports false if k was already present,
// which signals a double-allocation of the same identity.
func (t *Tracker) Insert(k Key) bool {
	if t.count*2 >= len(t.slots) {
		t.grow()
	}

	i := t.indexFor(k, t.slots)
	if t.slots[i].state == 2 {
		return false
	}

	t.slots[i] = slot{key: k, state: 2}
	t.count++

	return true
}

// Remove deletes k from the set. It reports false if k was not present,
// which signals a double-free.
func (t *Tracker) Remove(k Key) bool {
	i := t.indexFor(k, t.slots)
	if t.slots[i].state != 2 {
		return false
	}

	t.slots[i] = slot{state: tombstone}
	t.count--

	return true
}

// Len returns the number of live keys currently tracked.
func (t *Tracker) Len() int { return t.count }

// Overlaps reports whether any currently tracked key for the same memory
// object overlaps [start, end).
func (t *Tracker) Overlaps(memory uint64, start, end uint64) bool {
	for _, s := range t.slots {
		if s.state != 2 || s.key.Memory != memory {
			continue
		}

		if start < s.key.End && s.key.Start < end {
			return true
		}
	}

	return false
}
