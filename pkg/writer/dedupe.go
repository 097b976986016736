package writer

import "sync"

const (
	dedupeCapacity = 100
	dedupeAgedSize = 50
)

// dedupeSet remembers recently processed command ids so the push, poll and
// sweep paths never double-claim. Bounded to the last 100 ids; on overflow
// the oldest half is aged out.
type dedupeSet struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

func newDedupeSet() *dedupeSet {
	return &dedupeSet{seen: make(map[string]struct{}, dedupeCapacity)}
}

// Add records an id, aging the set when full. Returns false when the id
// was already present.
func (d *dedupeSet) Add(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return false
	}

	if len(d.order) >= dedupeCapacity {
		drop := len(d.order) - dedupeAgedSize
		for _, old := range d.order[:drop] {
			delete(d.seen, old)
		}
		d.order = append(d.order[:0], d.order[drop:]...)
	}

	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	return true
}

// Seen reports whether an id has been processed recently
func (d *dedupeSet) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[id]
	return ok
}

// Len returns the current set size
func (d *dedupeSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}
