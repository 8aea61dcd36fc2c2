package transport

// BadSet collects connections that failed I/O during the current tick.
// Members are removed from the live set only when the owning transport
// sweeps, so iteration over live connections is never mutated mid-cycle.
type BadSet struct {
	ids map[ConnID]struct{}
}

// NewBadSet returns an empty BadSet.
func NewBadSet() BadSet {
	return BadSet{ids: make(map[ConnID]struct{})}
}

// Mark records id as failed.
func (b BadSet) Mark(id ConnID) {
	b.ids[id] = struct{}{}
}

// Has reports whether id has been marked since the last sweep.
func (b BadSet) Has(id ConnID) bool {
	_, ok := b.ids[id]
	return ok
}

// Len returns the number of marked connections.
func (b BadSet) Len() int {
	return len(b.ids)
}

// Sweep calls evict once for every marked id and leaves the set empty.
//
// Postcondition: Len() == 0.
func (b BadSet) Sweep(evict func(id ConnID)) {
	for id := range b.ids {
		evict(id)
		delete(b.ids, id)
	}
}
