package core

import (
	"sort"
	"sync"
)

// Reservations tracks upload files claimed by running sample imports so they
// are not offered for another sample. It lives as long as the Service.
type Reservations struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewReservations returns an empty set.
func NewReservations() *Reservations {
	return &Reservations{ids: make(map[string]struct{})}
}

// Add reserves ids.
func (r *Reservations) Add(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.ids[id] = struct{}{}
	}
}

// Release frees ids; unknown ids are ignored.
func (r *Reservations) Release(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.ids, id)
	}
}

func (r *Reservations) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ids[id]
	return ok
}

// List returns the reserved ids in sorted order.
func (r *Reservations) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.ids))
	for id := range r.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
