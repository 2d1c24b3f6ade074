package events

import "sync"

// Deduper tracks recently seen event ids so at-least-once subscribers can
// make redelivery idempotent. It keeps a bounded window, evicting oldest.
type Deduper struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	limit int
}

// NewDeduper creates a deduper remembering up to limit ids.
func NewDeduper(limit int) *Deduper {
	if limit <= 0 {
		limit = 4096
	}
	return &Deduper{
		seen:  make(map[string]struct{}, limit),
		limit: limit,
	}
}

// Seen records the id and reports whether it was already present.
func (d *Deduper) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > d.limit {
		evict := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, evict)
	}
	return false
}

// Wrap returns a handler that skips events whose id was already delivered.
func (d *Deduper) Wrap(handler Handler) Handler {
	return func(ev Event) {
		if d.Seen(ev.ID) {
			return
		}
		handler(ev)
	}
}
