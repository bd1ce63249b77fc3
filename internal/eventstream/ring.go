package eventstream

// ring is a fixed capacity FIFO that overwrites its oldest element.
type ring struct {
	items []Event
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{items: make([]Event, capacity)}
}

func (r *ring) push(e Event) {
	if len(r.items) == 0 {
		return
	}
	idx := (r.start + r.size) % len(r.items)
	r.items[idx] = e
	if r.size < len(r.items) {
		r.size++
		return
	}
	r.start = (r.start + 1) % len(r.items)
}

func (r *ring) len() int { return r.size }

// each visits elements oldest first.
func (r *ring) each(fn func(Event)) {
	for i := 0; i < r.size; i++ {
		fn(r.items[(r.start+i)%len(r.items)])
	}
}

func (r *ring) slice() []Event {
	out := make([]Event, 0, r.size)
	r.each(func(e Event) { out = append(out, e) })
	return out
}
