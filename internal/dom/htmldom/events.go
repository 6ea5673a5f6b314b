package htmldom

// Event is one dispatched DOM event.
type Event struct {
	Type   string
	Target *Element
	// Value is the target's value property at dispatch time.
	Value string
}

// OnEvent registers a document-level listener. The returned func removes it.
func (d *Document) OnEvent(fn func(Event)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextLis
	d.nextLis++
	d.listeners[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

// Events returns a copy of every event dispatched so far.
func (d *Document) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Event, len(d.events))
	copy(out, d.events)
	return out
}

// EventTypes returns the types of the events dispatched at the element with the given id.
func (d *Document) EventTypes(id string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, ev := range d.events {
		if v, _ := attr(ev.Target.node, "id"); v == id {
			out = append(out, ev.Type)
		}
	}
	return out
}

// ResetEvents clears the event log.
func (d *Document) ResetEvents() {
	d.mu.Lock()
	d.events = nil
	d.mu.Unlock()
}

// snapshotListeners must be called with d.mu held.
func (d *Document) snapshotListeners() []func(Event) {
	out := make([]func(Event), 0, len(d.listeners))
	for i := 0; i < d.nextLis; i++ {
		if fn, ok := d.listeners[i]; ok {
			out = append(out, fn)
		}
	}
	return out
}
