package htmldom

import (
	"sync"
	"sync/atomic"

	"formnerd-mcp-server/internal/dom"
)

// mutation is one change record: either a child list change or an attribute write.
type mutation struct {
	childList bool
	attribute string
}

// observer delivers coalesced mutation batches on its own goroutine, so callbacks never
// run while the document lock is held and never overlap.
type observer struct {
	doc  *Document
	id   int
	opts dom.ObserveOptions
	fn   func(int)

	pending int // guarded by doc.mu

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once

	delivering atomic.Bool
}

// Observe watches the whole document. fn receives the number of records in each batch.
func (d *Document) Observe(opts dom.ObserveOptions, fn func(records int)) (dom.Subscription, error) {
	d.mu.Lock()
	o := &observer{
		doc:    d,
		id:     d.nextObs,
		opts:   opts,
		fn:     fn,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	d.nextObs++
	d.observers[o.id] = o
	d.mu.Unlock()

	go o.run()
	return o, nil
}

func (o *observer) matches(m mutation) bool {
	if m.childList {
		return o.opts.ChildList
	}
	if !o.opts.Attributes {
		return false
	}
	if len(o.opts.AttributeFilter) == 0 {
		return true
	}
	for _, name := range o.opts.AttributeFilter {
		if name == m.attribute {
			return true
		}
	}
	return false
}

func (o *observer) run() {
	defer close(o.done)
	for {
		select {
		case <-o.stop:
			return
		case <-o.notify:
		}

		o.doc.mu.Lock()
		n := o.pending
		o.pending = 0
		o.doc.mu.Unlock()
		if n == 0 {
			continue
		}

		select {
		case <-o.stop:
			return
		default:
		}
		o.delivering.Store(true)
		o.fn(n)
		o.delivering.Store(false)
	}
}

// Stop detaches the observer. Batches not yet delivered are dropped. When no batch is
// being delivered it waits for the delivery goroutine to exit; during a delivery it
// returns at once, so the callback may stop its own observer. Callers that must outlive
// the callback track it themselves and call Stop again afterwards.
func (o *observer) Stop() {
	o.once.Do(func() {
		o.doc.mu.Lock()
		delete(o.doc.observers, o.id)
		o.pending = 0
		o.doc.mu.Unlock()
		close(o.stop)
	})
	if !o.delivering.Load() {
		<-o.done
	}
}

// record queues m for every interested observer. Caller holds d.mu.
func (d *Document) record(m mutation) {
	for _, o := range d.observers {
		if !o.matches(m) {
			continue
		}
		o.pending++
		select {
		case o.notify <- struct{}{}:
		default:
		}
	}
}
