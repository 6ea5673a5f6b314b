package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"formnerd-mcp-server/internal/dom"

	"go.uber.org/zap"
)

// installWatchJS registers a MutationObserver under key that only counts records. The page
// keeps the counter; the Go side drains it.
const installWatchJS = `(key, opts) => {
	const reg = window.__formnerdWatch || (window.__formnerdWatch = {});
	if (reg[key]) reg[key].obs.disconnect();
	const state = { pending: 0, obs: null };
	state.obs = new MutationObserver((records) => { state.pending += records.length; });
	const init = { childList: !!opts.childList, subtree: !!opts.subtree };
	if (opts.attributes) {
		init.attributes = true;
		if (opts.attributeFilter && opts.attributeFilter.length) init.attributeFilter = opts.attributeFilter;
	}
	state.obs.observe(document.body || document.documentElement, init);
	reg[key] = state;
	return true;
}`

// drainWatchJS returns the pending record count, or -1 when the page lost the observer.
const drainWatchJS = `(key) => {
	const s = (window.__formnerdWatch || {})[key];
	if (!s) return -1;
	const n = s.pending;
	s.pending = 0;
	return n;
}`

const removeWatchJS = `(key) => {
	const reg = window.__formnerdWatch || {};
	if (reg[key]) { reg[key].obs.disconnect(); delete reg[key]; }
	return true;
}`

type pageWatch struct {
	doc  *PageDocument
	key  string
	opts map[string]interface{}
	fn   func(records int)

	cancel     context.CancelFunc
	done       chan struct{}
	once       sync.Once
	delivering atomic.Bool
}

// Observe installs a page-side MutationObserver and polls its buffer. Each drain with
// pending records yields one call to fn. A navigation loses the observer; the poller
// reinstalls it and reports the new document as one record.
func (d *PageDocument) Observe(opts dom.ObserveOptions, fn func(records int)) (dom.Subscription, error) {
	d.mu.Lock()
	d.nextID++
	key := fmt.Sprintf("w%d", d.nextID)
	d.mu.Unlock()

	filter := opts.AttributeFilter
	if filter == nil {
		filter = []string{}
	}
	w := &pageWatch{
		doc: d,
		key: key,
		opts: map[string]interface{}{
			"childList":       opts.ChildList,
			"subtree":         opts.Subtree,
			"attributes":      opts.Attributes,
			"attributeFilter": filter,
		},
		fn:   fn,
		done: make(chan struct{}),
	}
	if err := w.install(); err != nil {
		return nil, fmt.Errorf("install observer: %w", err)
	}

	ctx, cancel := context.WithCancel(d.ctx)
	w.cancel = cancel
	go w.run(ctx)
	return w, nil
}

func (w *pageWatch) install() error {
	_, err := w.doc.eval(installWatchJS, w.key, w.opts)
	return err
}

func (w *pageWatch) drain() (int, error) {
	res, err := w.doc.eval(drainWatchJS, w.key)
	if err != nil {
		return 0, err
	}
	return res.Value.Int(), nil
}

func (w *pageWatch) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.doc.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := w.drain()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Evaluation fails while a navigation is in flight; try again next tick.
			w.doc.logger.Debug("drain failed", zap.String("watch", w.key), zap.Error(err))
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if n < 0 {
			if err := w.install(); err != nil {
				w.doc.logger.Debug("reinstall failed", zap.String("watch", w.key), zap.Error(err))
				continue
			}
			n = 1
		}
		if n == 0 {
			continue
		}
		w.delivering.Store(true)
		w.fn(n)
		w.delivering.Store(false)
	}
}

// Stop cancels the poller and removes the page observer. It waits for the poller to exit
// unless a batch is being delivered, so fn may stop its own watch. A later call waits.
func (w *pageWatch) Stop() {
	w.once.Do(func() {
		w.cancel()
		if !w.delivering.Load() {
			<-w.done
		}
		if _, err := w.doc.eval(removeWatchJS, w.key); err != nil {
			w.doc.logger.Debug("remove observer failed", zap.String("watch", w.key), zap.Error(err))
		}
	})
	if !w.delivering.Load() {
		<-w.done
	}
}
