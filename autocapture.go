package driftline

import (
	"sync"
	"time"
)

// PageInfo is the runtime page context captured at call time so that queued
// events reflect the state of the moment they were tracked.
type PageInfo struct {
	URL            string
	Referrer       string
	ViewportWidth  int
	ViewportHeight int
}

// PageSource supplies the current page context. Embedders wrap whatever
// drives their UI (a webview bridge, a navigation router) behind this
// interface; the client never assumes an ambient browser.
type PageSource interface {
	Page() PageInfo
}

// captureWatcher polls a PageSource and fires onNavigate whenever the URL
// differs from the last observed one, passing the previous URL as referrer.
// Start and Stop are paired, idempotent subscription handles.
type captureWatcher struct {
	source     PageSource
	interval   time.Duration
	onNavigate func(url, referrer string)

	mu      sync.Mutex
	lastURL string
	stop    chan struct{}
}

func newCaptureWatcher(source PageSource, interval time.Duration, onNavigate func(url, referrer string)) *captureWatcher {
	return &captureWatcher{
		source:     source,
		interval:   interval,
		onNavigate: onNavigate,
	}
}

func (w *captureWatcher) start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		return
	}
	w.lastURL = w.source.Page().URL
	stop := make(chan struct{})
	w.stop = stop

	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				w.check()
			}
		}
	}()
}

// check compares the current URL against the last observed one. It also
// serves as the navigation-event hook: call it directly when the embedder
// knows a navigation just happened instead of waiting for the next tick.
func (w *captureWatcher) check() {
	page := w.source.Page()

	w.mu.Lock()
	prev := w.lastURL
	if page.URL == prev || page.URL == "" {
		w.mu.Unlock()
		return
	}
	w.lastURL = page.URL
	w.mu.Unlock()

	w.onNavigate(page.URL, prev)
}

func (w *captureWatcher) stopWatching() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop == nil {
		return
	}
	close(w.stop)
	w.stop = nil
}
