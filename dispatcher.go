package driftline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Connectivity reports whether the network is reachable and notifies the
// delivery manager of changes. The default AlwaysOnline suits server
// processes; embedders on flaky links can plug their own monitor.
type Connectivity interface {
	// Online reports the current connectivity state.
	Online() bool

	// Subscribe registers fn to be called on every state change and returns
	// a cancel function detaching it. Both are idempotent.
	Subscribe(fn func(online bool)) (cancel func())
}

// AlwaysOnline is the default Connectivity: permanently online, no
// notifications.
type AlwaysOnline struct{}

// Online always returns true.
func (AlwaysOnline) Online() bool { return true }

// Subscribe never calls fn; the returned cancel is a no-op.
func (AlwaysOnline) Subscribe(func(bool)) func() { return func() {} }

// sender abstracts the requester for tests.
type sender interface {
	send(ctx context.Context, path string, body []byte) error
}

// serverCodeUnknownEnvironment is the error code the ingestion API returns
// when the configured environment does not exist.
const serverCodeUnknownEnvironment = "environment_not_found"

// dispatcher drains the event queue to the transport: debounced scheduling,
// fixed-size batches, per-event exponential backoff and connectivity
// awareness. Each cycle runs idle -> scheduled -> processing -> idle;
// enqueues that land mid-cycle are picked up by a follow-up cycle, never
// interleaved mid-batch.
type dispatcher struct {
	queue     *eventQueue
	transport sender
	observer  Observer
	log       logrus.FieldLogger

	// gate is asked before any drain whether queued events may leave the
	// process. The facade supplies a consent check; nil means always allowed.
	gate func() bool

	batchSize     int
	flushInterval time.Duration
	maxRetries    int
	retryInitial  time.Duration
	retryMax      time.Duration

	mu          sync.Mutex
	online      bool
	scheduled   bool
	processing  bool
	destroyed   bool
	envWarned   bool
	flushTimer  *time.Timer
	retryTimers map[*time.Timer]struct{}
	unsubscribe func()
}

func newDispatcher(cfg *Config, queue *eventQueue, transport sender, observer Observer, log logrus.FieldLogger, gate func() bool) *dispatcher {
	d := &dispatcher{
		queue:         queue,
		transport:     transport,
		observer:      observer,
		log:           log,
		gate:          gate,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		maxRetries:    cfg.MaxRetries,
		retryInitial:  cfg.RetryInitialInterval,
		retryMax:      cfg.RetryMaxInterval,
		online:        cfg.Connectivity.Online(),
		retryTimers:   make(map[*time.Timer]struct{}),
	}
	d.unsubscribe = cfg.Connectivity.Subscribe(d.setOnline)
	return d
}

// notify schedules a debounced processing cycle. No-op while offline,
// already scheduled, or mid-cycle (the cycle reschedules itself for
// leftovers).
func (d *dispatcher) notify() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scheduleLocked()
}

func (d *dispatcher) scheduleLocked() {
	if d.destroyed || !d.online || d.scheduled || d.processing {
		return
	}
	d.scheduled = true
	d.flushTimer = time.AfterFunc(d.flushInterval, d.process)
}

// flush bypasses the scheduling delay and processes the queue immediately,
// synchronously. Used for manual and test-driven draining.
func (d *dispatcher) flush() {
	d.process()
}

func (d *dispatcher) process() {
	d.mu.Lock()
	if d.destroyed || d.processing || !d.online {
		d.mu.Unlock()
		return
	}
	d.scheduled = false
	if d.flushTimer != nil {
		d.flushTimer.Stop()
		d.flushTimer = nil
	}
	d.processing = true
	d.mu.Unlock()

	// The gate holds consent-queued events in place: a manual flush or a
	// reconnect must not deliver events the facade has not released.
	allowed := d.allowed()
	for allowed {
		d.mu.Lock()
		halted := d.destroyed || !d.online
		d.mu.Unlock()
		if halted {
			break
		}
		batch := d.queue.drain(d.batchSize)
		if len(batch) == 0 {
			break
		}
		d.sendBatch(batch)
	}

	d.mu.Lock()
	d.processing = false
	if allowed && d.queue.len() > 0 {
		d.scheduleLocked()
	}
	d.mu.Unlock()
}

func (d *dispatcher) allowed() bool {
	if d.gate == nil {
		return true
	}
	return d.gate()
}

// sendBatch sends one event directly to its own path and larger batches to
// the batch path. A failed batch send falls back to delivering each event
// individually rather than failing the whole batch.
func (d *dispatcher) sendBatch(batch []*queuedEvent) {
	if len(batch) == 1 {
		d.sendEvent(batch[0])
		return
	}

	body, err := batchBody(batch)
	if err != nil {
		d.log.WithError(err).Error("failed to encode batch")
		for _, ev := range batch {
			d.sendEvent(ev)
		}
		return
	}

	start := time.Now()
	d.observer.OnSendStart(pathBatch, len(batch))
	err = d.transport.send(context.Background(), pathBatch, body)
	d.observer.OnSendEnd(pathBatch, len(batch), time.Since(start), err)
	if err == nil {
		return
	}

	d.log.WithError(err).Debug("batch send failed; retrying events individually")
	for _, ev := range batch {
		d.sendEvent(ev)
	}
}

func (d *dispatcher) sendEvent(ev *queuedEvent) {
	start := time.Now()
	d.observer.OnSendStart(ev.Path, 1)
	err := d.transport.send(context.Background(), ev.Path, ev.Body)
	d.observer.OnSendEnd(ev.Path, 1, time.Since(start), err)
	if err == nil {
		return
	}
	d.handleFailure(ev, err)
}

func (d *dispatcher) handleFailure(ev *queuedEvent, err error) {
	d.warnUnknownEnvironment(err)

	if !IsRetryable(err) {
		d.drop(ev, "non_retryable", err)
		return
	}
	if ev.RetryCount >= d.maxRetries {
		d.drop(ev, "retry_exhausted", err)
		return
	}

	ev.RetryCount++
	ev.EnqueuedAt = time.Now()
	delay := backoffDelay(d.retryInitial, d.retryMax, ev.RetryCount)
	d.observer.OnRetry(ev.Path, ev.RetryCount, delay, err)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.retryTimers, t)
		destroyed := d.destroyed
		d.mu.Unlock()
		if destroyed {
			return
		}
		// Front-of-queue re-insertion: retried events are not starved by
		// newer events.
		if evicted := d.queue.pushFront(ev); evicted != nil {
			d.drop(evicted, "queue_overflow", nil)
		}
		d.notify()
	})
	d.retryTimers[t] = struct{}{}
}

// drop reports an undeliverable event exactly once; drops are never silent.
func (d *dispatcher) drop(ev *queuedEvent, reason string, err error) {
	entry := d.log.WithFields(logrus.Fields{
		"event_id":   ev.ID,
		"event_type": ev.Type,
		"retries":    ev.RetryCount,
		"reason":     reason,
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error("dropping event")
	d.observer.OnEventDropped(string(ev.Type), reason)
}

// warnUnknownEnvironment surfaces a server "environment does not exist"
// response as a one-time developer-facing warning.
func (d *dispatcher) warnUnknownEnvironment(err error) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != serverCodeUnknownEnvironment {
		return
	}
	d.mu.Lock()
	warned := d.envWarned
	d.envWarned = true
	d.mu.Unlock()
	if warned {
		return
	}
	d.log.Warnf("the ingestion API does not know the configured environment: %s; create it in the project settings or fix the Environment config value", apiErr.Message)
}

// setOnline tracks connectivity. Going offline halts scheduling and
// processing; coming back online immediately processes whatever remains
// queued.
func (d *dispatcher) setOnline(online bool) {
	d.mu.Lock()
	if d.destroyed || d.online == online {
		d.mu.Unlock()
		return
	}
	d.online = online
	if !online {
		d.scheduled = false
		if d.flushTimer != nil {
			d.flushTimer.Stop()
			d.flushTimer = nil
		}
	}
	pending := d.queue.len() > 0
	d.mu.Unlock()

	if online && pending {
		d.process()
	}
}

// destroy cancels pending timers, clears the queue and detaches the
// connectivity listener. Idempotent; in-flight requests are not aborted.
func (d *dispatcher) destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	if d.flushTimer != nil {
		d.flushTimer.Stop()
		d.flushTimer = nil
	}
	for t := range d.retryTimers {
		t.Stop()
	}
	d.retryTimers = make(map[*time.Timer]struct{})
	unsub := d.unsubscribe
	d.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	d.queue.clear()
}

// backoffDelay doubles the base delay per attempt, capped at max.
func backoffDelay(initial, max time.Duration, attempt int) time.Duration {
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
