package driftline

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender records every send and answers with scripted errors.
type fakeSender struct {
	mu     sync.Mutex
	calls  []sentCall
	counts map[string]int
	// errFor, when set, decides the outcome of the n-th call (1-based,
	// counted per path).
	errFor func(path string, n int) error
}

type sentCall struct {
	path string
	body []byte
}

func newFakeSender() *fakeSender {
	return &fakeSender{counts: make(map[string]int)}
}

func (s *fakeSender) send(_ context.Context, path string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[path]++
	cp := make([]byte, len(body))
	copy(cp, body)
	s.calls = append(s.calls, sentCall{path: path, body: cp})
	if s.errFor != nil {
		return s.errFor(path, s.counts[path])
	}
	return nil
}

func (s *fakeSender) paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.path
	}
	return out
}

func (s *fakeSender) bodies() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.body
	}
	return out
}

// recordingObserver captures pipeline hooks for assertions.
type recordingObserver struct {
	mu       sync.Mutex
	retries  []retryHook
	drops    []dropHook
	consents []consentHook
	sends    int
}

type retryHook struct {
	path    string
	attempt int
	delay   time.Duration
}

type dropHook struct {
	eventType string
	reason    string
}

type consentHook struct {
	from, to ConsentState
}

func (o *recordingObserver) OnSendStart(string, int) {}

func (o *recordingObserver) OnSendEnd(string, int, time.Duration, error) {
	o.mu.Lock()
	o.sends++
	o.mu.Unlock()
}

func (o *recordingObserver) OnRetry(path string, attempt int, delay time.Duration, err error) {
	o.mu.Lock()
	o.retries = append(o.retries, retryHook{path: path, attempt: attempt, delay: delay})
	o.mu.Unlock()
}

func (o *recordingObserver) OnEventDropped(eventType, reason string) {
	o.mu.Lock()
	o.drops = append(o.drops, dropHook{eventType: eventType, reason: reason})
	o.mu.Unlock()
}

func (o *recordingObserver) OnConsentChange(from, to ConsentState) {
	o.mu.Lock()
	o.consents = append(o.consents, consentHook{from: from, to: to})
	o.mu.Unlock()
}

func (o *recordingObserver) dropped() []dropHook {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]dropHook, len(o.drops))
	copy(out, o.drops)
	return out
}

func (o *recordingObserver) retried() []retryHook {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]retryHook, len(o.retries))
	copy(out, o.retries)
	return out
}

func (o *recordingObserver) consentChanges() []consentHook {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]consentHook, len(o.consents))
	copy(out, o.consents)
	return out
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestDispatcher(t *testing.T, tr sender, obs Observer, mutate func(*Config)) (*dispatcher, *eventQueue) {
	t.Helper()
	cfg := DefaultConfig().WithAPIKey("test-key")
	cfg.FlushInterval = time.Millisecond
	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = 8 * time.Millisecond
	cfg.MaxRetries = 3
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())
	if obs == nil {
		obs = cfg.Observer
	}
	q := newEventQueue(cfg.QueueSize)
	d := newDispatcher(cfg, q, tr, obs, discardLogger(), nil)
	t.Cleanup(d.destroy)
	return d, q
}

func serverError() *APIError {
	return &APIError{StatusCode: 500, Status: "Internal Server Error", Message: "boom"}
}

func clientError() *APIError {
	return &APIError{StatusCode: 400, Status: "Bad Request", Message: "bad payload"}
}

func TestDispatcher_SingleEventUsesOwnPath(t *testing.T) {
	tr := newFakeSender()
	d, q := newTestDispatcher(t, tr, nil, nil)

	q.enqueue(testEvent("only"))
	d.flush()

	require.Equal(t, []string{pathTrack}, tr.paths())
	assert.Equal(t, 0, q.len())
}

func TestDispatcher_MultipleEventsAreBatched(t *testing.T) {
	tr := newFakeSender()
	d, q := newTestDispatcher(t, tr, nil, nil)

	q.enqueue(testEvent("a"))
	q.enqueue(testEvent("b"))
	q.enqueue(testEvent("c"))
	d.flush()

	require.Equal(t, []string{pathBatch}, tr.paths())

	var grouped map[string][]json.RawMessage
	require.NoError(t, json.Unmarshal(tr.bodies()[0], &grouped))
	assert.Len(t, grouped[pathTrack], 3)
}

func TestDispatcher_BatchSizeSplitsCycles(t *testing.T) {
	tr := newFakeSender()
	d, q := newTestDispatcher(t, tr, nil, func(cfg *Config) {
		cfg.BatchSize = 2
	})

	for i := 0; i < 5; i++ {
		q.enqueue(testEvent("e"))
	}
	d.flush()

	// 2 + 2 + 1: two batch requests, then a lone event on its own path.
	assert.Equal(t, []string{pathBatch, pathBatch, pathTrack}, tr.paths())
}

func TestDispatcher_FailedBatchFallsBackPerEvent(t *testing.T) {
	tr := newFakeSender()
	tr.errFor = func(path string, n int) error {
		if path == pathBatch {
			return serverError()
		}
		return nil
	}
	d, q := newTestDispatcher(t, tr, nil, nil)

	q.enqueue(testEvent("a"))
	q.enqueue(testEvent("b"))
	d.flush()

	assert.Equal(t, []string{pathBatch, pathTrack, pathTrack}, tr.paths())
}

func TestDispatcher_NonRetryableDropsImmediately(t *testing.T) {
	tr := newFakeSender()
	tr.errFor = func(string, int) error { return clientError() }
	obs := &recordingObserver{}
	d, q := newTestDispatcher(t, tr, obs, nil)

	q.enqueue(testEvent("bad"))
	d.flush()

	assert.Equal(t, []string{pathTrack}, tr.paths())
	assert.Empty(t, obs.retried())
	require.Len(t, obs.dropped(), 1)
	assert.Equal(t, dropHook{eventType: string(eventTypeTrack), reason: "non_retryable"}, obs.dropped()[0])
}

func TestDispatcher_RetriesWithGrowingBackoffThenDrops(t *testing.T) {
	tr := newFakeSender()
	tr.errFor = func(string, int) error { return serverError() }
	obs := &recordingObserver{}
	d, q := newTestDispatcher(t, tr, obs, func(cfg *Config) {
		cfg.MaxRetries = 2
	})

	ev := testEvent("doomed")
	enqueuedAt := ev.EnqueuedAt
	q.enqueue(ev)
	d.flush()

	require.Eventually(t, func() bool {
		return len(obs.dropped()) == 1
	}, 2*time.Second, time.Millisecond)

	// A failed delivery refreshes the event's timestamp along with the
	// retry count.
	assert.Equal(t, 2, ev.RetryCount)
	assert.True(t, ev.EnqueuedAt.After(enqueuedAt))

	// Initial attempt plus one per retry.
	assert.Equal(t, []string{pathTrack, pathTrack, pathTrack}, tr.paths())

	retries := obs.retried()
	require.Len(t, retries, 2)
	assert.Equal(t, 1, retries[0].attempt)
	assert.Equal(t, 2, retries[1].attempt)
	assert.Greater(t, retries[1].delay, retries[0].delay)

	assert.Equal(t, dropHook{eventType: string(eventTypeTrack), reason: "retry_exhausted"}, obs.dropped()[0])
	assert.Equal(t, 0, q.len())
}

func TestDispatcher_TransientFailureEventuallyDelivers(t *testing.T) {
	tr := newFakeSender()
	tr.errFor = func(path string, n int) error {
		if n <= 2 {
			return serverError()
		}
		return nil
	}
	obs := &recordingObserver{}
	d, q := newTestDispatcher(t, tr, obs, nil)

	q.enqueue(testEvent("flaky"))
	d.flush()

	require.Eventually(t, func() bool {
		return len(tr.paths()) == 3 && q.len() == 0
	}, 2*time.Second, time.Millisecond)
	assert.Empty(t, obs.dropped())
	assert.Len(t, obs.retried(), 2)
}

func TestDispatcher_GateHoldsQueueThroughFlushAndReconnect(t *testing.T) {
	tr := newFakeSender()

	var mu sync.Mutex
	open := false
	gate := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return open
	}

	cfg := DefaultConfig().WithAPIKey("test-key")
	cfg.FlushInterval = time.Millisecond
	require.NoError(t, cfg.Validate())
	q := newEventQueue(cfg.QueueSize)
	d := newDispatcher(cfg, q, tr, &NoopObserver{}, discardLogger(), gate)
	t.Cleanup(d.destroy)

	q.enqueue(testEvent("held"))
	d.flush()
	assert.Empty(t, tr.paths(), "flush must not drain past a closed gate")
	assert.Equal(t, 1, q.len())

	// A connectivity bounce must not leak gated events either.
	d.setOnline(false)
	d.setOnline(true)
	assert.Empty(t, tr.paths())
	assert.Equal(t, 1, q.len())

	mu.Lock()
	open = true
	mu.Unlock()
	d.flush()
	assert.Equal(t, []string{pathTrack}, tr.paths())
	assert.Equal(t, 0, q.len())
}

func TestDispatcher_RetryRequeueEvictionIsReported(t *testing.T) {
	tr := newFakeSender()
	tr.errFor = func(string, int) error { return serverError() }
	obs := &recordingObserver{}
	d, q := newTestDispatcher(t, tr, obs, func(cfg *Config) {
		cfg.QueueSize = 1
		cfg.MaxRetries = 1
		cfg.RetryInitialInterval = 50 * time.Millisecond
	})

	q.enqueue(testEvent("retried"))
	d.flush()
	require.Len(t, obs.retried(), 1, "first attempt failed and was scheduled")

	// Fill the only slot before the retry timer re-inserts the event.
	q.enqueue(testEvent("squeezed"))

	require.Eventually(t, func() bool {
		return len(obs.dropped()) == 2
	}, 2*time.Second, time.Millisecond)

	reasons := make(map[string]int)
	for _, drop := range obs.dropped() {
		reasons[drop.reason]++
	}
	assert.Equal(t, 1, reasons["queue_overflow"], "the displaced event is reported, not silently truncated")
	assert.Equal(t, 1, reasons["retry_exhausted"])
}

func TestDispatcher_OfflineHaltsUntilReconnect(t *testing.T) {
	tr := newFakeSender()
	d, q := newTestDispatcher(t, tr, nil, nil)

	d.setOnline(false)
	q.enqueue(testEvent("held"))
	d.notify()
	d.flush()

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, tr.paths(), "no delivery while offline")
	assert.Equal(t, 1, q.len())

	d.setOnline(true)
	require.Equal(t, []string{pathTrack}, tr.paths())
	assert.Equal(t, 0, q.len())
}

func TestDispatcher_FlushBypassesDebounce(t *testing.T) {
	tr := newFakeSender()
	d, q := newTestDispatcher(t, tr, nil, func(cfg *Config) {
		cfg.FlushInterval = time.Hour
	})

	q.enqueue(testEvent("now"))
	d.notify()
	assert.Empty(t, tr.paths(), "debounced cycle has not fired yet")

	d.flush()
	assert.Equal(t, []string{pathTrack}, tr.paths())
}

func TestDispatcher_DestroyStopsDeliveryAndClearsQueue(t *testing.T) {
	tr := newFakeSender()
	d, q := newTestDispatcher(t, tr, nil, func(cfg *Config) {
		cfg.FlushInterval = time.Hour
	})

	q.enqueue(testEvent("orphan"))
	d.notify()
	d.destroy()
	d.destroy()

	d.notify()
	d.flush()
	assert.Empty(t, tr.paths())
	assert.Equal(t, 0, q.len())
}

func TestDispatcher_UnknownEnvironmentWarnsOnce(t *testing.T) {
	tr := newFakeSender()
	tr.errFor = func(string, int) error {
		return &APIError{
			StatusCode: 400,
			Status:     "Bad Request",
			Code:       serverCodeUnknownEnvironment,
			Message:    "no such environment: staging",
		}
	}
	logger, hook := logtest.NewNullLogger()

	cfg := DefaultConfig().WithAPIKey("test-key")
	require.NoError(t, cfg.Validate())
	q := newEventQueue(cfg.QueueSize)
	d := newDispatcher(cfg, q, tr, &NoopObserver{}, logger, nil)
	t.Cleanup(d.destroy)

	q.enqueue(testEvent("a"))
	d.flush()
	q.enqueue(testEvent("b"))
	d.flush()

	var warns int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "does not know the configured environment") {
			warns++
		}
	}
	assert.Equal(t, 1, warns)
}

func TestBackoffDelay(t *testing.T) {
	initial := 500 * time.Millisecond
	max := 30 * time.Second

	assert.Equal(t, 500*time.Millisecond, backoffDelay(initial, max, 1))
	assert.Equal(t, time.Second, backoffDelay(initial, max, 2))
	assert.Equal(t, 2*time.Second, backoffDelay(initial, max, 3))
	assert.Equal(t, 16*time.Second, backoffDelay(initial, max, 6))
	assert.Equal(t, max, backoffDelay(initial, max, 7))
	assert.Equal(t, max, backoffDelay(initial, max, 50))

	// Delays grow strictly until the cap.
	prev := time.Duration(0)
	for attempt := 1; attempt <= 7; attempt++ {
		d := backoffDelay(initial, max, attempt)
		assert.Greater(t, d, prev)
		prev = d
	}
}
