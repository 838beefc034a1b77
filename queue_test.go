package driftline

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(name string) *queuedEvent {
	body, _ := json.Marshal(map[string]string{"event": name})
	return newQueuedEvent(eventTypeTrack, pathTrack, body)
}

func eventNames(events []*queuedEvent) []string {
	names := make([]string, len(events))
	for i, ev := range events {
		var m map[string]string
		_ = json.Unmarshal(ev.Body, &m)
		names[i] = m["event"]
	}
	return names
}

func TestEventQueue_FIFOOrder(t *testing.T) {
	q := newEventQueue(10)
	for i := 0; i < 3; i++ {
		assert.Nil(t, q.enqueue(testEvent(fmt.Sprintf("e%d", i))))
	}
	assert.Equal(t, 3, q.len())
	assert.Equal(t, []string{"e0", "e1", "e2"}, eventNames(q.flush()))
	assert.Equal(t, 0, q.len())
}

func TestEventQueue_EvictsOldestAtCapacity(t *testing.T) {
	const n = 4
	q := newEventQueue(n)
	for i := 0; i < n; i++ {
		require.Nil(t, q.enqueue(testEvent(fmt.Sprintf("e%d", i))))
	}

	evicted := q.enqueue(testEvent(fmt.Sprintf("e%d", n)))
	require.NotNil(t, evicted)
	assert.Equal(t, []string{"e0"}, eventNames([]*queuedEvent{evicted}))
	assert.Equal(t, n, q.len())
	assert.Equal(t, []string{"e1", "e2", "e3", "e4"}, eventNames(q.flush()))
}

func TestEventQueue_Drain(t *testing.T) {
	q := newEventQueue(10)
	for i := 0; i < 5; i++ {
		q.enqueue(testEvent(fmt.Sprintf("e%d", i)))
	}

	assert.Equal(t, []string{"e0", "e1"}, eventNames(q.drain(2)))
	assert.Equal(t, []string{"e2", "e3", "e4"}, eventNames(q.drain(10)))
	assert.Nil(t, q.drain(1))
}

func TestEventQueue_PushFront(t *testing.T) {
	q := newEventQueue(10)
	q.enqueue(testEvent("new"))
	assert.Nil(t, q.pushFront(testEvent("retried")))

	assert.Equal(t, []string{"retried", "new"}, eventNames(q.flush()))
}

func TestEventQueue_PushFrontAtCapacityReturnsEvicted(t *testing.T) {
	q := newEventQueue(2)
	q.enqueue(testEvent("a"))
	q.enqueue(testEvent("b"))

	evicted := q.pushFront(testEvent("retried"))
	require.NotNil(t, evicted)
	assert.Equal(t, []string{"b"}, eventNames([]*queuedEvent{evicted}))
	assert.Equal(t, []string{"retried", "a"}, eventNames(q.flush()))
}

func TestEventQueue_Clear(t *testing.T) {
	q := newEventQueue(10)
	q.enqueue(testEvent("a"))
	q.enqueue(testEvent("b"))
	assert.Equal(t, 2, q.clear())
	assert.Equal(t, 0, q.len())
	assert.Equal(t, 0, q.clear())
}
