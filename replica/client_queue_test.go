package replica

import (
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestClientQueue(t *testing.T) {
	queue := newClientQueue[*clientCursor]()

	assert.Equal(t, 0, queue.QueueSize())
	_, ok := queue.PeekFirst()
	assert.Equal(t, false, ok)

	n := 100

	items := []*clientCursor{}
	lastReceivedClientIds := map[int64]Id{}
	for i := 0; i < n; i += 1 {
		item := &clientCursor{
			clientId:     NewId(),
			lastReceived: int64(i),
		}
		items = append(items, item)
		lastReceivedClientIds[item.lastReceived] = item.clientId
	}

	mathrand.Shuffle(len(items), func(i, j int) {
		items[i], items[j] = items[j], items[i]
	})
	for _, item := range items {
		queue.Add(item)
	}

	for lastReceived, clientId := range lastReceivedClientIds {
		item, ok := queue.GetByClientId(clientId)
		assert.Equal(t, true, ok)
		assert.Equal(t, lastReceived, item.lastReceived)
	}

	for i := 0; i < n; i += 1 {
		assert.Equal(t, n-i, queue.QueueSize())

		first, _ := queue.PeekFirst()
		assert.Equal(t, int64(i), first.lastReceived)
		last, _ := queue.PeekLast()
		assert.Equal(t, int64(n-1), last.lastReceived)

		removed, ok := queue.RemoveByClientId(first.clientId)
		assert.Equal(t, true, ok)
		assert.Equal(t, first, removed)
	}
	assert.Equal(t, 0, queue.QueueSize())
}

func TestClientQueueFix(t *testing.T) {
	queue := newClientQueue[*clientCursor]()

	n := 50
	items := []*clientCursor{}
	for i := 0; i < n; i += 1 {
		item := &clientCursor{
			clientId:     NewId(),
			lastReceived: -1,
		}
		items = append(items, item)
		queue.Add(item)
	}

	// advance clients at random, the first is always the minimum
	for step := 0; step < 1000; step += 1 {
		item := items[mathrand.Intn(n)]
		item.lastReceived += int64(mathrand.Intn(5))
		queue.Fix(item)

		minLastReceived := items[0].lastReceived
		maxLastReceived := items[0].lastReceived
		for _, item := range items {
			minLastReceived = min(minLastReceived, item.lastReceived)
			maxLastReceived = max(maxLastReceived, item.lastReceived)
		}
		first, _ := queue.PeekFirst()
		assert.Equal(t, minLastReceived, first.lastReceived)
		last, _ := queue.PeekLast()
		assert.Equal(t, maxLastReceived, last.lastReceived)
	}
}
