package replica

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()
	assert.Equal(t, 0, callbacks.Len())

	removeA := callbacks.Add(func() int { return 1 })
	removeB := callbacks.Add(func() int { return 2 })
	assert.Equal(t, 2, callbacks.Len())

	// the snapshot is not affected by later removes
	snapshot := callbacks.Get()
	removeA()
	assert.Equal(t, 2, len(snapshot))
	assert.Equal(t, 1, callbacks.Len())
	assert.Equal(t, 2, callbacks.Get()[0]())

	// remove is idempotent
	removeA()
	removeB()
	removeB()
	assert.Equal(t, 0, callbacks.Len())
}

func TestMonitor(t *testing.T) {
	monitor := NewMonitor()
	notify := monitor.NotifyChannel()

	select {
	case <-notify:
		t.Fatal("notified before NotifyAll")
	default:
	}

	go monitor.NotifyAll()

	select {
	case <-notify:
	case <-time.After(time.Second):
		t.Fatal("no notify")
	}

	assert.NotEqual(t, notify, monitor.NotifyChannel())
}

func TestHandleError(t *testing.T) {
	var handled error
	r := HandleError(func() {
		panic("boom")
	}, func(err error) {
		handled = err
	})
	assert.Equal(t, "boom", r)
	assert.Equal(t, "boom", handled.Error())

	r = HandleError(func() {})
	assert.Equal(t, nil, r)
}
