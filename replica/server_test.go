package replica

import (
	"context"
	"errors"
	"fmt"
	mathrand "math/rand"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestServer(t *testing.T, eventLog EventLog, values ...string) (*ObservableList[string], *CollectionServer[string]) {
	list := NewObservableList(values...)
	server, err := NewCollectionServerWithDefaults[string](context.Background(), list, JsonValueCodec[string]{}, eventLog)
	assert.Equal(t, nil, err)
	t.Cleanup(server.Close)
	return list, server
}

func jsonString(value string) []byte {
	b, _ := JsonValueCodec[string]{}.Encode(value)
	return b
}

func TestServerAttachSnapshot(t *testing.T) {
	_, server := newTestServer(t, NewMemoryEventLogWithDefaults(), "a", "b", "c")

	client, snapshot, err := server.Attach(nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(-1), snapshot.Cursor)
	assert.Equal(t, int64(-1), client.Cursor())
	assert.Equal(t, 3, len(snapshot.Elements))
	assert.Equal(t, jsonString("a"), snapshot.Elements[0].Value)
	for i := 1; i < len(snapshot.Elements); i += 1 {
		assert.Equal(t, -1, Compare(snapshot.Elements[i-1].Address, snapshot.Elements[i].Address))
	}
	assert.Equal(t, false, snapshot.ContentControlled)
}

func TestServerFirstAdd(t *testing.T) {
	list, server := newTestServer(t, NewMemoryEventLogWithDefaults())

	received := []*Change{}
	_, snapshot, err := server.Attach(func(change *Change) {
		received = append(received, change)
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(snapshot.Elements))

	err = list.Update(func(tx CollectionTx[string]) error {
		_, err := tx.Add("x", 0)
		return err
	})
	assert.Equal(t, nil, err)

	assert.Equal(t, 1, len(received))
	assert.Equal(t, &Change{
		EventId:        0,
		Address:        Address{0x80},
		Type:           ChangeAdd,
		NewValue:       jsonString("x"),
		TransactionEnd: true,
	}, received[0])

	_, snapshot, err = server.Attach(nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(0), snapshot.Cursor)
	assert.Equal(t, 1, len(snapshot.Elements))
	assert.Equal(t, Address{0x80}, snapshot.Elements[0].Address)
	assert.Equal(t, jsonString("x"), snapshot.Elements[0].Value)
}

func TestServerChangeTypes(t *testing.T) {
	list, server := newTestServer(t, NewMemoryEventLogWithDefaults(), "a", "b")
	client, snapshot, err := server.Attach(nil)
	assert.Equal(t, nil, err)

	list.Update(func(tx CollectionTx[string]) error {
		tx.Set(0, "A")
		tx.Set(1, "b")
		tx.Touch(0)
		return tx.Remove(1)
	})

	changes, err := client.Poll()
	assert.Equal(t, nil, err)
	assert.Equal(t, 4, len(changes))
	assert.Equal(t, ChangeSet, changes[0].Type)
	assert.Equal(t, jsonString("a"), changes[0].OldValue)
	assert.Equal(t, jsonString("A"), changes[0].NewValue)
	assert.Equal(t, snapshot.Elements[0].Address, changes[0].Address)
	// a set to an equal value is an update
	assert.Equal(t, ChangeUpdate, changes[1].Type)
	assert.Equal(t, jsonString("b"), changes[1].NewValue)
	assert.Equal(t, ChangeUpdate, changes[2].Type)
	assert.Equal(t, jsonString("A"), changes[2].NewValue)
	assert.Equal(t, jsonString("A"), changes[2].OldValue)
	assert.Equal(t, ChangeRemove, changes[3].Type)
	assert.Equal(t, jsonString("b"), changes[3].OldValue)
	assert.Equal(t, snapshot.Elements[1].Address, changes[3].Address)
	assert.Equal(t, false, changes[2].TransactionEnd)
	assert.Equal(t, true, changes[3].TransactionEnd)
	assert.Equal(t, int64(3), client.Cursor())
}

func TestServerTruncation(t *testing.T) {
	eventLog := NewMemoryEventLogWithDefaults()
	list, server := newTestServer(t, eventLog)

	a, _, err := server.Attach(nil)
	assert.Equal(t, nil, err)
	b, _, err := server.Attach(nil)
	assert.Equal(t, nil, err)

	for i := 0; i < 10; i += 1 {
		list.Update(func(tx CollectionTx[string]) error {
			_, err := tx.Add(fmt.Sprintf("v%d", i), tx.Len())
			return err
		})
	}
	assert.Equal(t, 10, eventLog.Len())

	a.EventReceived(9)
	assert.Equal(t, int64(0), eventLog.Floor())
	b.EventReceived(4)
	assert.Equal(t, int64(5), eventLog.Floor())
	// cursors do not move backward
	b.EventReceived(2)
	assert.Equal(t, int64(4), b.Cursor())

	stats := server.Stats()
	assert.Equal(t, 2, stats.Clients)
	assert.Equal(t, int64(4), stats.FloorCursor)
	assert.Equal(t, int64(9), stats.LeadCursor)

	b.Detach()
	assert.Equal(t, int64(10), eventLog.Floor())

	a.Detach()
	assert.Equal(t, 0, eventLog.Len())
	assert.Equal(t, 0, server.Stats().Elements)

	// the id sequence continues after everyone left
	c, snapshot, err := server.Attach(nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(9), snapshot.Cursor)
	assert.Equal(t, 10, len(snapshot.Elements))
	list.Update(func(tx CollectionTx[string]) error {
		return tx.Remove(0)
	})
	changes, err := c.Poll()
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(10), changes[0].EventId)
}

func TestServerStale(t *testing.T) {
	eventLog := NewMemoryEventLog(&MemoryEventLogSettings{
		MaxRetained: 5,
	})
	list, server := newTestServer(t, eventLog)
	slow, _, err := server.Attach(nil)
	assert.Equal(t, nil, err)

	for i := 0; i < 10; i += 1 {
		list.Update(func(tx CollectionTx[string]) error {
			_, err := tx.Add("v", 0)
			return err
		})
	}
	_, err = slow.Poll()
	assert.Equal(t, true, errors.Is(err, ErrStale))

	// a client can still read what is retained
	changes, err := server.ChangesSince(5)
	assert.Equal(t, nil, err)
	assert.Equal(t, 4, len(changes))
}

// fails every store while `fail` is set
type failingEventLog struct {
	*MemoryEventLog
	fail bool
}

func (self *failingEventLog) Store(eventId int64, change *Change) error {
	if self.fail {
		return errors.New("disk full")
	}
	return self.MemoryEventLog.Store(eventId, change)
}

func TestServerStoreFailure(t *testing.T) {
	eventLog := &failingEventLog{MemoryEventLog: NewMemoryEventLogWithDefaults()}
	list, server := newTestServer(t, eventLog, "a")

	client, _, err := server.Attach(nil)
	assert.Equal(t, nil, err)

	add := func(value string) {
		list.Update(func(tx CollectionTx[string]) error {
			_, err := tx.Add(value, tx.Len())
			return err
		})
	}

	add("b")
	eventLog.fail = true
	add("c")
	eventLog.fail = false
	add("d")

	// the lost record cannot be skipped
	_, err = client.Poll()
	assert.Equal(t, true, errors.Is(err, ErrStale))
	client.Detach()

	client, snapshot, err := server.Attach(nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(2), snapshot.Cursor)
	assert.Equal(t, 4, len(snapshot.Elements))

	add("e")
	changes, err := client.Poll()
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(changes))
	assert.Equal(t, jsonString("e"), changes[0].NewValue)
}

func TestServerConcurrentClients(t *testing.T) {
	eventLog := NewMemoryEventLogWithDefaults()
	list, server := newTestServer(t, eventLog)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n := 8
	writes := 500

	var wg sync.WaitGroup
	for i := 0; i < n; i += 1 {
		client, snapshot, err := server.Attach(nil)
		assert.Equal(t, nil, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer client.Detach()

			lastReceived := snapshot.Cursor
			for lastReceived < int64(writes-1) {
				select {
				case <-ctx.Done():
					t.Error("timeout")
					return
				case <-time.After(time.Duration(mathrand.Intn(500)) * time.Microsecond):
				}
				changes, err := client.Poll()
				if err != nil {
					t.Error(err)
					return
				}
				for _, change := range changes {
					// no gaps and no reordering
					if change.EventId != lastReceived+1 {
						t.Errorf("expected %d, got %d", lastReceived+1, change.EventId)
						return
					}
					lastReceived = change.EventId
				}
				// the floor never passes the slowest cursor
				floor := eventLog.Floor()
				stats := server.Stats()
				if stats.FloorCursor+1 < floor {
					t.Errorf("floor %d past cursor %d", floor, stats.FloorCursor)
					return
				}
			}
		}()
	}

	for i := 0; i < writes; i += 1 {
		list.Update(func(tx CollectionTx[string]) error {
			_, err := tx.Add("v", mathrand.Intn(tx.Len()+1))
			return err
		})
	}
	wg.Wait()
}

func TestServerApplyConflict(t *testing.T) {
	_, server := newTestServer(t, NewMemoryEventLogWithDefaults(), "a", "b")
	clientA, snapshot, err := server.Attach(nil)
	assert.Equal(t, nil, err)
	_, _, err = server.Attach(nil)
	assert.Equal(t, nil, err)

	left := snapshot.Elements[0].Address
	right := snapshot.Elements[1].Address
	cursor := snapshot.Cursor

	resultA, err := server.ApplyOperations(cursor, []*Operation{
		AddOperation(jsonString("x"), left, right, false),
	}, false)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(resultA.Changes))
	assert.Equal(t, resultA.Address, resultA.Changes[0].Address)
	assert.Equal(t, -1, Compare(left, resultA.Address))
	assert.Equal(t, -1, Compare(resultA.Address, right))

	// the second insert into the same gap conflicts, and carries the first
	_, err = server.ApplyOperations(cursor, []*Operation{
		AddOperation(jsonString("y"), left, right, false),
	}, false)
	var conflict *ConcurrentModError
	assert.Equal(t, true, errors.As(err, &conflict))
	assert.Equal(t, resultA.Changes, conflict.Changes)

	// retried against the new neighbors
	resultB, err := server.ApplyOperations(conflict.Changes[0].EventId, []*Operation{
		AddOperation(jsonString("y"), resultA.Address, right, false),
	}, false)
	assert.Equal(t, nil, err)
	assert.Equal(t, -1, Compare(resultA.Address, resultB.Address))
	assert.Equal(t, -1, Compare(resultB.Address, right))

	// an unrelated change is not a conflict
	resultC, err := server.ApplyOperations(cursor, []*Operation{
		SetOperation(left, jsonString("A")),
	}, false)
	assert.Equal(t, nil, err)
	assert.Equal(t, left, resultC.Address)
	assert.Equal(t, 3, len(resultC.Changes))

	// a set against a stale view of the element conflicts
	_, err = server.ApplyOperations(cursor, []*Operation{
		UpdateOperation(left),
	}, false)
	assert.Equal(t, true, errors.As(err, &conflict))

	changes, err := clientA.Poll()
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, len(changes))
}

func TestServerApplyRejects(t *testing.T) {
	list, server := newTestServer(t, NewMemoryEventLogWithDefaults(), "a")
	_, snapshot, err := server.Attach(nil)
	assert.Equal(t, nil, err)
	cursor := snapshot.Cursor
	address := snapshot.Elements[0].Address

	_, err = server.ApplyOperations(cursor, []*Operation{RemoveOperation(Address{0x01})}, false)
	assert.Equal(t, true, errors.Is(err, ErrNotFound))

	_, err = server.ApplyOperations(cursor, []*Operation{AddOperation([]byte("not json"), nil, nil, false)}, false)
	assert.Equal(t, true, errors.Is(err, ErrIllegalArgument))

	_, err = server.ApplyOperations(cursor, []*Operation{
		RemoveOperation(address),
		RemoveOperation(address),
	}, false)
	assert.Equal(t, true, errors.Is(err, ErrIllegalArgument))
	assert.Equal(t, []string{"a"}, list.Values())

	// dry run validates without a change
	result, err := server.ApplyOperations(cursor, []*Operation{RemoveOperation(address)}, true)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(result.Changes))
	assert.Equal(t, []string{"a"}, list.Values())

	list.SetReadOnly(true)
	_, err = server.ApplyOperations(cursor, []*Operation{SetOperation(address, jsonString("b"))}, true)
	assert.Equal(t, true, errors.Is(err, ErrUnsupported))

	_, err = server.ApplyOperations(cursor+5, []*Operation{UpdateOperation(address)}, false)
	assert.Equal(t, true, errors.Is(err, ErrIllegalArgument))
}
