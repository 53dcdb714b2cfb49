package replica

import (
	"context"
	"errors"
	"fmt"
	mathrand "math/rand"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// drops push notifications, so that a client only learns of changes through its own calls
type quietTransfer struct {
	Transfer
}

func (self *quietTransfer) AddNotifyCallback(callback func()) func() {
	return func() {}
}

type failingTransfer struct {
	Transfer
	fail atomic.Bool
}

func (self *failingTransfer) RoundTrip(ctx context.Context, requestBytes []byte) ([]byte, error) {
	if self.fail.Load() {
		return nil, errors.New("network unreachable")
	}
	return self.Transfer.RoundTrip(ctx, requestBytes)
}

var testTransceiverKinds = []string{"json", "binary"}

func newTestTransceiver(handler *SessionHandler[string], kind string, wrap func(Transfer) Transfer) Transceiver {
	var transfer Transfer
	switch kind {
	case "binary":
		transfer = NewLocalTransfer(handler.BinaryHandler())
	default:
		transfer = NewLocalTransfer(handler.JsonHandler())
	}
	if wrap != nil {
		transfer = wrap(transfer)
	}
	switch kind {
	case "binary":
		return NewBinaryTransceiverWithDefaults(context.Background(), transfer)
	default:
		return NewJsonTransceiverWithDefaults(context.Background(), transfer)
	}
}

func testClientSettings() *ClientCollectionSettings {
	settings := DefaultClientCollectionSettings()
	settings.PollInterval = 0
	return settings
}

func newTestClient(t *testing.T, handler *SessionHandler[string], kind string, wrap func(Transfer) Transfer) *ClientCollection[string] {
	client, err := NewClientCollection[string](
		context.Background(),
		newTestTransceiver(handler, kind, wrap),
		JsonValueCodec[string]{},
		testClientSettings(),
	)
	assert.Equal(t, nil, err)
	t.Cleanup(client.Close)
	return client
}

func quiet(transfer Transfer) Transfer {
	return &quietTransfer{Transfer: transfer}
}

func TestClientFirstAdd(t *testing.T) {
	for _, kind := range testTransceiverKinds {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			list, _, handler := newTestSessionHandler(t, testSessionHandlerSettings())

			a := newTestClient(t, handler, kind, nil)
			assert.Equal(t, 0, a.Size())

			element, err := a.Add(ctx, "x")
			assert.Equal(t, nil, err)
			assert.Equal(t, Address{0x80}, element.Address)
			assert.Equal(t, "x", element.Value)
			assert.Equal(t, int64(0), a.LastChange())
			assert.Equal(t, []string{"x"}, list.Values())

			b := newTestClient(t, handler, kind, nil)
			assert.Equal(t, int64(0), b.LastChange())
			assert.Equal(t, []ClientElement[string]{{Address: Address{0x80}, Value: "x"}}, b.Elements())
		})
	}
}

func TestTransceiverConflict(t *testing.T) {
	for _, kind := range testTransceiverKinds {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			_, _, handler := newTestSessionHandler(t, testSessionHandlerSettings(), "a", "b")

			a := newTestTransceiver(handler, kind, nil)
			defer a.Close()
			b := newTestTransceiver(handler, kind, nil)
			defer b.Close()

			snapshot, err := a.Attach(ctx)
			assert.Equal(t, nil, err)
			_, err = b.Attach(ctx)
			assert.Equal(t, nil, err)
			left := snapshot.Elements[0].Address
			right := snapshot.Elements[1].Address

			resultA, err := a.ApplyOperations(ctx, []*Operation{AddOperation(jsonString("x"), left, right, false)})
			assert.Equal(t, nil, err)
			assert.Equal(t, -1, Compare(left, resultA.Address))
			assert.Equal(t, -1, Compare(resultA.Address, right))

			_, err = b.ApplyOperations(ctx, []*Operation{AddOperation(jsonString("y"), left, right, false)})
			var conflict *ConcurrentModError
			assert.Equal(t, true, errors.As(err, &conflict))
			assert.Equal(t, 1, len(conflict.Changes))
			assert.Equal(t, resultA.Address, conflict.Changes[0].Address)

			b.SetLastChange(conflict.Changes[0].EventId)
			resultB, err := b.ApplyOperations(ctx, []*Operation{AddOperation(jsonString("y"), resultA.Address, right, false)})
			assert.Equal(t, nil, err)
			assert.Equal(t, -1, Compare(resultA.Address, resultB.Address))
			assert.Equal(t, -1, Compare(resultB.Address, right))
		})
	}
}

func TestClientConflictRetry(t *testing.T) {
	for _, kind := range testTransceiverKinds {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			list, _, handler := newTestSessionHandler(t, testSessionHandlerSettings(), "a", "b")

			a := newTestClient(t, handler, kind, quiet)
			b := newTestClient(t, handler, kind, quiet)

			x, err := a.Insert(ctx, 1, "x")
			assert.Equal(t, nil, err)

			// `b` has not seen "x" and inserts at the same place
			y, err := b.Insert(ctx, 1, "y")
			assert.Equal(t, nil, err)
			assert.Equal(t, -1, Compare(x.Address, y.Address))

			assert.Equal(t, []string{"a", "x", "y", "b"}, list.Values())
			assert.Equal(t, list.Values(), b.Values())

			assert.Equal(t, nil, a.PollChanges(ctx))
			assert.Equal(t, b.Elements(), a.Elements())
		})
	}
}

func TestClientMutators(t *testing.T) {
	for _, kind := range testTransceiverKinds {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			list, _, handler := newTestSessionHandler(t, testSessionHandlerSettings(), "a", "b", "c")
			client := newTestClient(t, handler, kind, quiet)

			assertMirror := func(values ...string) {
				if values == nil {
					values = []string{}
				}
				assert.Equal(t, values, list.Values())
				assert.Equal(t, values, client.Values())
			}

			first, err := client.AddElement(ctx, "0", nil, nil, true)
			assert.Equal(t, nil, err)
			assert.Equal(t, "0", first.Value)
			assertMirror("0", "a", "b", "c")

			assert.Equal(t, nil, client.AddAll(ctx, []string{"d", "e"}))
			assertMirror("0", "a", "b", "c", "d", "e")

			assert.Equal(t, nil, client.InsertAll(ctx, 2, []string{"p", "q"}))
			assertMirror("0", "a", "p", "q", "b", "c", "d", "e")

			old, err := client.Set(ctx, 1, "A")
			assert.Equal(t, nil, err)
			assert.Equal(t, "a", old)
			assertMirror("0", "A", "p", "q", "b", "c", "d", "e")

			removed, err := client.Remove(ctx, 0)
			assert.Equal(t, nil, err)
			assert.Equal(t, "0", removed)
			assertMirror("A", "p", "q", "b", "c", "d", "e")

			n, err := client.RemoveRange(ctx, 1, 3)
			assert.Equal(t, nil, err)
			assert.Equal(t, 2, n)
			assertMirror("A", "b", "c", "d", "e")

			n, err = client.RemoveIf(ctx, func(value string) bool {
				return value == "c" || value == "e"
			})
			assert.Equal(t, nil, err)
			assert.Equal(t, 2, n)
			assertMirror("A", "b", "d")

			stamp := client.Stamp()
			assert.Equal(t, nil, client.Update(ctx, 1))
			assert.NotEqual(t, stamp, client.Stamp())
			assertMirror("A", "b", "d")

			assert.Equal(t, nil, client.ReplaceAll(ctx, []string{"r", "s"}))
			assertMirror("r", "s")

			assert.Equal(t, nil, client.Clear(ctx))
			assertMirror()

			_, err = client.Remove(ctx, 0)
			assert.Equal(t, true, errors.Is(err, ErrIllegalArgument))
			_, err = client.RemoveElement(ctx, Address{0x42})
			assert.Equal(t, true, errors.Is(err, ErrNotFound))
		})
	}
}

func TestClientEvents(t *testing.T) {
	ctx := context.Background()
	_, _, handler := newTestSessionHandler(t, testSessionHandlerSettings(), "a")
	client := newTestClient(t, handler, "json", quiet)

	events := []*ClientChangeEvent[string]{}
	remove := client.Subscribe(func(event *ClientChangeEvent[string]) {
		events = append(events, event)
	})
	defer remove()

	_, err := client.Add(ctx, "b")
	assert.Equal(t, nil, err)
	_, err = client.Set(ctx, 0, "A")
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, client.Update(ctx, 0))
	_, err = client.Remove(ctx, 1)
	assert.Equal(t, nil, err)

	assert.Equal(t, 4, len(events))
	assert.Equal(t, ChangeAdd, events[0].Type)
	assert.Equal(t, 1, events[0].Index)
	assert.Equal(t, "b", events[0].NewValue)
	assert.Equal(t, ChangeSet, events[1].Type)
	assert.Equal(t, "a", events[1].OldValue)
	assert.Equal(t, "A", events[1].NewValue)
	// the update substitutes the cached value
	assert.Equal(t, ChangeUpdate, events[2].Type)
	assert.Equal(t, "A", events[2].OldValue)
	assert.Equal(t, "A", events[2].NewValue)
	assert.Equal(t, ChangeRemove, events[3].Type)
	assert.Equal(t, "b", events[3].OldValue)
	for _, event := range events {
		assert.Equal(t, true, event.TransactionEnd)
	}
}

func TestClientRejections(t *testing.T) {
	for _, kind := range testTransceiverKinds {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			list, _, handler := newTestSessionHandler(t, testSessionHandlerSettings(), "a")
			list.SetAcceptor(func(value string) error {
				if strings.ToLower(value) != value {
					return fmt.Errorf("%s is not lower case", value)
				}
				return nil
			})
			client := newTestClient(t, handler, kind, quiet)
			assert.Equal(t, true, client.ContentControlled())

			assert.Equal(t, "", client.IsAcceptable(ctx, "b"))
			assert.Equal(t, "B is not lower case", client.IsAcceptable(ctx, "B"))
			assert.Equal(t, "", client.CanRemove(ctx, 0))
			assert.Equal(t, "", client.IsEnabled(ctx))

			_, err := client.Add(ctx, "B")
			assert.Equal(t, true, errors.Is(err, ErrIllegalArgument))
			assert.Equal(t, []string{"a"}, list.Values())

			list.SetReadOnly(true)
			assert.NotEqual(t, "", client.IsEnabled(ctx))
			assert.NotEqual(t, "", client.CanRemove(ctx, 0))
			_, err = client.Remove(ctx, 0)
			assert.Equal(t, true, errors.Is(err, ErrUnsupported))
		})
	}
}

func TestClientConnectionFailure(t *testing.T) {
	ctx := context.Background()
	_, _, handler := newTestSessionHandler(t, testSessionHandlerSettings(), "a")

	var failing *failingTransfer
	client := newTestClient(t, handler, "binary", func(transfer Transfer) Transfer {
		failing = &failingTransfer{Transfer: transfer}
		return failing
	})
	failing.fail.Store(true)

	_, err := client.Add(ctx, "b")
	assert.Equal(t, true, errors.Is(err, ErrConnection))
	assert.Equal(t, NoConnection, client.IsAcceptable(ctx, "b"))
	assert.Equal(t, []string{"a"}, client.Values())

	failing.fail.Store(false)
	_, err = client.Add(ctx, "b")
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"a", "b"}, client.Values())
}

func TestClientStaleResync(t *testing.T) {
	ctx := context.Background()
	list, server := newTestServer(t, NewMemoryEventLog(&MemoryEventLogSettings{
		MaxRetained: 3,
	}), "a")
	handler := NewSessionHandler(context.Background(), server, testSessionHandlerSettings())
	defer handler.Close()

	client := newTestClient(t, handler, "json", quiet)
	resets := 0
	client.Subscribe(func(event *ClientChangeEvent[string]) {
		if event.Reset {
			resets += 1
		}
	})

	for i := 0; i < 10; i += 1 {
		list.Update(func(tx CollectionTx[string]) error {
			_, err := tx.Add(fmt.Sprintf("v%d", i), tx.Len())
			return err
		})
	}

	assert.Equal(t, nil, client.PollChanges(ctx))
	assert.Equal(t, 1, resets)
	assert.Equal(t, list.Values(), client.Values())
	assert.Equal(t, int64(9), client.LastChange())

	// the new session continues normally
	_, err := client.Add(ctx, "z")
	assert.Equal(t, nil, err)
	assert.Equal(t, list.Values(), client.Values())
}

func TestClientPushNotify(t *testing.T) {
	ctx := context.Background()
	_, _, handler := newTestSessionHandler(t, testSessionHandlerSettings())

	a := newTestClient(t, handler, "json", nil)
	b := newTestClient(t, handler, "binary", nil)

	_, err := a.Add(ctx, "x")
	assert.Equal(t, nil, err)

	deadline := time.Now().Add(5 * time.Second)
	for b.Size() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, []string{"x"}, b.Values())
}

func TestClientBulkSet(t *testing.T) {
	for _, kind := range testTransceiverKinds {
		t.Run(kind, func(t *testing.T) {
			ctx := context.Background()
			list, _, handler := newTestSessionHandler(t, testSessionHandlerSettings(), "a", "b", "c")
			list.SetAcceptor(func(value string) error {
				if strings.ToLower(value) != value {
					return fmt.Errorf("%s is not lower case", value)
				}
				return nil
			})
			client := newTestClient(t, handler, kind, quiet)

			addresses := func() []Address {
				out := []Address{}
				for _, element := range client.Elements() {
					out = append(out, element.Address)
				}
				return out
			}
			start := addresses()

			n, err := client.SetAll(ctx, []Address{start[0], start[2], Address{0x42}}, "x")
			assert.Equal(t, nil, err)
			assert.Equal(t, 2, n)
			assert.Equal(t, []string{"x", "b", "x"}, list.Values())
			assert.Equal(t, list.Values(), client.Values())
			assert.Equal(t, start, addresses())

			replace := func(value string) string {
				if value == "b" {
					return "B"
				}
				return value + "y"
			}

			// one rejected value fails the whole batch
			_, err = client.ReplaceAllFunc(ctx, replace, false)
			assert.Equal(t, true, errors.Is(err, ErrIllegalArgument))
			assert.Equal(t, []string{"x", "b", "x"}, list.Values())

			n, err = client.ReplaceAllFunc(ctx, replace, true)
			assert.Equal(t, nil, err)
			assert.Equal(t, 2, n)
			assert.Equal(t, []string{"xy", "b", "xy"}, list.Values())
			assert.Equal(t, list.Values(), client.Values())
			assert.Equal(t, start, addresses())

			tx, err := client.Lock(ctx, true)
			assert.Equal(t, nil, err)
			n, err = tx.SetAll([]Address{start[1]}, "z")
			assert.Equal(t, nil, err)
			assert.Equal(t, 1, n)
			n, err = tx.ReplaceAllFunc(strings.TrimSpace, false)
			assert.Equal(t, nil, err)
			assert.Equal(t, 3, n)
			assert.Equal(t, nil, tx.Close())

			assert.Equal(t, []string{"xy", "z", "xy"}, list.Values())
			assert.Equal(t, start, addresses())
		})
	}
}

func TestClientTransaction(t *testing.T) {
	ctx := context.Background()
	list, _, handler := newTestSessionHandler(t, testSessionHandlerSettings(), "a")

	a := newTestClient(t, handler, "json", quiet)
	b := newTestClient(t, handler, "binary", quiet)

	tx, err := a.Lock(ctx, true)
	assert.Equal(t, nil, err)
	_, err = tx.Add("b")
	assert.Equal(t, nil, err)
	_, err = tx.Set(0, "A")
	assert.Equal(t, nil, err)

	other, err := b.TryLock(ctx, true)
	assert.Equal(t, nil, err)
	assert.Equal(t, (*ClientTransaction[string])(nil), other)

	assert.Equal(t, nil, tx.Close())
	// idempotent
	assert.Equal(t, nil, tx.Close())
	_, err = tx.Add("c")
	assert.Equal(t, true, errors.Is(err, ErrTransactionClosed))

	readTx, err := b.TryLock(ctx, false)
	assert.Equal(t, nil, err)
	assert.NotEqual(t, (*ClientTransaction[string])(nil), readTx)
	// the lock brings the mirror up to date
	assert.Equal(t, []string{"A", "b"}, readTx.Values())
	_, err = readTx.Add("c")
	assert.Equal(t, true, errors.Is(err, ErrUnsupported))
	assert.Equal(t, nil, readTx.Close())

	assert.Equal(t, []string{"A", "b"}, list.Values())
}

// independent clients over both protocols converge on the server order
func TestClientConvergence(t *testing.T) {
	ctx := context.Background()
	list, _, handler := newTestSessionHandler(t, testSessionHandlerSettings(), "a", "b", "c")

	clients := []*ClientCollection[string]{}
	for i := 0; i < 4; i += 1 {
		clients = append(clients, newTestClient(t, handler, testTransceiverKinds[i%2], quiet))
	}

	r := mathrand.New(mathrand.NewSource(1))
	for i := 0; i < 200; i += 1 {
		client := clients[r.Intn(len(clients))]
		n := client.Size()
		var err error
		switch op := r.Intn(4); {
		case op == 0 || n == 0:
			_, err = client.Insert(ctx, r.Intn(n+1), fmt.Sprintf("v%d", i))
		case op == 1:
			_, err = client.Remove(ctx, r.Intn(n))
		case op == 2:
			_, err = client.Set(ctx, r.Intn(n), fmt.Sprintf("s%d", i))
		default:
			err = client.PollChanges(ctx)
		}
		// a stale local view can name an element another client removed
		if err != nil {
			assert.Equal(t, true, errors.Is(err, ErrNotFound))
		}
	}

	for _, client := range clients {
		assert.Equal(t, nil, client.PollChanges(ctx))
		assert.Equal(t, list.Values(), client.Values())
	}
	for _, client := range clients[1:] {
		assert.Equal(t, clients[0].Elements(), client.Elements())
	}
}
