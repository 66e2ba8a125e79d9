package live

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/malikk908/chatstream/merge"
	"github.com/malikk908/chatstream/model"
)

// verifyNoLeaks fails the test if it leaves goroutines behind. Goroutines that were already
// running, such as those of an in-process NATS server, are ignored.
func verifyNoLeaks(t *testing.T) {
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() {
		goleak.VerifyNone(t, ignore)
	})
}

type fakeConn struct {
	transport *fakeTransport
	deliver   func(model.Event)

	mu     sync.Mutex
	joined map[model.Id]bool

	done      chan struct{}
	closeOnce sync.Once
}

func (c *fakeConn) Join(ctx context.Context, streamId model.Id) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined[streamId] = true
	return nil
}

func (c *fakeConn) Leave(ctx context.Context, streamId model.Id) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.joined, streamId)
	return nil
}

func (c *fakeConn) IsJoined(streamId model.Id) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined[streamId]
}

func (c *fakeConn) Done() <-chan struct{} {
	return c.done
}

func (c *fakeConn) Err() error {
	return errors.New("connection reset")
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// Drop simulates a lost connection.
func (c *fakeConn) Drop() {
	c.Close()
}

type fakeTransport struct {
	mu    sync.Mutex
	dials int
	conns []*fakeConn

	// errors returned by the next dials, in order
	failures []error
}

func (t *fakeTransport) Dial(ctx context.Context, deliver func(model.Event)) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if len(t.failures) > 0 {
		err := t.failures[0]
		t.failures = t.failures[1:]
		return nil, err
	}
	conn := &fakeConn{
		transport: t,
		deliver:   deliver,
		joined:    map[model.Id]bool{},
		done:      make(chan struct{}),
	}
	t.conns = append(t.conns, conn)
	return conn, nil
}

func (t *fakeTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) Conn(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.conns) {
		return nil
	}
	return t.conns[i]
}

func (t *fakeTransport) Fail(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = append(t.failures, errs...)
}

// countingBackOff never waits and counts resets.
type countingBackOff struct {
	mu     sync.Mutex
	resets int
	waits  int
}

func (b *countingBackOff) NextBackOff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waits++
	return time.Millisecond
}

func (b *countingBackOff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resets++
}

func (b *countingBackOff) Counts() (resets, waits int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resets, b.waits
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) Record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

var now = time.Date(2023, time.October, 3, 12, 0, 0, 0, time.UTC)

func testMessage(id model.Id) *model.Message {
	return &model.Message{
		Id:        id,
		Body:      "hello",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func waitForState(t *testing.T, c *Channel, state State) {
	require.Eventually(t, func() bool {
		return c.State() == state
	}, 5*time.Second, time.Millisecond, "never reached state %v", state)
}

func TestChannel_Delivery(t *testing.T) {
	verifyNoLeaks(t)
	transport := &fakeTransport{}
	channel := NewChannel(&Config{
		Transport: transport,
	})
	defer channel.Close()

	assert.Equal(t, StateDisconnected, channel.State())

	sub := channel.Subscribe("general")
	waitForState(t, channel, StateJoined)
	conn := transport.Conn(0)
	require.NotNil(t, conn)
	assert.True(t, conn.IsJoined("general"))

	conn.deliver(model.Created("general", testMessage("m1")))
	conn.deliver(model.Created("random", testMessage("m2")))
	conn.deliver(model.Deleted("general", "m1"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	event, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.EventKindCreated, event.Kind)
	assert.Equal(t, model.Id("m1"), event.MessageId)

	event, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.EventKindDeleted, event.Kind)

	t.Run("Cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := sub.Next(ctx)
		assert.Equal(t, context.Canceled, err)
	})

	t.Run("All", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			conn.deliver(model.Deleted("general", model.Id("x")))
		}
		n := 0
		for range sub.All(ctx) {
			n++
			if n == 3 {
				break
			}
		}
		assert.Equal(t, 3, n)
		assert.Equal(t, 0, sub.Len())
	})

	sub.Close()
	_, err = sub.Next(ctx)
	assert.Equal(t, ErrClosed, err)
}

func TestChannel_ReferenceCounting(t *testing.T) {
	verifyNoLeaks(t)
	transport := &fakeTransport{}
	recorder := &stateRecorder{}
	channel := NewChannel(&Config{
		Transport:     transport,
		OnStateChange: recorder.Record,
	})
	defer channel.Close()

	a := channel.Subscribe("general")
	b := channel.Subscribe("general")
	waitForState(t, channel, StateJoined)
	assert.Equal(t, 2, channel.Subscribers("general"))

	other := channel.Subscribe("random")
	conn := transport.Conn(0)
	require.Eventually(t, func() bool {
		return conn.IsJoined("random")
	}, 5*time.Second, time.Millisecond)

	other.Close()
	require.Eventually(t, func() bool {
		return !conn.IsJoined("random")
	}, 5*time.Second, time.Millisecond)

	a.Close()
	assert.Equal(t, 1, channel.Subscribers("general"))
	assert.True(t, conn.IsJoined("general"))

	b.Close()
	waitForState(t, channel, StateDisconnected)
	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection was never closed")
	}
	assert.Equal(t, 1, transport.Dials())
	assert.Equal(t, []State{StateConnecting, StateJoined, StateDisconnected}, recorder.States())

	t.Run("Reinitialize", func(t *testing.T) {
		sub := channel.Subscribe("general")
		defer sub.Close()
		waitForState(t, channel, StateJoined)
		assert.Equal(t, 2, transport.Dials())
	})
}

func TestChannel_Reconnect(t *testing.T) {
	verifyNoLeaks(t)
	transport := &fakeTransport{}
	b := &countingBackOff{}
	channel := NewChannel(&Config{
		Transport: transport,
		NewBackOff: func() backoff.BackOff {
			return b
		},
	})
	defer channel.Close()

	merger := merge.New(nil)
	merger.OnPageLoaded("general", &model.Page{})

	sub := channel.Subscribe("general")
	defer sub.Close()
	waitForState(t, channel, StateJoined)

	first := transport.Conn(0)
	first.deliver(model.Created("general", testMessage("m1")))

	transport.Fail(model.NewError(model.NetworkFailure, "connect", errors.New("refused")), errors.New("refused"))
	first.Drop()

	require.Eventually(t, func() bool {
		return transport.Conn(1) != nil && channel.State() == StateJoined
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, 4, transport.Dials())
	assert.True(t, transport.Conn(1).IsJoined("general"))

	resets, waits := b.Counts()
	assert.Equal(t, 2, resets)
	assert.Equal(t, 3, waits)

	// the server redelivers the message it sent before the drop
	second := transport.Conn(1)
	second.deliver(model.Created("general", testMessage("m1")))
	second.deliver(model.Created("general", testMessage("m2")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		event, err := sub.Next(ctx)
		require.NoError(t, err)
		merger.OnEvent("general", event)
	}

	view := merger.View("general")
	require.Len(t, view.Items, 2)
	assert.Equal(t, model.Id("m2"), view.Items[0].Id)
	assert.Equal(t, model.Id("m1"), view.Items[1].Id)
}

func TestChannel_Unauthorized(t *testing.T) {
	verifyNoLeaks(t)
	transport := &fakeTransport{}
	transport.Fail(model.NewError(model.Unauthorized, "connect", errors.New("bad token")))
	channel := NewChannel(&Config{
		Transport: transport,
	})
	defer channel.Close()

	sub := channel.Subscribe("general")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := sub.Next(ctx)
	assert.Equal(t, model.Unauthorized, model.KindOf(err))
	assert.Equal(t, model.Unauthorized, model.KindOf(channel.Err()))
	waitForState(t, channel, StateDisconnected)
	assert.Equal(t, 1, transport.Dials())
	assert.Equal(t, 0, channel.Subscribers("general"))
}

func TestChannel_Close(t *testing.T) {
	verifyNoLeaks(t)
	transport := &fakeTransport{}
	channel := NewChannel(&Config{
		Transport: transport,
	})

	sub := channel.Subscribe("general")
	waitForState(t, channel, StateJoined)

	channel.Close()
	assert.Equal(t, StateDisconnected, channel.State())
	_, err := sub.Next(context.Background())
	assert.Equal(t, ErrClosed, err)

	late := channel.Subscribe("general")
	_, err = late.Next(context.Background())
	assert.Equal(t, ErrClosed, err)
	assert.Equal(t, 1, transport.Dials())
}

func TestNewBackOff(t *testing.T) {
	b := NewBackOff()
	for i := 0; i < 20; i++ {
		d := b.NextBackOff()
		assert.NotEqual(t, backoff.Stop, d)
		assert.True(t, d <= 45*time.Second, "%v exceeds the jittered cap", d)
	}
	b.Reset()
	assert.True(t, b.NextBackOff() <= 375*time.Millisecond)
}

func TestNATSSubject(t *testing.T) {
	assert.Equal(t, "chat.abc.messages", NATSSubject("abc", false))
	assert.Equal(t, "chat.abc.messages.update", NATSSubject("abc", true))

	key, ok := roomKeyForSubject(NATSSubject("abc", true))
	assert.True(t, ok)
	assert.Equal(t, "chat:abc:messages:update", key)

	key, ok = roomKeyForSubject(NATSSubject("abc", false))
	assert.True(t, ok)
	assert.Equal(t, "chat:abc:messages", key)

	_, ok = roomKeyForSubject("other.abc")
	assert.False(t, ok)
}
