package live

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats-server/v2/server"
	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malikk908/chatstream/model"
	"github.com/malikk908/chatstream/pushws"
)

func runNATSServer(t *testing.T, token string) *server.Server {
	opts := natstest.DefaultTestOptions
	opts.Port = server.RANDOM_PORT
	opts.Authorization = token
	s := natstest.RunServer(&opts)
	t.Cleanup(s.Shutdown)
	return s
}

type natsPublisher struct {
	t  *testing.T
	nc *nats.Conn
}

func newNATSPublisher(t *testing.T, s *server.Server, token string) *natsPublisher {
	nc, err := nats.Connect(s.ClientURL(), nats.Token(token))
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return &natsPublisher{t: t, nc: nc}
}

// Publish announces the event the same way the reference backend does.
func (p *natsPublisher) Publish(event model.Event) {
	payload, err := pushws.NewEventPayload(event)
	require.NoError(p.t, err)
	p.PublishRaw(NATSSubject(event.StreamId, event.Kind != model.EventKindCreated), payload.Message)
}

func (p *natsPublisher) PublishRaw(subject string, data []byte) {
	require.NoError(p.t, p.nc.Publish(subject, data))
	require.NoError(p.t, p.nc.Flush())
}

func nextEvent(t *testing.T, events <-chan model.Event) model.Event {
	select {
	case event := <-events:
		return event
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for an event")
	}
	return model.Event{}
}

func TestNATSTransport(t *testing.T) {
	s := runNATSServer(t, "secret")
	publisher := newNATSPublisher(t, s, "secret")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events := make(chan model.Event, 16)
	transport := &NATSTransport{
		URL:   s.ClientURL(),
		Token: "secret",
	}
	conn, err := transport.Dial(ctx, func(event model.Event) {
		events <- event
	})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Join(ctx, "general"))
	require.NoError(t, conn.Join(ctx, "general"))

	// malformed and unrelated messages are dropped
	publisher.PublishRaw(NATSSubject("general", false), []byte("not json"))
	publisher.PublishRaw("chat.general.typing", []byte(`{"id":"x"}`))
	publisher.Publish(model.Created("random", testMessage("r1")))

	publisher.Publish(model.Created("general", testMessage("m1")))
	event := nextEvent(t, events)
	assert.Equal(t, model.EventKindCreated, event.Kind)
	assert.Equal(t, model.Id("general"), event.StreamId)
	assert.Equal(t, model.Id("m1"), event.MessageId)
	assert.Equal(t, "hello", event.Message.Body)

	edited := testMessage("m1")
	edited.Body = "edited"
	edited.UpdatedAt = edited.CreatedAt.Add(time.Minute)
	publisher.Publish(model.Updated("general", edited))
	event = nextEvent(t, events)
	assert.Equal(t, model.EventKindUpdated, event.Kind)
	assert.Equal(t, "edited", event.Message.Body)

	publisher.Publish(model.Deleted("general", "m1"))
	event = nextEvent(t, events)
	assert.Equal(t, model.EventKindDeleted, event.Kind)
	assert.Equal(t, model.Id("m1"), event.MessageId)

	t.Run("Leave", func(t *testing.T) {
		require.NoError(t, conn.Leave(ctx, "general"))
		require.NoError(t, conn.Leave(ctx, "general"))
		require.NoError(t, conn.Join(ctx, "random"))

		publisher.Publish(model.Created("general", testMessage("m2")))
		publisher.Publish(model.Created("random", testMessage("r2")))

		// a single publisher's messages arrive in order, so m2 would have come first
		event := nextEvent(t, events)
		assert.Equal(t, model.Id("random"), event.StreamId)
		assert.Equal(t, model.Id("r2"), event.MessageId)
	})

	t.Run("Close", func(t *testing.T) {
		require.NoError(t, conn.Close())
		select {
		case <-conn.Done():
		case <-time.After(5 * time.Second):
			require.FailNow(t, "connection never finished")
		}
	})
}

func TestNATSTransport_Channel(t *testing.T) {
	s := runNATSServer(t, "secret")
	publisher := newNATSPublisher(t, s, "secret")

	channel := NewChannel(&Config{
		Transport: &NATSTransport{
			URL:   s.ClientURL(),
			Token: "secret",
		},
		NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(time.Hour)
		},
	})
	defer channel.Close()

	sub := channel.Subscribe("general")
	defer sub.Close()
	waitForState(t, channel, StateJoined)

	publisher.Publish(model.Created("general", testMessage("m1")))
	edited := testMessage("m1")
	edited.Body = "edited"
	edited.UpdatedAt = edited.CreatedAt.Add(time.Minute)
	publisher.Publish(model.Updated("general", edited))
	publisher.Publish(model.Deleted("general", "m1"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var kinds []model.EventKind
	for i := 0; i < 3; i++ {
		event, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.Id("m1"), event.MessageId)
		kinds = append(kinds, event.Kind)
	}
	assert.Equal(t, []model.EventKind{model.EventKindCreated, model.EventKindUpdated, model.EventKindDeleted}, kinds)

	t.Run("ServerGone", func(t *testing.T) {
		s.Shutdown()
		waitForState(t, channel, StateDisconnected)
		assert.Equal(t, 1, channel.Subscribers("general"))
		assert.NotEqual(t, model.Unauthorized, model.KindOf(channel.Err()))
	})
}

func TestNATSTransport_Unauthorized(t *testing.T) {
	s := runNATSServer(t, "secret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transport := &NATSTransport{
		URL:   s.ClientURL(),
		Token: "wrong",
	}
	_, err := transport.Dial(ctx, func(model.Event) {})
	assert.Equal(t, model.Unauthorized, model.KindOf(err))

	channel := NewChannel(&Config{
		Transport: transport,
	})
	defer channel.Close()

	sub := channel.Subscribe("general")
	_, err = sub.Next(ctx)
	assert.Equal(t, model.Unauthorized, model.KindOf(err))
	waitForState(t, channel, StateDisconnected)
}
