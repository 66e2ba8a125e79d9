package live

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/malikk908/chatstream/model"
	"github.com/malikk908/chatstream/pushws"
)

// NATSSubject returns the subject on which a stream's events are published: chat.<id>.messages for
// new messages and chat.<id>.messages.update for edits and deletions. Payloads are JSON encoded
// messages, the same as the message field of a chat-push event.
func NATSSubject(streamId model.Id, update bool) string {
	subject := "chat." + string(streamId) + ".messages"
	if update {
		subject += ".update"
	}
	return subject
}

func roomKeyForSubject(subject string) (string, bool) {
	rest := strings.TrimPrefix(subject, "chat.")
	if rest == subject {
		return "", false
	}
	if id := strings.TrimSuffix(rest, ".messages.update"); id != rest {
		return pushws.UpdatedKey(model.Id(id)), true
	} else if id := strings.TrimSuffix(rest, ".messages"); id != rest {
		return pushws.CreatedKey(model.Id(id)), true
	}
	return "", false
}

// NATSTransport receives events from a NATS server. Reconnection is left to the Channel, so the
// underlying connection never reconnects on its own.
type NATSTransport struct {
	URL   string
	Token string

	// Options are applied after the transport's own options.
	Options []nats.Option

	Logger logrus.FieldLogger
}

var _ Transport = (*NATSTransport)(nil)

func (t *NATSTransport) Dial(ctx context.Context, deliver func(model.Event)) (Conn, error) {
	logger := t.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	c := &natsConn{
		subscriptions: map[model.Id]*nats.Subscription{},
		done:          make(chan struct{}),
		deliver:       deliver,
		logger:        logger,
	}

	options := []nats.Option{
		nats.Name("chatstream"),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.setErr(err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.closeOnce.Do(func() {
				close(c.done)
			})
		}),
	}
	if t.Token != "" {
		options = append(options, nats.Token(t.Token))
	}
	if deadline, ok := ctx.Deadline(); ok {
		options = append(options, nats.Timeout(time.Until(deadline)))
	}
	options = append(options, t.Options...)

	nc, err := nats.Connect(t.URL, options...)
	if err != nil {
		if errors.Is(err, nats.ErrAuthorization) || errors.Is(err, nats.ErrAuthExpired) {
			return nil, model.NewError(model.Unauthorized, "connect", err)
		}
		return nil, model.NewError(model.NetworkFailure, "connect", err)
	}
	c.nc = nc
	return c, nil
}

type natsConn struct {
	nc      *nats.Conn
	deliver func(model.Event)
	logger  logrus.FieldLogger

	mu            sync.Mutex
	subscriptions map[model.Id]*nats.Subscription
	err           error

	done      chan struct{}
	closeOnce sync.Once
}

func (c *natsConn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *natsConn) handle(msg *nats.Msg) {
	key, ok := roomKeyForSubject(msg.Subject)
	if !ok {
		return
	}
	payload := &pushws.EventPayload{
		Key:     key,
		Message: msg.Data,
	}
	event, err := payload.Event()
	if err != nil {
		c.logger.WithField("subject", msg.Subject).Warn(errors.Wrap(err, "discarding malformed event"))
		return
	}
	c.deliver(event)
}

func (c *natsConn) Join(ctx context.Context, streamId model.Id) error {
	c.mu.Lock()
	_, ok := c.subscriptions[streamId]
	c.mu.Unlock()
	if ok {
		return nil
	}

	sub, err := c.nc.Subscribe("chat."+string(streamId)+".>", c.handle)
	if err != nil {
		return errors.Wrap(err, "unable to subscribe")
	}
	// the subscription is in effect once the server has processed it
	if err := c.nc.FlushWithContext(ctx); err != nil {
		sub.Unsubscribe()
		return errors.Wrap(err, "unable to flush subscription")
	}

	c.mu.Lock()
	c.subscriptions[streamId] = sub
	c.mu.Unlock()
	return nil
}

func (c *natsConn) Leave(ctx context.Context, streamId model.Id) error {
	c.mu.Lock()
	sub, ok := c.subscriptions[streamId]
	delete(c.subscriptions, streamId)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

func (c *natsConn) Done() <-chan struct{} {
	return c.done
}

func (c *natsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return c.nc.LastError()
}

func (c *natsConn) Close() error {
	c.nc.Close()
	return nil
}
