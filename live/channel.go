// Package live maintains a push connection that delivers create, update, and delete events for
// subscribed streams, reconnecting with backoff when the connection drops.
package live

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/malikk908/chatstream/metrics"
	"github.com/malikk908/chatstream/model"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	}
	return "unknown"
}

// Transport opens push connections. Dial should return a *model.Error of kind Unauthorized if the
// server rejects the client's credentials.
type Transport interface {
	Dial(ctx context.Context, deliver func(model.Event)) (Conn, error)
}

// Conn is an established push connection.
type Conn interface {
	// Join subscribes to the stream's events and returns once the subscription is in effect.
	Join(ctx context.Context, streamId model.Id) error

	Leave(ctx context.Context, streamId model.Id) error

	// Done is closed when the connection is lost or closed.
	Done() <-chan struct{}

	// Err returns the reason the connection was lost.
	Err() error

	Close() error
}

// NewBackOff returns the default reconnection policy: exponential with jitter, starting at 250ms
// and capped at 30s. It never gives up.
func NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

type Config struct {
	Transport Transport

	// NewBackOff creates the reconnection policy. Defaults to NewBackOff. The policy is reset
	// whenever the channel reaches the joined state.
	NewBackOff func() backoff.BackOff

	// JoinTimeout bounds each join. Defaults to 10 seconds.
	JoinTimeout time.Duration

	// OnStateChange, if given, is invoked on the channel's goroutine for each state transition.
	OnStateChange func(State)

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Channel multiplexes stream subscriptions over one push connection. The connection is opened when
// the first subscription is made and closed when the last one is released.
type Channel struct {
	config Config
	logger logrus.FieldLogger

	mu            sync.Mutex
	subscriptions map[model.Id]map[*Subscription]struct{}
	state         State
	err           error
	cancel        context.CancelFunc
	done          chan struct{}
	changed       chan struct{}
	closed        bool
}

func NewChannel(cfg *Config) *Channel {
	config := *cfg
	if config.NewBackOff == nil {
		config.NewBackOff = NewBackOff
	}
	if config.JoinTimeout <= 0 {
		config.JoinTimeout = 10 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Channel{
		config:        config,
		logger:        logger,
		subscriptions: map[model.Id]map[*Subscription]struct{}{},
		changed:       make(chan struct{}, 1),
	}
}

// Subscribe returns a new subscription to the stream's events. Every subscription of a stream
// receives every event.
func (c *Channel) Subscribe(streamId model.Id) *Subscription {
	sub := newSubscription(c, streamId)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		sub.end(ErrClosed)
		return sub
	}

	subs, ok := c.subscriptions[streamId]
	if !ok {
		subs = map[*Subscription]struct{}{}
		c.subscriptions[streamId] = subs
	}
	subs[sub] = struct{}{}

	if c.cancel == nil {
		c.start()
	} else {
		c.notifyChanged()
	}
	return sub
}

// Unsubscribe closes every subscription of the stream.
func (c *Channel) Unsubscribe(streamId model.Id) {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subscriptions[streamId]))
	for sub := range c.subscriptions[streamId] {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// Subscribers returns the number of open subscriptions of the stream.
func (c *Channel) Subscribers(streamId model.Id) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions[streamId])
}

func (c *Channel) release(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs := c.subscriptions[sub.StreamId]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(c.subscriptions, sub.StreamId)
	}

	if len(c.subscriptions) == 0 {
		c.stop()
	} else {
		c.notifyChanged()
	}
}

// State returns the channel's current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that stopped the channel from reconnecting, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends all subscriptions and disconnects for good.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var subs []*Subscription
	for _, streamSubs := range c.subscriptions {
		for sub := range streamSubs {
			subs = append(subs, sub)
		}
	}
	c.subscriptions = map[model.Id]map[*Subscription]struct{}{}
	done := c.done
	c.stop()
	c.mu.Unlock()

	for _, sub := range subs {
		sub.end(ErrClosed)
	}
	if done != nil {
		<-done
	}
}

func (c *Channel) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.err = nil
	prev := c.done
	done := make(chan struct{})
	c.done = done
	go func() {
		defer close(done)
		if prev != nil {
			// the previous session must finish reporting its state first
			<-prev
		}
		c.run(ctx)
	}()
}

func (c *Channel) stop() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Channel) notifyChanged() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

func (c *Channel) setState(state State) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.mu.Unlock()

	if changed {
		c.logger.WithField("state", state.String()).Debug("push channel state changed")
		c.config.Metrics.SetLiveState(int(state))
		if c.config.OnStateChange != nil {
			c.config.OnStateChange(state)
		}
	}
}

func (c *Channel) deliver(event model.Event) {
	c.config.Metrics.RecordLiveEvent(event.Kind.String())

	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subscriptions[event.StreamId]))
	for sub := range c.subscriptions[event.StreamId] {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.push(event)
	}
}

func (c *Channel) streamIds() map[model.Id]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := make(map[model.Id]struct{}, len(c.subscriptions))
	for id := range c.subscriptions {
		ret[id] = struct{}{}
	}
	return ret
}

func (c *Channel) run(ctx context.Context) {
	defer c.setState(StateDisconnected)

	b := c.config.NewBackOff()
	attempts := 0

	for ctx.Err() == nil {
		if attempts > 0 {
			c.config.Metrics.RecordReconnect()
		}
		attempts++

		c.setState(StateConnecting)
		err := c.session(ctx, b)
		if ctx.Err() != nil {
			return
		}

		if model.KindOf(err) == model.Unauthorized {
			c.logger.WithError(err).Error("push channel rejected credentials")
			c.fail(err)
			return
		}
		c.logger.WithError(err).Warn("push channel disconnected")
		c.setState(StateDisconnected)

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			c.fail(err)
			return
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// session connects, keeps the joined set in sync with the subscriptions, and returns when the
// connection is lost.
func (c *Channel) session(ctx context.Context, b backoff.BackOff) error {
	conn, err := c.config.Transport.Dial(ctx, c.deliver)
	if err != nil {
		if model.KindOf(err) == 0 {
			err = model.NewError(model.NetworkFailure, "connect", err)
		}
		return err
	}
	defer conn.Close()

	joined := map[model.Id]struct{}{}
	reconcile := func() error {
		want := c.streamIds()
		for id := range want {
			if _, ok := joined[id]; ok {
				continue
			}
			joinCtx, cancel := context.WithTimeout(ctx, c.config.JoinTimeout)
			err := conn.Join(joinCtx, id)
			cancel()
			if err != nil {
				return model.NewError(model.ChannelDropped, "join", err)
			}
			joined[id] = struct{}{}
		}
		for id := range joined {
			if _, ok := want[id]; ok {
				continue
			}
			if err := conn.Leave(ctx, id); err != nil {
				return model.NewError(model.ChannelDropped, "leave", err)
			}
			delete(joined, id)
		}
		return nil
	}

	if err := reconcile(); err != nil {
		return err
	}
	b.Reset()
	c.setState(StateJoined)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-conn.Done():
			c.config.Metrics.RecordDrop()
			return model.NewError(model.ChannelDropped, "receive", conn.Err())
		case <-c.changed:
			if err := reconcile(); err != nil {
				c.config.Metrics.RecordDrop()
				return err
			}
		}
	}
}

// fail stops reconnecting and ends every subscription with err.
func (c *Channel) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.stop()
	var subs []*Subscription
	for _, streamSubs := range c.subscriptions {
		for sub := range streamSubs {
			subs = append(subs, sub)
		}
	}
	c.subscriptions = map[model.Id]map[*Subscription]struct{}{}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.end(err)
	}
}
