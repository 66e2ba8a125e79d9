package pushws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// DefaultKeepAliveTimeout is how long a client waits for any message before it considers the
// connection dead. It covers two missed keep-alives.
const DefaultKeepAliveTimeout = 3 * DefaultKeepAliveInterval

// ConnectionError is returned by Dial when the server rejects connection_init.
type ConnectionError struct {
	ErrorPayload
}

func (e *ConnectionError) Error() string {
	if e.Code != "" {
		return "connection rejected: " + e.Code + ": " + e.Message
	}
	return "connection rejected: " + e.Message
}

// ClientConfig configures Dial.
type ClientConfig struct {
	URL   string
	Token string

	// Header is sent with the WebSocket handshake.
	Header http.Header

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// KeepAliveTimeout defaults to DefaultKeepAliveTimeout.
	KeepAliveTimeout time.Duration

	// HandleEvent is invoked on the client's read goroutine for each event. It must not block for
	// long.
	HandleEvent func(payload *EventPayload)
}

// Client is a client-side chat-push connection.
type Client struct {
	config ClientConfig
	conn   *websocket.Conn

	writeMutex sync.Mutex

	joinsMutex sync.Mutex
	joins      map[string][]chan struct{}

	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// Dial connects and completes the init handshake. It returns a *ConnectionError if the server
// rejects the connection.
func Dial(ctx context.Context, config ClientConfig) (*Client, error) {
	dialer := config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	d := *dialer
	d.Subprotocols = []string{Subprotocol}

	conn, _, err := d.DialContext(ctx, config.URL, config.Header)
	if err != nil {
		return nil, errors.Wrap(err, "unable to dial")
	}

	c := &Client{
		config: config,
		conn:   conn,
		joins:  map[string][]chan struct{}{},
		done:   make(chan struct{}),
	}
	if c.config.KeepAliveTimeout <= 0 {
		c.config.KeepAliveTimeout = DefaultKeepAliveTimeout
	}

	if err := c.init(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) init(ctx context.Context) error {
	payload, err := jsoniter.Marshal(InitPayload{
		Token: c.config.Token,
	})
	if err != nil {
		return errors.Wrap(err, "unable to marshal init payload")
	}
	if err := c.send(&Message{
		Type:    MessageTypeConnectionInit,
		Payload: payload,
	}); err != nil {
		return err
	}

	deadline := time.Now().Add(c.config.KeepAliveTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetReadDeadline(deadline)

	for {
		var msg Message
		if _, p, err := c.conn.ReadMessage(); err != nil {
			return errors.Wrap(err, "unable to read init response")
		} else if err := jsoniter.Unmarshal(p, &msg); err != nil {
			return errors.Wrap(err, "malformed init response")
		}
		switch msg.Type {
		case MessageTypeConnectionAck:
			return nil
		case MessageTypeConnectionError:
			ret := &ConnectionError{}
			if err := jsoniter.Unmarshal(msg.Payload, &ret.ErrorPayload); err != nil {
				ret.Message = "unknown error"
			}
			return ret
		}
	}
}

func (c *Client) send(msg *Message) error {
	data, err := jsoniter.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "error marshaling message")
	}
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "websocket write error")
	}
	return nil
}

// Join subscribes to a stream's rooms and waits for the server to confirm.
func (c *Client) Join(ctx context.Context, streamId string) error {
	confirmed := make(chan struct{})
	c.joinsMutex.Lock()
	c.joins[streamId] = append(c.joins[streamId], confirmed)
	c.joinsMutex.Unlock()

	if err := c.send(&Message{
		Id:   streamId,
		Type: MessageTypeJoin,
	}); err != nil {
		return err
	}

	select {
	case <-confirmed:
		return nil
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Leave unsubscribes from a stream's rooms.
func (c *Client) Leave(streamId string) error {
	return c.send(&Message{
		Id:   streamId,
		Type: MessageTypeLeave,
	})
}

// Done is closed when the connection is lost or closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended. It is nil until Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close terminates the session.
func (c *Client) Close() error {
	c.send(&Message{
		Type: MessageTypeConnectionTerminate,
	})
	c.writeMutex.Lock()
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMutex.Unlock()
	c.finish(nil)
	return nil
}

func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		c.conn.Close()
		close(c.done)
	})
}

func (c *Client) readLoop() {
	for {
		c.conn.SetReadDeadline(time.Now().Add(c.config.KeepAliveTimeout))
		_, p, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(errors.Wrap(err, "websocket read error"))
			return
		}

		var msg Message
		if err := jsoniter.Unmarshal(p, &msg); err != nil {
			// ignore malformed messages
			continue
		}

		switch msg.Type {
		case MessageTypeEvent:
			var payload EventPayload
			if err := jsoniter.Unmarshal(msg.Payload, &payload); err != nil {
				continue
			}
			if c.config.HandleEvent != nil {
				c.config.HandleEvent(&payload)
			}
		case MessageTypeJoined:
			c.joinsMutex.Lock()
			waiters := c.joins[msg.Id]
			delete(c.joins, msg.Id)
			c.joinsMutex.Unlock()
			for _, ch := range waiters {
				close(ch)
			}
		case MessageTypeConnectionTerminate:
			c.finish(errors.New("connection terminated by server"))
			return
		default:
			// keep-alives only extend the read deadline
		}
	}
}
