package pushws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// DefaultKeepAliveInterval is how often the server sends ka messages.
const DefaultKeepAliveInterval = 15 * time.Second

// Connection represents a server-side chat-push connection.
type Connection struct {
	Handler ConnectionHandler

	// KeepAliveInterval defaults to DefaultKeepAliveInterval.
	KeepAliveInterval time.Duration

	conn              *websocket.Conn
	readLoopDone      chan struct{}
	writeLoopDone     chan struct{}
	outgoing          chan *websocket.PreparedMessage
	close             chan struct{}
	closeReceived     chan struct{}
	closeMessage      chan []byte
	beginClosingOnce  sync.Once
	finishClosingOnce sync.Once
	didInit           bool
}

// ConnectionHandler methods may be invoked on a separate goroutine, but invocations will never be
// made concurrently.
type ConnectionHandler interface {
	// Called when the server receives the init message. If an error is returned, it will be sent to
	// the client and the connection will be closed. Errors of type *InitError carry their code to
	// the client.
	HandleInit(payload InitPayload) error

	// Called when the client wants to receive a stream's events. If an error is returned, the join
	// is not confirmed.
	HandleJoin(streamId string) error

	// Called when the client no longer wants a stream's events.
	HandleLeave(streamId string)

	// Called when an unexpected error occurs. The connection will perform the appropriate response,
	// but you may want to log it.
	LogError(err error)

	// Called when the connection begins closing.
	Cancel()

	// Called when the connection is closed.
	HandleClose()
}

// InitError rejects a connection_init.
type InitError struct {
	Code    string
	Message string
}

func (e *InitError) Error() string {
	return e.Message
}

const connectionSendBufferSize = 100

// Serve takes ownership of the given connection and begins reading / writing to it.
func (c *Connection) Serve(conn *websocket.Conn) {
	c.conn = conn
	c.readLoopDone = make(chan struct{})
	c.writeLoopDone = make(chan struct{})
	c.outgoing = make(chan *websocket.PreparedMessage, connectionSendBufferSize)
	c.close = make(chan struct{})
	c.closeReceived = make(chan struct{})
	c.closeMessage = make(chan []byte, 1)
	conn.SetCloseHandler(func(code int, text string) error {
		select {
		case <-c.closeReceived:
		default:
			close(c.closeReceived)
		}
		return nil
	})
	go c.readLoop()
	go c.writeLoop()
}

// SendEvent delivers an event to the client.
func (c *Connection) SendEvent(ctx context.Context, payload *EventPayload) error {
	buf, err := jsoniter.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "unable to marshal event payload")
	}
	return c.sendMessage(ctx, &Message{
		Type:    MessageTypeEvent,
		Payload: json.RawMessage(buf),
	})
}

// Close closes the connection. This must not be called from handler functions.
func (c *Connection) Close() error {
	c.beginClosing(websocket.CloseNormalClosure, "close requested by application")
	c.finishClosing()
	return nil
}

func (c *Connection) sendMessage(ctx context.Context, msg *Message) error {
	data, err := jsoniter.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "error marshaling message")
	}
	prepared, err := websocket.NewPreparedMessage(websocket.TextMessage, data)
	if err != nil {
		return errors.Wrap(err, "error preparing message")
	}
	select {
	case c.outgoing <- prepared:
	case <-c.close:
		return errors.New("connection is closing")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Connection) readLoop() {
	defer close(c.readLoopDone)
	defer c.beginClosing(websocket.CloseInternalServerErr, "read error")

	for {
		_, p, err := c.conn.ReadMessage()
		if err != nil {
			if _, ok := err.(*websocket.CloseError); !ok {
				select {
				case <-c.close:
				default:
					c.Handler.LogError(errors.Wrap(err, "websocket read error"))
				}
			}
			return
		}

		c.handleMessage(context.Background(), p)
	}
}

func (c *Connection) handleMessage(ctx context.Context, data []byte) {
	var msg Message
	if err := jsoniter.Unmarshal(data, &msg); err != nil {
		// ignore malformed messages
		return
	}

	switch msg.Type {
	case MessageTypeConnectionInit:
		var payload InitPayload
		if len(msg.Payload) > 0 {
			if err := jsoniter.Unmarshal(msg.Payload, &payload); err != nil {
				c.rejectInit(ctx, &InitError{Message: "malformed init payload"})
				return
			}
		}
		if err := c.Handler.HandleInit(payload); err != nil {
			c.rejectInit(ctx, err)
			return
		}

		c.didInit = true
		if err := c.sendMessage(ctx, &Message{
			Type: MessageTypeConnectionAck,
		}); err != nil {
			c.Handler.LogError(errors.Wrap(err, "unable to send chat-push connection ack"))
			c.beginClosing(websocket.CloseInternalServerErr, "ack send error")
		} else if err := c.sendMessage(ctx, &Message{
			Type: MessageTypeConnectionKeepAlive,
		}); err != nil {
			c.Handler.LogError(errors.Wrap(err, "unable to send chat-push initial keep-alive"))
			c.beginClosing(websocket.CloseInternalServerErr, "keep-alive send error")
		}
	case MessageTypeJoin:
		if !c.didInit || msg.Id == "" {
			return
		}
		if err := c.Handler.HandleJoin(msg.Id); err != nil {
			c.Handler.LogError(errors.Wrapf(err, "unable to join %v", msg.Id))
			return
		}
		if err := c.sendMessage(ctx, &Message{
			Id:   msg.Id,
			Type: MessageTypeJoined,
		}); err != nil {
			c.Handler.LogError(errors.Wrap(err, "unable to send chat-push join confirmation"))
		}
	case MessageTypeLeave:
		if !c.didInit || msg.Id == "" {
			return
		}
		c.Handler.HandleLeave(msg.Id)
	case MessageTypeConnectionTerminate:
		c.beginClosing(websocket.CloseNormalClosure, "terminate requested by client")
	default:
		// ignore unknown message types
	}
}

func (c *Connection) rejectInit(ctx context.Context, err error) {
	payload := ErrorPayload{
		Message: err.Error(),
	}
	var initErr *InitError
	if errors.As(err, &initErr) {
		payload.Code = initErr.Code
	}
	if buf, err := jsoniter.Marshal(payload); err != nil {
		c.Handler.LogError(errors.Wrap(err, "unable to marshal chat-push connection error payload"))
	} else if err := c.sendMessage(ctx, &Message{
		Type:    MessageTypeConnectionError,
		Payload: buf,
	}); err != nil {
		c.Handler.LogError(errors.Wrap(err, "unable to send chat-push connection error"))
	}
	c.beginClosing(websocket.ClosePolicyViolation, "connection init error")
}

var keepAlivePreparedMessage *websocket.PreparedMessage

func init() {
	data, err := jsoniter.Marshal(&Message{
		Type: MessageTypeConnectionKeepAlive,
	})
	if err != nil {
		panic(errors.Wrap(err, "error marshaling message"))
	}
	prepared, err := websocket.NewPreparedMessage(websocket.TextMessage, data)
	if err != nil {
		panic(errors.Wrap(err, "error preparing message"))
	}
	keepAlivePreparedMessage = prepared
}

func (c *Connection) writeLoop() {
	defer c.finishClosing()
	defer close(c.writeLoopDone)

	defer c.conn.Close()

	interval := c.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	keepAliveTicker := time.NewTicker(interval)
	defer keepAliveTicker.Stop()

	for {
		var msg *websocket.PreparedMessage
		select {
		case outgoing := <-c.outgoing:
			msg = outgoing
		case <-keepAliveTicker.C:
			msg = keepAlivePreparedMessage
		case msg := <-c.closeMessage:
			// flush what's queued first so that e.g. a connection_error reaches the client
			for done := false; !done; {
				select {
				case msg := <-c.outgoing:
					c.conn.SetWriteDeadline(time.Now().Add(time.Second))
					if err := c.conn.WritePreparedMessage(msg); err != nil {
						if !websocket.IsCloseError(err, websocket.CloseAbnormalClosure, websocket.CloseGoingAway) && err != websocket.ErrCloseSent {
							c.Handler.LogError(errors.Wrap(err, "websocket write error"))
						}
						done = true
					}
				default:
					done = true
				}
			}

			// initiate the close handshake
			if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
				c.Handler.LogError(errors.Wrap(err, "websocket control write error"))
			}
			// wait for the response, then close the connection
			select {
			case <-c.closeReceived:
			case <-c.readLoopDone:
			case <-time.After(time.Second):
			}
			return
		case <-c.closeReceived:
			// the client initiated the close handshake
			if err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "close requested by client")); err != nil {
				c.Handler.LogError(errors.Wrap(err, "websocket control write error"))
			}
			return
		}

		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))

		if err := c.conn.WritePreparedMessage(msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseAbnormalClosure, websocket.CloseGoingAway) && err != websocket.ErrCloseSent {
				c.Handler.LogError(errors.Wrap(err, "websocket write error"))
			}
			return
		}
	}
}

func (c *Connection) beginClosing(code int, text string) {
	c.beginClosingOnce.Do(func() {
		c.closeMessage <- websocket.FormatCloseMessage(code, text)
		close(c.close)
		c.Handler.Cancel()
	})
}

func (c *Connection) finishClosing() {
	<-c.readLoopDone
	<-c.writeLoopDone
	invokeHandler := false
	c.finishClosingOnce.Do(func() {
		invokeHandler = true
	})
	if invokeHandler {
		c.Handler.HandleClose()
	}
}
