package live

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/malikk908/chatstream/model"
	"github.com/malikk908/chatstream/pushws"
)

// WebSocketTransport connects to a chat-push server.
type WebSocketTransport struct {
	URL   string
	Token string

	Header http.Header
	Dialer *websocket.Dialer

	// KeepAliveTimeout defaults to pushws.DefaultKeepAliveTimeout.
	KeepAliveTimeout time.Duration

	Logger logrus.FieldLogger
}

var _ Transport = (*WebSocketTransport)(nil)

func (t *WebSocketTransport) Dial(ctx context.Context, deliver func(model.Event)) (Conn, error) {
	logger := t.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	client, err := pushws.Dial(ctx, pushws.ClientConfig{
		URL:              t.URL,
		Token:            t.Token,
		Header:           t.Header,
		Dialer:           t.Dialer,
		KeepAliveTimeout: t.KeepAliveTimeout,
		HandleEvent: func(payload *pushws.EventPayload) {
			event, err := payload.Event()
			if err != nil {
				logger.WithField("key", payload.Key).Warn(errors.Wrap(err, "discarding malformed event"))
				return
			}
			deliver(event)
		},
	})
	if err != nil {
		var connErr *pushws.ConnectionError
		if errors.As(err, &connErr) && connErr.Code == pushws.ErrorCodeUnauthorized {
			return nil, model.NewError(model.Unauthorized, "connect", err)
		}
		return nil, model.NewError(model.NetworkFailure, "connect", err)
	}
	return &webSocketConn{client}, nil
}

type webSocketConn struct {
	client *pushws.Client
}

func (c *webSocketConn) Join(ctx context.Context, streamId model.Id) error {
	return c.client.Join(ctx, string(streamId))
}

func (c *webSocketConn) Leave(ctx context.Context, streamId model.Id) error {
	return c.client.Leave(string(streamId))
}

func (c *webSocketConn) Done() <-chan struct{} {
	return c.client.Done()
}

func (c *webSocketConn) Err() error {
	return c.client.Err()
}

func (c *webSocketConn) Close() error {
	return c.client.Close()
}
