package devserver

import (
	"context"
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/malikk908/chatstream/live"
	"github.com/malikk908/chatstream/model"
	"github.com/malikk908/chatstream/pushws"
)

// Publisher is implemented by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

const eventSendTimeout = time.Second

// hub fans events out to the push connections that joined the event's stream.
type hub struct {
	server *Server

	mu          sync.Mutex
	connections map[*pushws.Connection]*pushHandler
	rooms       map[model.Id]map[*pushws.Connection]struct{}
}

func newHub(server *Server) *hub {
	return &hub{
		server:      server,
		connections: map[*pushws.Connection]*pushHandler{},
		rooms:       map[model.Id]map[*pushws.Connection]struct{}{},
	}
}

func (h *hub) join(connection *pushws.Connection, streamId model.Id) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.connections[connection]; !ok {
		return
	}
	room, ok := h.rooms[streamId]
	if !ok {
		room = map[*pushws.Connection]struct{}{}
		h.rooms[streamId] = room
	}
	room[connection] = struct{}{}
}

func (h *hub) leave(connection *pushws.Connection, streamId model.Id) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[streamId]; ok {
		delete(room, connection)
		if len(room) == 0 {
			delete(h.rooms, streamId)
		}
	}
}

func (h *hub) remove(connection *pushws.Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	handler, ok := h.connections[connection]
	if !ok {
		return
	}
	delete(h.connections, connection)
	for streamId := range handler.joined {
		if room, ok := h.rooms[streamId]; ok {
			delete(room, connection)
			if len(room) == 0 {
				delete(h.rooms, streamId)
			}
		}
	}
}

// publish delivers the event to every connection in the stream's room, and to the NATS publisher if
// one is configured.
func (h *hub) publish(event model.Event) {
	payload, err := pushws.NewEventPayload(event)
	if err != nil {
		h.server.logger.Error(errors.Wrap(err, "unable to encode event"))
		return
	}

	h.mu.Lock()
	room := h.rooms[event.StreamId]
	connections := make([]*pushws.Connection, 0, len(room))
	for connection := range room {
		connections = append(connections, connection)
	}
	h.mu.Unlock()

	for _, connection := range connections {
		ctx, cancel := context.WithTimeout(context.Background(), eventSendTimeout)
		if err := connection.SendEvent(ctx, payload); err != nil {
			h.server.logger.WithField("stream", event.StreamId).Warn(errors.Wrap(err, "unable to send event"))
		}
		cancel()
	}

	if publisher := h.server.config.NATS; publisher != nil {
		subject := live.NATSSubject(event.StreamId, event.Kind != model.EventKindCreated)
		if err := publisher.Publish(subject, payload.Message); err != nil {
			h.server.logger.WithField("subject", subject).Error(errors.Wrap(err, "unable to publish event"))
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	connections := make([]*pushws.Connection, 0, len(h.connections))
	for connection := range h.connections {
		connections = append(connections, connection)
	}
	h.mu.Unlock()

	for _, connection := range connections {
		if err := connection.Close(); err != nil {
			h.server.logger.Error(errors.Wrap(err, "error closing connection"))
		}
	}
}

type pushHandler struct {
	hub        *hub
	connection *pushws.Connection
	logger     logrus.FieldLogger
	limiter    *rate.Limiter
	joined     map[model.Id]struct{}
}

var _ pushws.ConnectionHandler = (*pushHandler)(nil)

func (h *pushHandler) HandleInit(payload pushws.InitPayload) error {
	if token := h.hub.server.config.Token; token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(payload.Token)) != 1 {
		return &pushws.InitError{
			Code:    pushws.ErrorCodeUnauthorized,
			Message: "Invalid token.",
		}
	}
	return nil
}

func (h *pushHandler) HandleJoin(streamId string) error {
	if !h.limiter.Allow() {
		return errors.New("join rate exceeded")
	}
	h.joined[model.Id(streamId)] = struct{}{}
	h.hub.join(h.connection, model.Id(streamId))
	return nil
}

func (h *pushHandler) HandleLeave(streamId string) {
	delete(h.joined, model.Id(streamId))
	h.hub.leave(h.connection, model.Id(streamId))
}

func (h *pushHandler) LogError(err error) {
	h.logger.Error(err)
}

func (h *pushHandler) Cancel() {}

func (h *pushHandler) HandleClose() {
	h.hub.remove(h.connection)
	h.hub.server.config.Metrics.PushDisconnected()
}

// ServePush serves a chat-push WebSocket connection. This method hijacks connections. To gracefully
// close them, use Close.
func (s *Server) ServePush(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "not a websocket upgrade", http.StatusBadRequest)
		return
	}

	var upgrader = websocket.Upgrader{
		CheckOrigin:       s.config.WebSocketOriginCheck,
		EnableCompression: true,
		Subprotocols:      []string{pushws.Subprotocol},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already responded
		return
	}

	connection := &pushws.Connection{
		KeepAliveInterval: s.config.KeepAliveInterval,
	}
	handler := &pushHandler{
		hub:        s.hub,
		connection: connection,
		logger:     s.logger.WithField("remote", r.RemoteAddr),
		limiter:    rate.NewLimiter(s.config.JoinRate, s.config.JoinBurst),
		joined:     map[model.Id]struct{}{},
	}
	connection.Handler = handler

	s.config.Metrics.PushConnected()

	// the connection must be serving before closeAll can see it
	s.hub.mu.Lock()
	s.hub.connections[connection] = handler
	connection.Serve(conn)
	s.hub.mu.Unlock()
}
