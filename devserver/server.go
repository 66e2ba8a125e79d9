// Package devserver is a reference backend for the chat stream protocol. It serves paginated
// history, accepts mutations, and announces them to chat-push clients and optionally to NATS. It's
// used for local development and integration tests.
package devserver

import (
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ccbrown/keyvaluestore"
	"github.com/ccbrown/keyvaluestore/memorystore"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/malikk908/chatstream/metrics"
	"github.com/malikk908/chatstream/model"
	"github.com/malikk908/chatstream/pagination"
)

const (
	DefaultPageSize  = 10
	DefaultJoinRate  = rate.Limit(20)
	DefaultJoinBurst = 40

	// HistoryPath, MutationPath, and PushPath are the routes served by the server.
	HistoryPath  = "/api/messages"
	MutationPath = "/api/socket/messages"
	PushPath     = "/api/socket/push"
	MetricsPath  = "/metrics"
)

type Config struct {
	// Backend defaults to a new in-memory backend.
	Backend keyvaluestore.Backend

	// If non-empty, requests must carry this bearer token and push clients must send it in their
	// init payload.
	Token string

	// PageSize defaults to DefaultPageSize.
	PageSize int

	// Now defaults to time.Now.
	Now func() time.Time

	// If given, events are also published to NATS subjects.
	NATS Publisher

	// JoinRate and JoinBurst limit how quickly a push connection may join rooms.
	JoinRate  rate.Limit
	JoinBurst int

	KeepAliveInterval    time.Duration
	WebSocketOriginCheck func(r *http.Request) bool

	// If given, the collectors are served at MetricsPath.
	Gatherer prometheus.Gatherer

	Metrics *metrics.Metrics
	Logger  logrus.FieldLogger
}

type Server struct {
	config  Config
	logger  logrus.FieldLogger
	store   *Store
	hub     *hub
	handler http.Handler
}

func NewServer(cfg *Config) *Server {
	config := *cfg
	if config.Backend == nil {
		config.Backend = memorystore.NewBackend()
	}
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.JoinRate <= 0 {
		config.JoinRate = DefaultJoinRate
	}
	if config.JoinBurst <= 0 {
		config.JoinBurst = DefaultJoinBurst
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}

	s := &Server{
		config: config,
		logger: config.Logger,
		store: &Store{
			Backend: config.Backend,
		},
	}
	s.hub = newHub(s)

	router := mux.NewRouter()
	router.HandleFunc(HistoryPath, s.authenticated(s.serveHistory)).Methods(http.MethodGet)
	router.HandleFunc(MutationPath, s.authenticated(s.serveCreate)).Methods(http.MethodPost)
	router.HandleFunc(MutationPath+"/{messageId}", s.authenticated(s.serveEdit)).Methods(http.MethodPatch)
	router.HandleFunc(MutationPath+"/{messageId}", s.authenticated(s.serveDelete)).Methods(http.MethodDelete)
	router.HandleFunc(PushPath, s.ServePush)
	if config.Gatherer != nil {
		router.Handle(MetricsPath, promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{}))
	}

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "HEAD", "PATCH", "POST", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)
	s.handler = cors(router)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close closes push connections hijacked by ServePush.
func (s *Server) Close() {
	s.hub.closeAll()
}

func (s *Server) now() time.Time {
	return s.config.Now().UTC()
}

type messageEdge struct {
	message *model.Message
}

func (e messageEdge) Cursor() pagination.MessageCursor {
	return pagination.NewMessageCursor(e.message.CreatedAt, string(e.message.Id))
}

// History returns one page of a stream's messages, newest first, older than the given cursor. The
// returned cursor is empty if there are no older messages.
func (s *Server) History(stream model.Stream, cursor string) ([]*model.Message, string, error) {
	var before *pagination.MessageCursor
	if cursor != "" {
		var c pagination.MessageCursor
		if err := pagination.DeserializeCursor(cursor, &c); err != nil {
			return nil, "", userError("Invalid cursor.")
		}
		before = &c
	}

	page, nextCursor, err := pagination.Older(before, s.config.PageSize, func(q pagination.RangeQuery) ([]messageEdge, error) {
		messages, err := s.store.GetMessagesByTimeRange(stream.Id, q.MinTime, q.MaxTime, -q.Limit)
		if err != nil {
			return nil, err
		}
		edges := make([]messageEdge, len(messages))
		for i, m := range messages {
			edges[i] = messageEdge{m}
		}
		return edges, nil
	})
	if err != nil {
		return nil, "", s.internalError(err)
	}

	items := make([]*model.Message, len(page))
	for i, edge := range page {
		items[i] = edge.message
	}

	var next string
	if nextCursor != nil {
		serialized, err := pagination.SerializeCursor(*nextCursor)
		if err != nil {
			return nil, "", s.internalError(err)
		}
		next = serialized
	}
	return items, next, nil
}

// CreateMessage stores a new message and announces it.
func (s *Server) CreateMessage(stream model.Stream, memberId model.Id, content, fileURL string) (*model.Message, error) {
	if strings.TrimSpace(content) == "" && fileURL == "" {
		return nil, userError("Content or a file is required.")
	}

	now := s.now()
	message := &model.Message{
		Id:         model.Id(uuid.NewString()),
		MemberId:   memberId,
		Body:       content,
		Attachment: model.AttachmentFromURL(fileURL),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.AddMessage(stream.Id, message); err != nil {
		return nil, s.internalError(err)
	}

	s.hub.publish(model.Created(stream.Id, message))
	return message, nil
}

func (s *Server) getMessage(stream model.Stream, id model.Id) (*model.Message, error) {
	message, err := s.store.GetMessage(stream.Id, id)
	if err != nil {
		return nil, s.internalError(err)
	} else if message == nil {
		return nil, notFoundError("Message not found.")
	}
	return message, nil
}

func (s *Server) touch(message *model.Message) {
	message.UpdatedAt = s.now()
	if message.UpdatedAt.Before(message.CreatedAt) {
		message.UpdatedAt = message.CreatedAt
	}
}

// EditMessage replaces a message's content and announces the edit.
func (s *Server) EditMessage(stream model.Stream, id model.Id, content string) (*model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, userError("Content is required.")
	}

	message, err := s.getMessage(stream, id)
	if err != nil {
		return nil, err
	} else if message.Deleted {
		return nil, userError("Deleted messages can't be edited.")
	}

	message.Body = content
	s.touch(message)
	if err := s.store.UpdateMessage(stream.Id, message); err != nil {
		return nil, s.internalError(err)
	}

	s.hub.publish(model.Updated(stream.Id, message))
	return message, nil
}

// DeleteMessage soft-deletes a message and announces the deletion. Deleting a deleted message is a
// no-op.
func (s *Server) DeleteMessage(stream model.Stream, id model.Id) (*model.Message, error) {
	message, err := s.getMessage(stream, id)
	if err != nil {
		return nil, err
	} else if message.Deleted {
		return message, nil
	}

	message.Tombstone()
	s.touch(message)
	if err := s.store.UpdateMessage(stream.Id, message); err != nil {
		return nil, s.internalError(err)
	}

	event := model.Deleted(stream.Id, message.Id)
	event.Message = message
	s.hub.publish(event)
	return message, nil
}

func (s *Server) authenticated(f http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.Token != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.Token)) != 1 {
				s.writeError(w, &UserError{message: "Invalid token.", status: http.StatusUnauthorized})
				return
			}
		}
		f(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	body, err := jsoniter.Marshal(v)
	if err != nil {
		s.writeError(w, s.internalError(errors.Wrap(err, "unable to marshal response")))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var sanitized SanitizedError
	if !errors.As(err, &sanitized) {
		sanitized = s.internalError(err)
	}
	body, _ := jsoniter.Marshal(struct {
		Error string `json:"error"`
	}{sanitized.SanitizedError()})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(sanitized.StatusCode())
	w.Write(body)
}

func (s *Server) requestStream(r *http.Request) (model.Stream, error) {
	stream, err := model.StreamFromQuery(r.URL.Query())
	if err != nil {
		return model.Stream{}, userError("A channelId or conversationId is required.")
	}
	return stream, nil
}

func (s *Server) serveHistory(w http.ResponseWriter, r *http.Request) {
	stream, err := s.requestStream(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	items, next, err := s.History(stream, r.URL.Query().Get("cursor"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := model.HistoryResponse{
		Items: make([]*model.WireMessage, len(items)),
	}
	for i, m := range items {
		resp.Items[i] = model.NewWireMessage(m)
	}
	if next != "" {
		resp.NextCursor = &next
	}
	s.writeJSON(w, &resp)
}

type mutationRequest struct {
	Content string `json:"content"`
	FileURL string `json:"fileUrl"`
}

func (s *Server) readMutation(r *http.Request) (*mutationRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, userError("Unable to read request body.")
	}
	var req mutationRequest
	if err := jsoniter.Unmarshal(body, &req); err != nil {
		return nil, userError("Malformed request body.")
	}
	return &req, nil
}

func (s *Server) serveCreate(w http.ResponseWriter, r *http.Request) {
	stream, err := s.requestStream(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	req, err := s.readMutation(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	memberId := model.Id(r.Header.Get("X-Member-Id"))
	if memberId == "" {
		memberId = "anonymous"
	}

	message, err := s.CreateMessage(stream, memberId, req.Content, req.FileURL)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, model.NewWireMessage(message))
}

func (s *Server) serveEdit(w http.ResponseWriter, r *http.Request) {
	stream, err := s.requestStream(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	req, err := s.readMutation(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	message, err := s.EditMessage(stream, model.Id(mux.Vars(r)["messageId"]), req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, model.NewWireMessage(message))
}

func (s *Server) serveDelete(w http.ResponseWriter, r *http.Request) {
	stream, err := s.requestStream(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	message, err := s.DeleteMessage(stream, model.Id(mux.Vars(r)["messageId"]))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, model.NewWireMessage(message))
}
