// Package pushws implements the chat-push WebSocket protocol, which delivers room-scoped message
// events to clients.
//
// A client opens the connection with connection_init and waits for connection_ack or
// connection_error. It then sends join and leave messages whose ids are stream ids. The server
// confirms each join with joined and delivers event messages for every joined room. The server
// sends ka keep-alives periodically. Either side may end the session with connection_terminate.
package pushws

import (
	"encoding/json"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/malikk908/chatstream/model"
)

// Subprotocol is negotiated during the WebSocket handshake.
const Subprotocol = "chat-push"

// MessageType represents a chat-push message type.
type MessageType string

// MessageType represents a chat-push message type.
const (
	MessageTypeConnectionInit      MessageType = "connection_init"
	MessageTypeConnectionAck       MessageType = "connection_ack"
	MessageTypeConnectionError     MessageType = "connection_error"
	MessageTypeConnectionKeepAlive MessageType = "ka"
	MessageTypeConnectionTerminate MessageType = "connection_terminate"
	MessageTypeJoin                MessageType = "join"
	MessageTypeJoined              MessageType = "joined"
	MessageTypeLeave               MessageType = "leave"
	MessageTypeEvent               MessageType = "event"
)

// Message represents a chat-push message. This can be used for both client and server messages.
type Message struct {
	Id      string          `json:"id,omitempty"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InitPayload is the payload of connection_init.
type InitPayload struct {
	Token string `json:"token,omitempty"`
}

// ErrorCodeUnauthorized is sent in a connection_error when the init token is rejected.
const ErrorCodeUnauthorized = "unauthorized"

// ErrorPayload is the payload of connection_error.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// EventPayload is the payload of event. Message is the JSON encoded message, or an object carrying
// only the id for deletions.
type EventPayload struct {
	Key     string          `json:"key"`
	Message json.RawMessage `json:"message"`
}

// CreatedKey is the room key on which new messages for the stream are announced.
func CreatedKey(streamId model.Id) string {
	return "chat:" + string(streamId) + ":messages"
}

// UpdatedKey is the room key on which edits and deletions for the stream are announced.
func UpdatedKey(streamId model.Id) string {
	return CreatedKey(streamId) + ":update"
}

// ParseKey returns the stream id of a room key and whether the key is an update key.
func ParseKey(key string) (streamId model.Id, update bool, ok bool) {
	if !strings.HasPrefix(key, "chat:") {
		return "", false, false
	}
	rest := strings.TrimPrefix(key, "chat:")
	if s := strings.TrimSuffix(rest, ":messages:update"); s != rest {
		return model.Id(s), true, s != ""
	} else if s := strings.TrimSuffix(rest, ":messages"); s != rest {
		return model.Id(s), false, s != ""
	}
	return "", false, false
}

// NewEventPayload encodes an event for delivery.
func NewEventPayload(event model.Event) (*EventPayload, error) {
	var message interface{}
	key := UpdatedKey(event.StreamId)
	switch event.Kind {
	case model.EventKindCreated:
		key = CreatedKey(event.StreamId)
		message = model.NewWireMessage(event.Message)
	case model.EventKindUpdated:
		message = model.NewWireMessage(event.Message)
	case model.EventKindDeleted:
		if event.Message != nil {
			m := event.Message.Clone()
			m.Tombstone()
			message = model.NewWireMessage(m)
		} else {
			message = struct {
				Id      model.Id `json:"id"`
				Deleted bool     `json:"deleted"`
			}{event.MessageId, true}
		}
	default:
		return nil, errors.Errorf("unknown event kind %v", event.Kind)
	}
	buf, err := jsoniter.Marshal(message)
	if err != nil {
		return nil, errors.Wrap(err, "unable to marshal event message")
	}
	return &EventPayload{
		Key:     key,
		Message: buf,
	}, nil
}

// Event decodes the payload. Messages on update keys become Deleted events if they're flagged as
// deleted or carry nothing but an id.
func (p *EventPayload) Event() (model.Event, error) {
	streamId, update, ok := ParseKey(p.Key)
	if !ok {
		return model.Event{}, errors.Errorf("unrecognized room key %q", p.Key)
	}

	var w model.WireMessage
	if err := jsoniter.Unmarshal(p.Message, &w); err != nil {
		return model.Event{}, errors.Wrap(err, "malformed event message")
	} else if w.Id == "" {
		return model.Event{}, errors.New("event message has no id")
	}

	if update && (w.Deleted || w.CreatedAt.IsZero()) {
		return model.Deleted(streamId, w.Id), nil
	}

	m, err := w.Message()
	if err != nil {
		return model.Event{}, err
	}
	if update {
		return model.Updated(streamId, m), nil
	}
	return model.Created(streamId, m), nil
}
