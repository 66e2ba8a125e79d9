package model

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// WireMessage is the JSON representation of a message used by the history endpoint, the mutation
// endpoints, and push events.
type WireMessage struct {
	Id        Id        `json:"id"`
	MemberId  Id        `json:"memberId,omitempty"`
	Content   string    `json:"content"`
	FileURL   *string   `json:"fileUrl"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Deleted   bool      `json:"deleted"`
}

// HistoryResponse is the body returned by the history endpoint.
type HistoryResponse struct {
	Items      []*WireMessage `json:"items"`
	NextCursor *string        `json:"nextCursor"`
}

// Message converts the wire representation and validates it.
func (w *WireMessage) Message() (*Message, error) {
	m := &Message{
		Id:        w.Id,
		MemberId:  w.MemberId,
		Body:      w.Content,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
		Deleted:   w.Deleted,
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	if w.FileURL != nil {
		m.Attachment = AttachmentFromURL(*w.FileURL)
	}
	if m.Deleted {
		m.Tombstone()
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func NewWireMessage(m *Message) *WireMessage {
	w := &WireMessage{
		Id:        m.Id,
		MemberId:  m.MemberId,
		Content:   m.Body,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
		Deleted:   m.Deleted,
	}
	if m.Attachment != nil {
		url := m.Attachment.URL
		w.FileURL = &url
	}
	return w
}

// DecodeMessage decodes and validates a single JSON message.
func DecodeMessage(data []byte) (*Message, error) {
	var w WireMessage
	if err := jsoniter.Unmarshal(data, &w); err != nil {
		return nil, errors.Wrap(err, "malformed message")
	}
	return w.Message()
}

// EncodeMessage encodes a message as JSON.
func EncodeMessage(m *Message) ([]byte, error) {
	return jsoniter.Marshal(NewWireMessage(m))
}
