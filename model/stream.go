package model

import (
	"net/url"

	"github.com/pkg/errors"
)

type StreamKind string

const (
	StreamKindChannel      StreamKind = "channel"
	StreamKindConversation StreamKind = "conversation"
)

// Stream identifies one ordered conversation.
type Stream struct {
	Kind StreamKind
	Id   Id
}

// Channel returns a stream for a server channel.
func Channel(id Id) Stream {
	return Stream{Kind: StreamKindChannel, Id: id}
}

// Conversation returns a stream for a direct conversation between two members.
func Conversation(id Id) Stream {
	return Stream{Kind: StreamKindConversation, Id: id}
}

// ParamKey is the query parameter that scopes history and mutation requests to the stream.
func (s Stream) ParamKey() string {
	if s.Kind == StreamKindConversation {
		return "conversationId"
	}
	return "channelId"
}

// Query returns the room-scope query for the stream.
func (s Stream) Query() url.Values {
	return url.Values{
		s.ParamKey(): []string{string(s.Id)},
	}
}

func (s Stream) Validate() error {
	if s.Id == "" {
		return errors.New("stream id is required")
	}
	switch s.Kind {
	case StreamKindChannel, StreamKindConversation:
		return nil
	}
	return errors.Errorf("unknown stream kind %q", s.Kind)
}

// StreamFromQuery parses the room-scope query produced by Query.
func StreamFromQuery(q url.Values) (Stream, error) {
	if id := q.Get("conversationId"); id != "" {
		return Conversation(Id(id)), nil
	} else if id := q.Get("channelId"); id != "" {
		return Channel(Id(id)), nil
	}
	return Stream{}, errors.New("a channelId or conversationId is required")
}

// Page is one fetched unit of history.
type Page struct {
	// Items are ordered newest-first.
	Items []*Message

	// Anchor is the cursor the page was requested with. It is empty for the newest page and
	// identifies the page within a stream's cache.
	Anchor string

	// NextCursor is the exclusive upper bound for the next (older) page. It is empty if the server
	// reported no more history.
	NextCursor string

	HasMore bool
}

// Oldest returns the oldest message in the page, or nil if the page is empty.
func (p *Page) Oldest() *Message {
	if len(p.Items) == 0 {
		return nil
	}
	return p.Items[len(p.Items)-1]
}
