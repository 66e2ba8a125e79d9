package model

import "fmt"

// EventKind selects which variant of Event is populated.
type EventKind int

const (
	EventKindCreated EventKind = iota + 1
	EventKindUpdated
	EventKindDeleted
)

func (k EventKind) String() string {
	switch k {
	case EventKindCreated:
		return "created"
	case EventKindUpdated:
		return "updated"
	case EventKindDeleted:
		return "deleted"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is a live mutation of a stream. Created and Updated events carry the full message. Deleted
// events only need MessageId.
type Event struct {
	Kind      EventKind
	StreamId  Id
	MessageId Id
	Message   *Message
}

func Created(streamId Id, m *Message) Event {
	return Event{
		Kind:      EventKindCreated,
		StreamId:  streamId,
		MessageId: m.Id,
		Message:   m,
	}
}

func Updated(streamId Id, m *Message) Event {
	return Event{
		Kind:      EventKindUpdated,
		StreamId:  streamId,
		MessageId: m.Id,
		Message:   m,
	}
}

func Deleted(streamId, messageId Id) Event {
	return Event{
		Kind:      EventKindDeleted,
		StreamId:  streamId,
		MessageId: messageId,
	}
}
