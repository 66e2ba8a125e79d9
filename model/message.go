package model

import (
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Id is an opaque identifier. Message ids are unique within a stream.
type Id string

// TombstoneBody replaces the body of a soft-deleted message.
const TombstoneBody = "This message has been deleted."

// DisplayTimeLayout is the layout used when rendering message timestamps.
const DisplayTimeLayout = "2 Jan 2006, 15:04"

type AttachmentKind string

const (
	AttachmentKindImage    AttachmentKind = "image"
	AttachmentKindDocument AttachmentKind = "document"
	AttachmentKindOther    AttachmentKind = "other"
)

var imageExtensions = map[string]struct{}{
	"png": {}, "jpg": {}, "jpeg": {}, "gif": {}, "webp": {}, "svg": {}, "bmp": {}, "avif": {},
}

// Attachment is a reference to an uploaded file. The core never dereferences the URL.
type Attachment struct {
	URL  string
	Kind AttachmentKind
}

// AttachmentFromURL returns an attachment for the given URL, or nil if the URL is empty. The kind
// is derived from the file extension.
func AttachmentFromURL(url string) *Attachment {
	if url == "" {
		return nil
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(url), "."))
	if i := strings.IndexAny(ext, "?#"); i >= 0 {
		ext = ext[:i]
	}
	kind := AttachmentKindOther
	if ext == "pdf" {
		kind = AttachmentKindDocument
	} else if _, ok := imageExtensions[ext]; ok {
		kind = AttachmentKindImage
	}
	return &Attachment{
		URL:  url,
		Kind: kind,
	}
}

// Message is a single chat message.
type Message struct {
	Id       Id
	MemberId Id

	Body       string
	Attachment *Attachment

	CreatedAt time.Time
	UpdatedAt time.Time
	Deleted   bool
}

// IsUpdated returns true if the message has been modified since it was created.
func (m *Message) IsUpdated() bool {
	return !m.UpdatedAt.Equal(m.CreatedAt)
}

// Validate checks the message's invariants.
func (m *Message) Validate() error {
	if m.Id == "" {
		return errors.New("message id is required")
	} else if m.CreatedAt.IsZero() {
		return errors.Errorf("message %v has no creation time", m.Id)
	} else if m.UpdatedAt.Before(m.CreatedAt) {
		return errors.Errorf("message %v was modified before it was created", m.Id)
	} else if m.Body == "" && m.Attachment == nil && !m.Deleted {
		return errors.Errorf("message %v has neither a body nor an attachment", m.Id)
	}
	return nil
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	ret := *m
	if m.Attachment != nil {
		attachment := *m.Attachment
		ret.Attachment = &attachment
	}
	return &ret
}

// Tombstone soft-deletes the message in place. The id and timestamps are retained.
func (m *Message) Tombstone() {
	m.Deleted = true
	m.Body = TombstoneBody
	m.Attachment = nil
}

// DisplayBody is the text that should be rendered for the message.
func (m *Message) DisplayBody() string {
	if m.Deleted {
		return TombstoneBody
	}
	return m.Body
}

// DisplayTime formats the message's creation time for display.
func (m *Message) DisplayTime(loc *time.Location) string {
	t := m.CreatedAt
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(DisplayTimeLayout)
}

// Before reports whether m is ordered before other in a stream view: newer messages come first and
// messages created at the same instant are ordered by descending id.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.After(other.CreatedAt)
	}
	return m.Id > other.Id
}
