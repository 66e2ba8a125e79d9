package pagination

import (
	"encoding/base64"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

// MessageCursor orders messages by creation time, then by id. It marks the oldest message of a page
// and is handed to clients as an opaque string.
type MessageCursor struct {
	UnixNano int64  `msgpack:"t"`
	Id       string `msgpack:"i"`
}

func NewMessageCursor(t time.Time, id string) MessageCursor {
	return MessageCursor{
		UnixNano: t.UnixNano(),
		Id:       id,
	}
}

func (c MessageCursor) LessThan(other MessageCursor) bool {
	if c.UnixNano != other.UnixNano {
		return c.UnixNano < other.UnixNano
	}
	return c.Id < other.Id
}

func (c MessageCursor) Time() time.Time {
	return time.Unix(0, c.UnixNano)
}

// SerializeCursor encodes a cursor as an opaque, URL-safe string.
func SerializeCursor(cursor interface{}) (string, error) {
	b, err := msgpack.Marshal(cursor)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DeserializeCursor decodes a cursor produced by SerializeCursor into dest.
func DeserializeCursor(s string, dest interface{}) error {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return errors.Wrap(err, "malformed cursor")
	}
	if err := msgpack.Unmarshal(b, dest); err != nil {
		return errors.Wrap(err, "malformed cursor")
	}
	return nil
}
