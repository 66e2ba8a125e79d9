package devserver

import (
	"time"

	"github.com/ccbrown/keyvaluestore"
	"github.com/vmihailenco/msgpack"

	"github.com/malikk908/chatstream/model"
)

// Store implements the persistence layer of the reference backend.
type Store struct {
	Backend keyvaluestore.Backend
}

type storedMessage struct {
	Id        string    `msgpack:"id"`
	MemberId  string    `msgpack:"member"`
	Body      string    `msgpack:"body"`
	FileURL   string    `msgpack:"file,omitempty"`
	CreatedAt time.Time `msgpack:"created"`
	UpdatedAt time.Time `msgpack:"updated"`
	Deleted   bool      `msgpack:"deleted,omitempty"`
}

func serialize(m *model.Message) (string, error) {
	stored := storedMessage{
		Id:        string(m.Id),
		MemberId:  string(m.MemberId),
		Body:      m.Body,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
		Deleted:   m.Deleted,
	}
	if m.Attachment != nil {
		stored.FileURL = m.Attachment.URL
	}
	b, err := msgpack.Marshal(&stored)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func deserialize(s string) (*model.Message, error) {
	var stored storedMessage
	if err := msgpack.Unmarshal([]byte(s), &stored); err != nil {
		return nil, err
	}
	return &model.Message{
		Id:         model.Id(stored.Id),
		MemberId:   model.Id(stored.MemberId),
		Body:       stored.Body,
		Attachment: model.AttachmentFromURL(stored.FileURL),
		CreatedAt:  stored.CreatedAt.UTC(),
		UpdatedAt:  stored.UpdatedAt.UTC(),
		Deleted:    stored.Deleted,
	}, nil
}

func messageKey(streamId, id model.Id) string {
	return "message:" + string(streamId) + ":" + string(id)
}

func messagesByStreamKey(streamId model.Id) string {
	return "messages_by_stream:" + string(streamId)
}

// AddMessage stores a new message and indexes it by creation time.
func (s *Store) AddMessage(streamId model.Id, message *model.Message) error {
	serialized, err := serialize(message)
	if err != nil {
		return err
	}

	tx := s.Backend.AtomicWrite()
	tx.Set(messageKey(streamId, message.Id), serialized)
	tx.ZAdd(messagesByStreamKey(streamId), string(message.Id), float64(message.CreatedAt.UnixNano()))
	tx.SAdd("streams", string(streamId))
	_, err = tx.Exec()
	return err
}

// UpdateMessage overwrites a stored message. The creation time must not change.
func (s *Store) UpdateMessage(streamId model.Id, message *model.Message) error {
	serialized, err := serialize(message)
	if err != nil {
		return err
	}

	tx := s.Backend.AtomicWrite()
	tx.Set(messageKey(streamId, message.Id), serialized)
	_, err = tx.Exec()
	return err
}

// GetMessage returns nil if the message doesn't exist.
func (s *Store) GetMessage(streamId, id model.Id) (*model.Message, error) {
	messages, err := s.GetMessagesByIds(streamId, id)
	if err != nil || len(messages) == 0 {
		return nil, err
	}
	return messages[0], nil
}

func (s *Store) GetMessagesByIds(streamId model.Id, ids ...model.Id) ([]*model.Message, error) {
	batch := s.Backend.Batch()
	gets := make([]keyvaluestore.GetResult, 0, len(ids))
	keys := map[string]struct{}{}
	for _, id := range ids {
		key := messageKey(streamId, id)
		if _, ok := keys[key]; !ok {
			gets = append(gets, batch.Get(key))
			keys[key] = struct{}{}
		}
	}
	if err := batch.Exec(); err != nil {
		return nil, err
	}

	ret := make([]*model.Message, 0, len(gets))
	for _, get := range gets {
		if v, _ := get.Result(); v != nil {
			m, err := deserialize(*v)
			if err != nil {
				return nil, err
			}
			ret = append(ret, m)
		}
	}
	return ret, nil
}

// GetMessagesByTimeRange gets messages for a stream created within an inclusive time range. If
// limit is non-zero, the returned messages will be limited to that number. If limit is negative,
// the returned messages will be the last messages in the range.
func (s *Store) GetMessagesByTimeRange(streamId model.Id, begin, end time.Time, limit int) ([]*model.Message, error) {
	zrange := s.Backend.ZRangeByScore
	if limit < 0 {
		zrange = s.Backend.ZRevRangeByScore
		limit = -limit
	}
	ids, err := zrange(messagesByStreamKey(streamId), float64(begin.UnixNano()), float64(end.UnixNano()), limit)
	if err != nil {
		return nil, err
	}
	messageIds := make([]model.Id, len(ids))
	for i, id := range ids {
		messageIds[i] = model.Id(id)
	}
	return s.GetMessagesByIds(streamId, messageIds...)
}

// GetStreamIds returns the ids of all streams with at least one message.
func (s *Store) GetStreamIds() ([]model.Id, error) {
	ids, err := s.Backend.SMembers("streams")
	if err != nil {
		return nil, err
	}
	ret := make([]model.Id, len(ids))
	for i, id := range ids {
		ret[i] = model.Id(id)
	}
	return ret, nil
}
