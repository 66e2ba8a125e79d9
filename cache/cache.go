// Package cache stores fetched history pages per stream.
//
// A Cache is not safe for concurrent writers. The merge package serializes all access to it.
package cache

import (
	"github.com/malikk908/chatstream/model"
)

type stream struct {
	// newest page first
	pages   []*model.Page
	anchors map[string]*model.Page
	index   map[model.Id]*model.Message
}

// Cache owns every message instance for the streams it holds.
type Cache struct {
	streams map[model.Id]*stream
}

func New() *Cache {
	return &Cache{
		streams: map[model.Id]*stream{},
	}
}

func (c *Cache) stream(streamId model.Id, create bool) *stream {
	s, ok := c.streams[streamId]
	if !ok && create {
		s = &stream{
			anchors: map[string]*model.Page{},
			index:   map[model.Id]*model.Message{},
		}
		c.streams[streamId] = s
	}
	return s
}

// Pages returns the stream's pages, newest page first. The returned pages must not be modified.
func (c *Cache) Pages(streamId model.Id) []*model.Page {
	if s := c.stream(streamId, false); s != nil {
		return append([]*model.Page(nil), s.pages...)
	}
	return nil
}

// HasPages returns true if at least one page has been stored for the stream.
func (c *Cache) HasPages(streamId model.Id) bool {
	s := c.stream(streamId, false)
	return s != nil && len(s.pages) > 0
}

// Lookup returns the cached message with the given id, or nil.
func (c *Cache) Lookup(streamId, id model.Id) *model.Message {
	if s := c.stream(streamId, false); s != nil {
		return s.index[id]
	}
	return nil
}

// Len returns the number of distinct messages cached for the stream.
func (c *Cache) Len(streamId model.Id) int {
	if s := c.stream(streamId, false); s != nil {
		return len(s.index)
	}
	return 0
}

// UpsertPage appends an older page to the stream. Items whose ids are already cached are left out
// of the stored page so that the first writer of a message wins.
//
// If a page with the same anchor already exists, the page is a refetch of it: items that aren't
// cached yet are added to the existing page and its more-available state is replaced. Upserting
// the same page again changes nothing. It returns true if the cache changed.
func (c *Cache) UpsertPage(streamId model.Id, page *model.Page) bool {
	s := c.stream(streamId, true)
	if existing, ok := s.anchors[page.Anchor]; ok {
		changed := s.addItems(existing, page.Items)
		if existing.HasMore != page.HasMore || existing.NextCursor != page.NextCursor {
			existing.HasMore = page.HasMore
			existing.NextCursor = page.NextCursor
			changed = true
		}
		return changed
	}

	stored := *page
	stored.Items = make([]*model.Message, 0, len(page.Items))
	s.addItems(&stored, page.Items)

	s.anchors[page.Anchor] = &stored
	s.pages = append(s.pages, &stored)
	return true
}

func (s *stream) addItems(page *model.Page, items []*model.Message) bool {
	added := false
	for _, m := range items {
		if _, ok := s.index[m.Id]; ok {
			continue
		}
		s.index[m.Id] = m
		page.Items = append(page.Items, m)
		added = true
	}
	return added
}

// ApplyEvent mutates the cache in place and returns true if anything changed.
//
// Created messages are placed at the head of the newest page. They are dropped if no page has been
// stored yet or if the id is already cached. Updates and deletions of unknown ids are no-ops.
// Updates older than the cached copy and updates to deleted messages are ignored.
func (c *Cache) ApplyEvent(streamId model.Id, event model.Event) bool {
	s := c.stream(streamId, false)
	if s == nil {
		return false
	}

	switch event.Kind {
	case model.EventKindCreated:
		if event.Message == nil || len(s.pages) == 0 {
			return false
		} else if _, ok := s.index[event.MessageId]; ok {
			return false
		}
		head := s.pages[0]
		head.Items = append([]*model.Message{event.Message}, head.Items...)
		s.index[event.MessageId] = event.Message
		return true
	case model.EventKindUpdated:
		existing, ok := s.index[event.MessageId]
		if !ok || event.Message == nil || existing.Deleted {
			return false
		} else if event.Message.Deleted {
			return tombstone(existing)
		} else if event.Message.UpdatedAt.Before(existing.UpdatedAt) {
			return false
		}
		changed := existing.Body != event.Message.Body || !existing.UpdatedAt.Equal(event.Message.UpdatedAt) || !sameAttachment(existing.Attachment, event.Message.Attachment)
		existing.Body = event.Message.Body
		existing.UpdatedAt = event.Message.UpdatedAt
		existing.Attachment = nil
		if a := event.Message.Attachment; a != nil {
			attachment := *a
			existing.Attachment = &attachment
		}
		return changed
	case model.EventKindDeleted:
		if existing, ok := s.index[event.MessageId]; ok {
			return tombstone(existing)
		}
	}
	return false
}

func tombstone(m *model.Message) bool {
	if m.Deleted {
		return false
	}
	m.Tombstone()
	return true
}

func sameAttachment(a, b *model.Attachment) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Forget drops everything cached for the stream.
func (c *Cache) Forget(streamId model.Id) {
	delete(c.streams, streamId)
}

// Streams returns the ids of all streams with cached state.
func (c *Cache) Streams() []model.Id {
	ret := make([]model.Id, 0, len(c.streams))
	for id := range c.streams {
		ret = append(ret, id)
	}
	return ret
}
