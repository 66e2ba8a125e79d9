// Package merge applies history pages and live events to a page cache and materializes ordered,
// de-duplicated stream views.
package merge

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/malikk908/chatstream/cache"
	"github.com/malikk908/chatstream/model"
)

const defaultMaxOverlays = 1024

// Config configures a Merger. The zero value is usable.
type Config struct {
	Logger logrus.FieldLogger

	// MaxOverlays bounds the number of updates and deletions remembered per stream for messages
	// that haven't been loaded yet. The oldest overlays are evicted first. Defaults to 1024.
	MaxOverlays int

	// OnEventApplied is invoked after each event with whether the event changed the cache, was
	// buffered, or was ignored. It is invoked with the merger's lock held and must not call back
	// into the merger.
	OnEventApplied func(kind model.EventKind, outcome Outcome)

	// Now stamps provisional edits. Defaults to time.Now.
	Now func() time.Time
}

// Outcome describes what happened to an event.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeBuffered Outcome = "buffered"
	OutcomeIgnored  Outcome = "ignored"
)

type overlay struct {
	event   model.Event
	element *list.Element
}

type streamState struct {
	// events received before the first page was loaded, in arrival order
	buffered []model.Event

	// updates and deletions of ids that aren't cached yet
	overlays     map[model.Id]*overlay
	overlayOrder *list.List

	// optimistic local edits, keyed by message id
	provisional map[model.Id]*model.Message
}

// Merger is the single writer of its cache. All methods are safe for concurrent use, but callers
// are expected to invoke OnPageLoaded and OnEvent from a single loop so that arrival order is
// preserved.
type Merger struct {
	config Config
	logger logrus.FieldLogger

	mu      sync.Mutex
	cache   *cache.Cache
	streams map[model.Id]*streamState
}

func New(cfg *Config) *Merger {
	config := Config{}
	if cfg != nil {
		config = *cfg
	}
	if config.MaxOverlays <= 0 {
		config.MaxOverlays = defaultMaxOverlays
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Merger{
		config:  config,
		logger:  logger,
		cache:   cache.New(),
		streams: map[model.Id]*streamState{},
	}
}

func (m *Merger) state(streamId model.Id) *streamState {
	s, ok := m.streams[streamId]
	if !ok {
		s = &streamState{
			overlays:     map[model.Id]*overlay{},
			overlayOrder: list.New(),
			provisional:  map[model.Id]*model.Message{},
		}
		m.streams[streamId] = s
	}
	return s
}

// Loaded returns true if at least one page has been applied to the stream.
func (m *Merger) Loaded(streamId model.Id) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.HasPages(streamId)
}

// OnPageLoaded inserts a history page, or merges a refetch of a page that was already loaded.
// Messages that are already cached are left untouched, since the cached copy may carry newer live
// updates. The first page load releases any buffered events.
func (m *Merger) OnPageLoaded(streamId model.Id, page *model.Page) {
	m.mu.Lock()
	defer m.mu.Unlock()

	first := !m.cache.HasPages(streamId)

	owned := *page
	owned.Items = make([]*model.Message, len(page.Items))
	for i, item := range page.Items {
		owned.Items[i] = item.Clone()
	}
	if !m.cache.UpsertPage(streamId, &owned) {
		m.logger.WithFields(logrus.Fields{
			"stream": streamId,
			"anchor": page.Anchor,
		}).Debug("page didn't change anything")
		return
	}

	s := m.state(streamId)
	for _, item := range owned.Items {
		if cached := m.cache.Lookup(streamId, item.Id); cached != nil {
			m.applyOverlay(streamId, s, cached)
		}
	}

	if first && len(s.buffered) > 0 {
		buffered := s.buffered
		s.buffered = nil
		for _, event := range buffered {
			m.applyEvent(streamId, s, event)
		}
	}
}

// OnEvent applies a live event. Events are tolerated in any order relative to page loads and may
// be delivered more than once.
func (m *Merger) OnEvent(streamId model.Id, event model.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.Message != nil {
		event.Message = event.Message.Clone()
	}

	s := m.state(streamId)
	if !m.cache.HasPages(streamId) {
		s.buffered = append(s.buffered, event)
		m.report(event.Kind, OutcomeBuffered)
		return
	}
	m.applyEvent(streamId, s, event)
}

func (m *Merger) applyEvent(streamId model.Id, s *streamState, event model.Event) {
	if event.Kind == model.EventKindUpdated || event.Kind == model.EventKindDeleted {
		// the authoritative event replaces any local echo
		delete(s.provisional, event.MessageId)
	}

	if m.cache.ApplyEvent(streamId, event) {
		if event.Kind == model.EventKindCreated {
			if cached := m.cache.Lookup(streamId, event.MessageId); cached != nil {
				m.applyOverlay(streamId, s, cached)
			}
		}
		m.report(event.Kind, OutcomeApplied)
		return
	}

	if event.Kind != model.EventKindCreated && m.cache.Lookup(streamId, event.MessageId) == nil {
		m.addOverlay(s, event)
		m.report(event.Kind, OutcomeBuffered)
		return
	}
	m.report(event.Kind, OutcomeIgnored)
}

// applyOverlay applies and discards the overlay for a message that just entered the cache. Updates
// older than the cached copy are discarded without being applied.
func (m *Merger) applyOverlay(streamId model.Id, s *streamState, cached *model.Message) {
	o, ok := s.overlays[cached.Id]
	if !ok {
		return
	}
	m.removeOverlay(s, cached.Id)
	if o.event.Kind == model.EventKindDeleted || o.event.Message.Deleted || !o.event.Message.UpdatedAt.Before(cached.UpdatedAt) {
		m.cache.ApplyEvent(streamId, o.event)
	}
}

func (m *Merger) report(kind model.EventKind, outcome Outcome) {
	if m.config.OnEventApplied != nil {
		m.config.OnEventApplied(kind, outcome)
	}
}

func (m *Merger) addOverlay(s *streamState, event model.Event) {
	if existing, ok := s.overlays[event.MessageId]; ok {
		prev := existing.event
		if prev.Kind == model.EventKindDeleted || prev.Message.Deleted {
			return
		} else if event.Kind == model.EventKindUpdated && !event.Message.Deleted && event.Message.UpdatedAt.Before(prev.Message.UpdatedAt) {
			return
		}
		existing.event = event
		return
	}
	for s.overlayOrder.Len() >= m.config.MaxOverlays {
		oldest := s.overlayOrder.Front()
		m.removeOverlay(s, oldest.Value.(model.Id))
	}
	s.overlays[event.MessageId] = &overlay{
		event:   event,
		element: s.overlayOrder.PushBack(event.MessageId),
	}
}

func (m *Merger) removeOverlay(s *streamState, id model.Id) {
	if o, ok := s.overlays[id]; ok {
		s.overlayOrder.Remove(o.element)
		delete(s.overlays, id)
	}
}

// ApplyLocalEdit overlays a provisional body on a cached message until the matching Updated or
// Deleted event arrives or RevertLocal is called. It returns false if the message isn't cached or
// has been deleted.
func (m *Merger) ApplyLocalEdit(streamId, id model.Id, body string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.cache.Lookup(streamId, id)
	if existing == nil || existing.Deleted {
		return false
	}
	provisional := existing.Clone()
	provisional.Body = body
	if now := m.config.Now(); now.After(provisional.UpdatedAt) {
		provisional.UpdatedAt = now
	}
	m.state(streamId).provisional[id] = provisional
	return true
}

// ApplyLocalDelete overlays a provisional tombstone on a cached message.
func (m *Merger) ApplyLocalDelete(streamId, id model.Id) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.cache.Lookup(streamId, id)
	if existing == nil || existing.Deleted {
		return false
	}
	provisional := existing.Clone()
	provisional.Tombstone()
	m.state(streamId).provisional[id] = provisional
	return true
}

// RevertLocal discards a provisional overlay, e.g. after the mutation request failed.
func (m *Merger) RevertLocal(streamId, id model.Id) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.streams[streamId]; ok {
		delete(s.provisional, id)
	}
}

// Forget drops all state for the stream.
func (m *Merger) Forget(streamId model.Id) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache.Forget(streamId)
	delete(m.streams, streamId)
}

// Item is a single message in a view.
type Item struct {
	model.Message

	// Pending is true if a local edit or deletion hasn't been confirmed by the server yet.
	Pending bool
}

// View is an immutable snapshot of a stream.
type View struct {
	StreamId model.Id

	// Items are ordered newest-first.
	Items []Item

	// Loaded is true once at least one page has been applied.
	Loaded bool

	// HasMore reports whether the oldest loaded page indicated more history.
	HasMore bool
}

// Index returns the position of the message with the given id, or -1.
func (v View) Index(id model.Id) int {
	for i, item := range v.Items {
		if item.Id == id {
			return i
		}
	}
	return -1
}

// View materializes the stream. It is a pure function of the current state: the same state always
// yields the same view.
func (m *Merger) View(streamId model.Id) View {
	m.mu.Lock()
	defer m.mu.Unlock()

	view := View{
		StreamId: streamId,
	}

	pages := m.cache.Pages(streamId)
	if len(pages) == 0 {
		return view
	}
	view.Loaded = true
	view.HasMore = pages[len(pages)-1].HasMore

	var provisional map[model.Id]*model.Message
	if s, ok := m.streams[streamId]; ok {
		provisional = s.provisional
	}

	seen := map[model.Id]struct{}{}
	for _, page := range pages {
		for _, msg := range page.Items {
			if _, ok := seen[msg.Id]; ok {
				continue
			}
			seen[msg.Id] = struct{}{}
			item := Item{
				Message: *msg.Clone(),
			}
			if p, ok := provisional[msg.Id]; ok {
				item.Message = *p.Clone()
				item.Pending = true
			}
			view.Items = append(view.Items, item)
		}
	}

	sort.Slice(view.Items, func(i, j int) bool {
		return view.Items[i].Message.Before(&view.Items[j].Message)
	})
	return view
}
