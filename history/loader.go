// Package history pages backward through a stream's history.
package history

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/malikk908/chatstream/metrics"
	"github.com/malikk908/chatstream/model"
)

const (
	DefaultPageSize     = 10
	DefaultFetchTimeout = 10 * time.Second
)

// ErrExhausted is returned once the server has reported that no older history exists. The loader
// makes no further requests for the stream until Retry or SetAnchor is called.
var ErrExhausted = errors.New("no more history")

// Fetcher retrieves one page of history. The cursor is empty for the newest page. Implementations
// only need to populate the page's Items and NextCursor.
type Fetcher interface {
	FetchPage(ctx context.Context, stream model.Stream, cursor string) (*model.Page, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, stream model.Stream, cursor string) (*model.Page, error)

func (f FetcherFunc) FetchPage(ctx context.Context, stream model.Stream, cursor string) (*model.Page, error) {
	return f(ctx, stream, cursor)
}

type Config struct {
	Fetcher Fetcher

	// PageSize is the number of items the server returns per page. A page with fewer items
	// terminates pagination. Defaults to 10.
	PageSize int

	// FetchTimeout bounds each request. Fetches are detached from their callers' contexts so that
	// a caller giving up doesn't fail the request for others sharing it. Defaults to 10 seconds.
	FetchTimeout time.Duration

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

type streamState struct {
	cursor    string
	exhausted bool
	inFlight  bool

	// incremented for every fetch and whenever the cursor is reset
	generation int
}

// Result is delivered by Start.
type Result struct {
	Page *model.Page
	Err  error
}

// Loader tracks the backward cursor of each stream and ensures at most one request per stream is in
// flight. It never touches the cache: pages are handed back to the caller.
type Loader struct {
	config Config
	logger logrus.FieldLogger

	group singleflight.Group

	mu      sync.Mutex
	streams map[model.Id]*streamState
}

func NewLoader(cfg *Config) *Loader {
	config := *cfg
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = DefaultFetchTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Loader{
		config:  config,
		logger:  logger,
		streams: map[model.Id]*streamState{},
	}
}

func (l *Loader) state(streamId model.Id) *streamState {
	s, ok := l.streams[streamId]
	if !ok {
		s = &streamState{}
		l.streams[streamId] = s
	}
	return s
}

// Start begins fetching the next older page, or joins the fetch that is already in flight. The
// in-flight state is registered before Start returns. The returned channel receives exactly one
// result.
func (l *Loader) Start(stream model.Stream) <-chan Result {
	ret := make(chan Result, 1)

	l.mu.Lock()
	s := l.state(stream.Id)
	if s.exhausted && !s.inFlight {
		l.mu.Unlock()
		ret <- Result{Err: ErrExhausted}
		return ret
	}
	if !s.inFlight {
		s.inFlight = true
		s.generation++
	}
	key := string(stream.Id) + "/" + strconv.Itoa(s.generation)
	cursor := s.cursor
	generation := s.generation
	l.mu.Unlock()

	ch := l.group.DoChan(key, func() (interface{}, error) {
		return l.fetch(stream, s, generation, cursor)
	})
	go func() {
		r := <-ch
		page, _ := r.Val.(*model.Page)
		ret <- Result{Page: page, Err: r.Err}
	}()
	return ret
}

// FetchNext fetches the next older page. If ctx is done first, ctx's error is returned but the
// fetch continues and its result is still recorded.
func (l *Loader) FetchNext(ctx context.Context, stream model.Stream) (*model.Page, error) {
	select {
	case r := <-l.Start(stream):
		return r.Page, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Loader) fetch(stream model.Stream, s *streamState, generation int, cursor string) (*model.Page, error) {
	logger := l.logger.WithFields(logrus.Fields{
		"stream": stream.Id,
		"cursor": cursor,
	})

	ctx, cancel := context.WithTimeout(context.Background(), l.config.FetchTimeout)
	defer cancel()

	start := time.Now()
	page, err := l.config.Fetcher.FetchPage(ctx, stream, cursor)
	elapsed := time.Since(start)

	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.streams[stream.Id] == s && s.generation == generation
	if current {
		s.inFlight = false
	}

	if err != nil {
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			outcome = "timeout"
		}
		l.config.Metrics.RecordFetch(outcome, elapsed)
		if model.KindOf(err) == 0 {
			err = model.NewError(model.NetworkFailure, "fetch history", err)
		}
		logger.WithError(err).Warn("history fetch failed")
		return nil, err
	}
	l.config.Metrics.RecordFetch("success", elapsed)

	if page == nil {
		page = &model.Page{}
	}
	ret := &model.Page{
		Items:      page.Items,
		Anchor:     cursor,
		NextCursor: page.NextCursor,
		HasMore:    len(page.Items) >= l.config.PageSize && page.NextCursor != "",
	}
	if !ret.HasMore {
		ret.NextCursor = ""
	}

	if current {
		// an exhausted stream keeps its last cursor so that Retry resumes from the oldest page
		if page.NextCursor != "" {
			s.cursor = page.NextCursor
		}
		s.exhausted = !ret.HasMore
	} else {
		logger.Debug("discarding cursor of superseded fetch")
	}
	logger.WithField("items", len(ret.Items)).Debug("fetched history page")
	return ret, nil
}

// InFlight returns true if a fetch for the stream is outstanding.
func (l *Loader) InFlight(streamId model.Id) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[streamId]
	return ok && s.inFlight
}

// HasMore returns false once the server has reported the end of the stream's history.
func (l *Loader) HasMore(streamId model.Id) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[streamId]
	return !ok || !s.exhausted
}

// Retry re-arms a stream whose history was exhausted so that the next fetch goes to the network. The
// fetch requests the oldest page again, since its cursor is the last one the server handed out.
func (l *Loader) Retry(streamId model.Id) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.streams[streamId]; ok {
		s.exhausted = false
	}
}

// SetAnchor seeds the stream's cursor, e.g. to jump to an older message. Any fetch in flight keeps
// running but no longer advances the cursor.
func (l *Loader) SetAnchor(streamId model.Id, cursor string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.state(streamId)
	s.cursor = cursor
	s.exhausted = false
	s.inFlight = false
	s.generation++
}

// Forget drops the stream's cursor state.
func (l *Loader) Forget(streamId model.Id) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.streams, streamId)
}
