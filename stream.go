package chatstream

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/malikk908/chatstream/history"
	"github.com/malikk908/chatstream/live"
	"github.com/malikk908/chatstream/merge"
	"github.com/malikk908/chatstream/model"
	"github.com/malikk908/chatstream/mutation"
	"github.com/malikk908/chatstream/scroll"
)

// ErrNoMutations is returned by mutations if the client has no mutation endpoint.
var ErrNoMutations = errors.New("no mutation url configured")

// Update is delivered whenever a stream's view changes.
type Update struct {
	View merge.View

	// StickToBottom is true if the viewport should scroll to the newest message.
	StickToBottom bool

	// Err is the most recent history or push error, or nil once the stream recovers.
	Err error
}

// Stream is an open message stream. Its methods are safe for concurrent use.
type Stream struct {
	client *Client
	stream model.Stream
	logger logrus.FieldLogger

	scroll       *scroll.Controller
	subscription *live.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	events   chan model.Event
	results  chan history.Result
	liveErrs chan error
	commands chan func()
	updates  chan Update

	closeOnce sync.Once

	// owned by the loop
	itemCount int

	errMutex   sync.Mutex
	historyErr error
	liveErr    error
}

func newStream(client *Client, stream model.Stream) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		client:   client,
		stream:   stream,
		logger:   client.logger.WithField("stream", stream.Id),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		events:   make(chan model.Event),
		results:  make(chan history.Result),
		liveErrs: make(chan error, 1),
		commands: make(chan func()),
		updates:  make(chan Update, 1),
	}
	s.scroll = scroll.NewController(&scroll.Config{
		LoadMore: func() {
			s.LoadOlder()
		},
		InFlight: func() bool {
			return client.loader.InFlight(stream.Id)
		},
		HasMore: func() bool {
			return client.loader.HasMore(stream.Id)
		},
		Threshold: client.config.ScrollThreshold,
	})
	return s
}

func (s *Stream) start() {
	s.subscription = s.client.channel.Subscribe(s.stream.Id)
	go s.pump()
	go s.loop()

	if !s.client.merger.Loaded(s.stream.Id) {
		s.LoadOlder()
	}
}

// Stream returns the stream's identity.
func (s *Stream) Stream() model.Stream {
	return s.stream
}

// pump moves live events into the loop.
func (s *Stream) pump() {
	for event := range s.subscription.All(s.ctx) {
		select {
		case s.events <- event:
		case <-s.ctx.Done():
			return
		}
	}
	if err := s.subscription.Err(); err != nil {
		s.liveErrs <- err
	}
}

func (s *Stream) loop() {
	defer close(s.done)

	if s.client.merger.Loaded(s.stream.Id) {
		s.publish()
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-s.events:
			s.client.merger.OnEvent(s.stream.Id, event)
			s.publish()
		case r := <-s.results:
			s.applyResult(r)
			s.publish()
		case err := <-s.liveErrs:
			s.logger.Error(errors.Wrap(err, "live updates ended"))
			s.errMutex.Lock()
			s.liveErr = err
			s.errMutex.Unlock()
			s.publish()
		case f := <-s.commands:
			f()
		}
	}
}

func (s *Stream) applyResult(r history.Result) {
	if r.Err != nil {
		if errors.Is(r.Err, history.ErrExhausted) {
			return
		}
		s.logger.Warn(errors.Wrap(r.Err, "unable to load history"))
		s.setHistoryErr(r.Err)
		return
	}
	s.client.merger.OnPageLoaded(s.stream.Id, r.Page)
	s.setHistoryErr(nil)
}

func (s *Stream) setHistoryErr(err error) {
	s.errMutex.Lock()
	defer s.errMutex.Unlock()
	s.historyErr = err
}

// Err returns the error that ended live updates, if any, or else the error of the most recent
// history fetch.
func (s *Stream) Err() error {
	s.errMutex.Lock()
	defer s.errMutex.Unlock()
	if s.liveErr != nil {
		return s.liveErr
	}
	return s.historyErr
}

// publish replaces any undelivered update with the current view. It must only be called from the
// loop.
func (s *Stream) publish() {
	view := s.client.merger.View(s.stream.Id)
	delta := len(view.Items) - s.itemCount
	s.itemCount = len(view.Items)
	update := Update{
		View:          view,
		StickToBottom: s.scroll.OnViewUpdated(delta),
		Err:           s.Err(),
	}
	select {
	case <-s.updates:
	default:
	}
	s.updates <- update
}

// Updates delivers the latest view after every change. Only the most recent undelivered update is
// kept. The channel is never closed.
func (s *Stream) Updates() <-chan Update {
	return s.updates
}

// View returns the current view.
func (s *Stream) View() merge.View {
	return s.client.merger.View(s.stream.Id)
}

// do runs f on the loop, or directly if the loop has stopped.
func (s *Stream) do(f func()) {
	ran := make(chan struct{})
	select {
	case s.commands <- func() {
		defer close(ran)
		f()
	}:
		<-ran
	case <-s.done:
		f()
	}
}

// LoadOlder starts fetching the next older page unless a fetch is already in flight or history is
// exhausted. It returns true if a fetch was started.
func (s *Stream) LoadOlder() bool {
	loader := s.client.loader
	if loader.InFlight(s.stream.Id) || !loader.HasMore(s.stream.Id) {
		return false
	}
	result := loader.Start(s.stream)
	go func() {
		r := <-result
		select {
		case s.results <- r:
		case <-s.done:
			// the cursor has already advanced, so the page must not be lost
			if r.Err == nil {
				s.client.merger.OnPageLoaded(s.stream.Id, r.Page)
			}
		}
	}()
	return true
}

// Retry re-arms history loading after a failure or after history was exhausted, and fetches again.
// Once exhausted, the oldest page is requested again and anything the server has added since is
// merged into it.
func (s *Stream) Retry() bool {
	s.client.loader.Retry(s.stream.Id)
	return s.LoadOlder()
}

// HasMore reports whether older history may exist.
func (s *Stream) HasMore() bool {
	return s.client.loader.HasMore(s.stream.Id)
}

// Loading reports whether a history fetch is in flight.
func (s *Stream) Loading() bool {
	return s.client.loader.InFlight(s.stream.Id)
}

// OnScroll reports the viewport's distance from the top of the loaded content. It returns true if
// older history was requested.
func (s *Stream) OnScroll(distanceFromTop float64) bool {
	return s.scroll.OnScrollPositionChanged(distanceFromTop)
}

// OnScrollBottom reports the viewport's distance from the bottom of the loaded content.
func (s *Stream) OnScrollBottom(distanceFromBottom float64) {
	s.scroll.OnBottomDistanceChanged(distanceFromBottom)
}

func (s *Stream) mutations() (*mutation.Client, error) {
	if s.client.config.mutations == nil {
		return nil, ErrNoMutations
	}
	return s.client.config.mutations, nil
}

// Send creates a message. The new message is applied as soon as the server accepts it; the push
// event that follows is de-duplicated.
func (s *Stream) Send(ctx context.Context, draft mutation.Draft) (*model.Message, error) {
	mutations, err := s.mutations()
	if err != nil {
		return nil, err
	}
	m, err := mutations.Send(ctx, s.stream, draft)
	if err != nil {
		return nil, err
	} else if m != nil {
		s.apply(model.Created(s.stream.Id, m))
	}
	return m, nil
}

// Edit replaces a message's body. The edit is shown immediately and reverted if the server rejects
// it. If the message no longer exists, it's shown as deleted.
func (s *Stream) Edit(ctx context.Context, id model.Id, body string) error {
	mutations, err := s.mutations()
	if err != nil {
		return err
	}
	s.do(func() {
		if s.client.merger.ApplyLocalEdit(s.stream.Id, id, body) {
			s.publishIfOpen()
		}
	})
	m, err := mutations.Edit(ctx, s.stream, id, body)
	s.settle(id, m, err, model.EventKindUpdated)
	return err
}

// Delete soft-deletes a message. The deletion is shown immediately and reverted if the server
// rejects it.
func (s *Stream) Delete(ctx context.Context, id model.Id) error {
	mutations, err := s.mutations()
	if err != nil {
		return err
	}
	s.do(func() {
		if s.client.merger.ApplyLocalDelete(s.stream.Id, id) {
			s.publishIfOpen()
		}
	})
	m, err := mutations.Delete(ctx, s.stream, id)
	s.settle(id, m, err, model.EventKindDeleted)
	return err
}

func (s *Stream) settle(id model.Id, m *model.Message, err error, kind model.EventKind) {
	switch {
	case err == nil && kind == model.EventKindDeleted:
		s.apply(model.Deleted(s.stream.Id, id))
	case err == nil:
		// without a body the push event confirms the edit
		if m != nil {
			s.apply(model.Updated(s.stream.Id, m))
		}
	case model.KindOf(err) == model.NotFound:
		s.apply(model.Deleted(s.stream.Id, id))
	default:
		s.do(func() {
			s.client.merger.RevertLocal(s.stream.Id, id)
			s.publishIfOpen()
		})
	}
}

// apply merges an event confirmed by a mutation response.
func (s *Stream) apply(event model.Event) {
	s.do(func() {
		s.client.merger.OnEvent(s.stream.Id, event)
		s.publishIfOpen()
	})
}

func (s *Stream) publishIfOpen() {
	select {
	case <-s.done:
	default:
		s.publish()
	}
}

// Close stops the stream's loop and releases its push subscription. Loaded history is kept.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.subscription.Close()
		s.client.release(s)
	})
}
