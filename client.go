// Package chatstream keeps a chat client's view of message streams in sync with the server. It
// merges paginated history with live push events into ordered, de-duplicated views.
//
// A Client owns the shared state: the page cache, the history cursors, and the push connection.
// Each open Stream runs a single loop that applies history pages, live events, and local edits in
// arrival order.
package chatstream

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/malikk908/chatstream/history"
	"github.com/malikk908/chatstream/live"
	"github.com/malikk908/chatstream/merge"
	"github.com/malikk908/chatstream/model"
)

// ErrStreamOpen is returned by Open if the stream is already open.
var ErrStreamOpen = errors.New("stream is already open")

type Client struct {
	config *Config
	logger logrus.FieldLogger

	loader  *history.Loader
	channel *live.Channel
	merger  *merge.Merger

	mu      sync.Mutex
	streams map[model.Id]*Stream
	closed  bool
}

func NewClient(cfg *Config) (*Client, error) {
	if err := cfg.init(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	onStateChange := cfg.OnStateChange
	return &Client{
		config: cfg,
		logger: logger,
		loader: history.NewLoader(&history.Config{
			Fetcher:      cfg.fetcher,
			PageSize:     cfg.PageSize,
			FetchTimeout: cfg.FetchTimeout,
			Logger:       logger,
			Metrics:      cfg.Metrics,
		}),
		channel: live.NewChannel(&live.Config{
			Transport:  cfg.transport,
			NewBackOff: cfg.NewBackOff,
			OnStateChange: func(state live.State) {
				logger.WithField("state", state).Debug("push channel state changed")
				if onStateChange != nil {
					onStateChange(state)
				}
			},
			Logger:  logger,
			Metrics: cfg.Metrics,
		}),
		merger: merge.New(&merge.Config{
			Logger:      logger,
			MaxOverlays: cfg.MaxOverlays,
			OnEventApplied: func(kind model.EventKind, outcome merge.Outcome) {
				cfg.Metrics.RecordMerge(kind.String(), string(outcome))
			},
		}),
		streams: map[model.Id]*Stream{},
	}, nil
}

// Open subscribes to the stream's live events and, unless history was loaded by an earlier Open,
// fetches the newest page. Closing the stream keeps what was loaded, so reopening it doesn't
// refetch.
func (c *Client) Open(stream model.Stream) (*Stream, error) {
	if err := stream.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, live.ErrClosed
	} else if _, ok := c.streams[stream.Id]; ok {
		return nil, ErrStreamOpen
	}

	s := newStream(c, stream)
	c.streams[stream.Id] = s
	c.config.Metrics.StreamOpened()
	s.start()
	return s, nil
}

func (c *Client) release(s *Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streams[s.stream.Id] == s {
		delete(c.streams, s.stream.Id)
		c.config.Metrics.StreamClosed()
	}
}

// Forget closes the stream if it's open and drops everything loaded for it.
func (c *Client) Forget(streamId model.Id) {
	c.mu.Lock()
	s := c.streams[streamId]
	c.mu.Unlock()
	if s != nil {
		s.Close()
	}
	c.loader.Forget(streamId)
	c.merger.Forget(streamId)
}

// State returns the push channel's state.
func (c *Client) State() live.State {
	return c.channel.State()
}

// Close closes every open stream and the push connection.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
	c.channel.Close()
}
