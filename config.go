package chatstream

import (
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/malikk908/chatstream/history"
	"github.com/malikk908/chatstream/live"
	"github.com/malikk908/chatstream/metrics"
	"github.com/malikk908/chatstream/mutation"
)

// Config defines the endpoints and other parameters for a Client.
type Config struct {
	Logger logrus.FieldLogger

	// HistoryURL is the history endpoint. It's ignored if Fetcher is given.
	HistoryURL string

	// MutationURL is the endpoint messages are created at. Edits and deletions go to
	// MutationURL/<id>. If empty, mutations fail.
	MutationURL string

	// PushURL is the chat-push WebSocket endpoint. It's ignored if Transport is given.
	PushURL string

	// Token, if non-empty, authenticates every request and push connection.
	Token string

	// HTTPClient is used for history and mutation requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// If given, these replace the HTTP history fetcher and the WebSocket push transport, e.g. with
	// a live.NATSTransport.
	Fetcher   history.Fetcher
	Transport live.Transport

	// PageSize is the server's history page size. Defaults to history.DefaultPageSize.
	PageSize int

	// FetchTimeout bounds each history request. Defaults to history.DefaultFetchTimeout.
	FetchTimeout time.Duration

	// NewBackOff creates the push channel's reconnection policy. Defaults to live.NewBackOff.
	NewBackOff func() backoff.BackOff

	// MaxOverlays bounds remembered updates for messages that aren't loaded yet, per stream.
	MaxOverlays int

	// ScrollThreshold is the distance from the top at which Stream.OnScroll requests older
	// history.
	ScrollThreshold float64

	// OnStateChange, if given, is invoked for each push channel state transition.
	OnStateChange func(live.State)

	// Metrics, if given, receives instrumentation from every component.
	Metrics *metrics.Metrics

	initOnce  sync.Once
	initErr   error
	fetcher   history.Fetcher
	transport live.Transport
	mutations *mutation.Client
}

func (cfg *Config) init() error {
	cfg.initOnce.Do(func() {
		cfg.fetcher = cfg.Fetcher
		if cfg.fetcher == nil {
			if cfg.HistoryURL == "" {
				cfg.initErr = errors.New("a history url or fetcher is required")
				return
			}
			cfg.fetcher = &history.HTTPFetcher{
				URL:    cfg.HistoryURL,
				Token:  cfg.Token,
				Client: cfg.HTTPClient,
			}
		}

		cfg.transport = cfg.Transport
		if cfg.transport == nil {
			if cfg.PushURL == "" {
				cfg.initErr = errors.New("a push url or transport is required")
				return
			}
			cfg.transport = &live.WebSocketTransport{
				URL:    cfg.PushURL,
				Token:  cfg.Token,
				Logger: cfg.Logger,
			}
		}

		if cfg.MutationURL != "" {
			cfg.mutations = &mutation.Client{
				URL:        cfg.MutationURL,
				Token:      cfg.Token,
				HTTPClient: cfg.HTTPClient,
				Logger:     cfg.Logger,
			}
		}
	})
	return cfg.initErr
}
