package chatstream

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malikk908/chatstream/devserver"
	"github.com/malikk908/chatstream/history"
	"github.com/malikk908/chatstream/live"
	"github.com/malikk908/chatstream/metrics"
	"github.com/malikk908/chatstream/model"
	"github.com/malikk908/chatstream/mutation"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type testEnv struct {
	server     *devserver.Server
	httpServer *httptest.Server
	fetches    int64
	metrics    *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	env := &testEnv{
		server: devserver.NewServer(&devserver.Config{
			Now: (&testClock{now: time.Date(2023, time.October, 3, 12, 0, 0, 0, time.UTC)}).Now,
		}),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	env.httpServer = httptest.NewServer(env.server)
	t.Cleanup(func() {
		env.server.Close()
		env.httpServer.Close()
	})
	return env
}

func (env *testEnv) config() *Config {
	fetcher := &history.HTTPFetcher{
		URL: env.httpServer.URL + devserver.HistoryPath,
	}
	return &Config{
		Fetcher: history.FetcherFunc(func(ctx context.Context, stream model.Stream, cursor string) (*model.Page, error) {
			atomic.AddInt64(&env.fetches, 1)
			return fetcher.FetchPage(ctx, stream, cursor)
		}),
		MutationURL: env.httpServer.URL + devserver.MutationPath,
		PushURL:     "ws" + strings.TrimPrefix(env.httpServer.URL, "http") + devserver.PushPath,
		NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(10 * time.Millisecond)
		},
		Metrics: env.metrics,
	}
}

func (env *testEnv) newClient(t *testing.T) *Client {
	client, err := NewClient(env.config())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func (env *testEnv) createMessages(t *testing.T, stream model.Stream, n int) []*model.Message {
	ret := make([]*model.Message, n)
	for i := range ret {
		m, err := env.server.CreateMessage(stream, "alice", fmt.Sprintf("message %d", i), "")
		require.NoError(t, err)
		ret[i] = m
	}
	return ret
}

func waitForUpdate(t *testing.T, s *Stream, cond func(Update) bool) Update {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u := <-s.Updates():
			if cond(u) {
				return u
			}
		case <-timeout:
			require.FailNow(t, "timed out waiting for update", "view: %+v", s.View())
			return Update{}
		}
	}
}

func itemCount(n int) func(Update) bool {
	return func(u Update) bool {
		return u.View.Loaded && len(u.View.Items) == n
	}
}

func waitForJoin(t *testing.T, client *Client) {
	require.Eventually(t, func() bool {
		return client.State() == live.Joined
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(&Config{
		PushURL: "ws://127.0.0.1:1",
	})
	assert.Error(t, err)

	_, err = NewClient(&Config{
		HistoryURL: "http://127.0.0.1:1",
	})
	assert.Error(t, err)
}

func TestClient_Pagination(t *testing.T) {
	env := newTestEnv(t)
	stream := model.Channel("general")
	created := env.createMessages(t, stream, 25)

	client := env.newClient(t)
	s, err := client.Open(stream)
	require.NoError(t, err)

	u := waitForUpdate(t, s, itemCount(10))
	assert.True(t, u.View.HasMore)
	assert.True(t, u.StickToBottom)
	assert.Equal(t, created[24].Id, u.View.Items[0].Id)

	// scrolled to the top, far from the bottom
	s.OnScrollBottom(500)
	require.Eventually(t, func() bool { return !s.Loading() }, time.Second, time.Millisecond)
	assert.True(t, s.OnScroll(0))
	assert.False(t, s.OnScroll(0))
	u = waitForUpdate(t, s, itemCount(20))
	assert.False(t, u.StickToBottom)

	require.Eventually(t, func() bool { return !s.Loading() }, time.Second, time.Millisecond)
	assert.False(t, s.OnScroll(300))
	assert.True(t, s.OnScroll(0))
	u = waitForUpdate(t, s, itemCount(25))
	assert.False(t, u.View.HasMore)
	assert.False(t, u.StickToBottom)
	assert.Equal(t, created[0].Id, u.View.Items[24].Id)

	require.Eventually(t, func() bool { return !s.Loading() }, time.Second, time.Millisecond)
	assert.False(t, s.HasMore())
	assert.False(t, s.OnScroll(0))
	assert.EqualValues(t, 3, atomic.LoadInt64(&env.fetches))

	for i := 1; i < len(u.View.Items); i++ {
		assert.True(t, u.View.Items[i-1].Before(&u.View.Items[i].Message))
	}

	t.Run("Reopen", func(t *testing.T) {
		_, err := client.Open(stream)
		assert.Equal(t, ErrStreamOpen, err)

		s.Close()
		s, err := client.Open(stream)
		require.NoError(t, err)
		defer s.Close()

		u := waitForUpdate(t, s, itemCount(25))
		assert.True(t, u.StickToBottom)
		assert.EqualValues(t, 3, atomic.LoadInt64(&env.fetches))
	})

	t.Run("Forget", func(t *testing.T) {
		client.Forget(stream.Id)
		s, err := client.Open(stream)
		require.NoError(t, err)
		defer s.Close()

		waitForUpdate(t, s, itemCount(10))
		assert.EqualValues(t, 4, atomic.LoadInt64(&env.fetches))
	})
}

func TestClient_LiveEvents(t *testing.T) {
	env := newTestEnv(t)
	stream := model.Conversation("c1")
	client := env.newClient(t)

	s, err := client.Open(stream)
	require.NoError(t, err)
	u := waitForUpdate(t, s, itemCount(0))
	assert.False(t, u.View.HasMore)
	waitForJoin(t, client)

	m, err := env.server.CreateMessage(stream, "bob", "hello", "")
	require.NoError(t, err)
	u = waitForUpdate(t, s, itemCount(1))
	assert.True(t, u.StickToBottom)
	assert.Equal(t, "hello", u.View.Items[0].Body)

	_, err = env.server.EditMessage(stream, m.Id, "hello!")
	require.NoError(t, err)
	u = waitForUpdate(t, s, func(u Update) bool {
		return len(u.View.Items) == 1 && u.View.Items[0].Body == "hello!"
	})
	assert.True(t, u.View.Items[0].IsUpdated())

	_, err = env.server.CreateMessage(stream, "bob", "again", "")
	require.NoError(t, err)
	s.OnScrollBottom(1000)
	u = waitForUpdate(t, s, itemCount(2))
	assert.Equal(t, "again", u.View.Items[0].Body)

	_, err = env.server.DeleteMessage(stream, m.Id)
	require.NoError(t, err)
	u = waitForUpdate(t, s, func(u Update) bool {
		return len(u.View.Items) == 2 && u.View.Items[1].Deleted
	})
	assert.Equal(t, model.TombstoneBody, u.View.Items[1].DisplayBody())
	assert.Equal(t, m.Id, u.View.Items[1].Id)

	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.OpenStreams))
	s.Close()
	assert.Equal(t, float64(0), testutil.ToFloat64(env.metrics.OpenStreams))
	assert.Equal(t, float64(3), testutil.ToFloat64(env.metrics.MergedEventsTotal.WithLabelValues("created", "applied"))+testutil.ToFloat64(env.metrics.MergedEventsTotal.WithLabelValues("updated", "applied")))
}

func TestStream_Mutations(t *testing.T) {
	env := newTestEnv(t)
	stream := model.Channel("general")
	client := env.newClient(t)

	s, err := client.Open(stream)
	require.NoError(t, err)
	waitForUpdate(t, s, itemCount(0))
	waitForJoin(t, client)

	ctx := context.Background()
	m, err := s.Send(ctx, mutation.Draft{Content: "hello"})
	require.NoError(t, err)

	// the response and the push event are the same message
	u := waitForUpdate(t, s, itemCount(1))
	assert.Equal(t, m.Id, u.View.Items[0].Id)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, s.View().Items, 1)

	require.NoError(t, s.Edit(ctx, m.Id, "hello, world"))
	view := s.View()
	require.Len(t, view.Items, 1)
	assert.Equal(t, "hello, world", view.Items[0].Body)
	assert.False(t, view.Items[0].Pending)

	require.NoError(t, s.Delete(ctx, m.Id))
	view = s.View()
	require.Len(t, view.Items, 1)
	assert.True(t, view.Items[0].Deleted)
	assert.False(t, view.Items[0].Pending)

	t.Run("RejectedEdit", func(t *testing.T) {
		err := s.Edit(ctx, m.Id, "resurrected")
		assert.Error(t, err)
		view := s.View()
		assert.True(t, view.Items[0].Deleted)
		assert.False(t, view.Items[0].Pending)
	})

	t.Run("NotFound", func(t *testing.T) {
		err := s.Delete(ctx, "missing")
		assert.Equal(t, model.NotFound, model.KindOf(err))
		assert.Len(t, s.View().Items, 1)
	})

	t.Run("NoMutationURL", func(t *testing.T) {
		cfg := env.config()
		cfg.MutationURL = ""
		client, err := NewClient(cfg)
		require.NoError(t, err)
		defer client.Close()
		s, err := client.Open(model.Channel("other"))
		require.NoError(t, err)
		defer s.Close()
		_, err = s.Send(ctx, mutation.Draft{Content: "hello"})
		assert.Equal(t, ErrNoMutations, err)
	})
}

func TestStream_HistoryFailure(t *testing.T) {
	env := newTestEnv(t)
	stream := model.Channel("general")
	env.createMessages(t, stream, 3)

	var fail int32 = 1
	cfg := env.config()
	inner := cfg.Fetcher
	cfg.Fetcher = history.FetcherFunc(func(ctx context.Context, stream model.Stream, cursor string) (*model.Page, error) {
		if atomic.LoadInt32(&fail) == 1 {
			return nil, errors.New("connection refused")
		}
		return inner.FetchPage(ctx, stream, cursor)
	})
	client, err := NewClient(cfg)
	require.NoError(t, err)
	defer client.Close()

	s, err := client.Open(stream)
	require.NoError(t, err)
	defer s.Close()

	u := waitForUpdate(t, s, func(u Update) bool { return u.Err != nil })
	assert.Equal(t, model.NetworkFailure, model.KindOf(u.Err))
	assert.True(t, model.IsRetryable(u.Err))
	assert.False(t, u.View.Loaded)

	atomic.StoreInt32(&fail, 0)
	require.Eventually(t, func() bool { return !s.Loading() }, time.Second, time.Millisecond)
	assert.True(t, s.Retry())
	u = waitForUpdate(t, s, itemCount(3))
	assert.NoError(t, u.Err)
}

func TestClient_Unauthorized(t *testing.T) {
	env := newTestEnv(t)
	env.httpServer.Close()

	server := devserver.NewServer(&devserver.Config{
		Token: "secret",
	})
	env.httpServer = httptest.NewServer(server)
	defer env.httpServer.Close()
	defer server.Close()

	cfg := env.config()
	cfg.Token = "wrong"
	cfg.Fetcher = nil
	cfg.HistoryURL = env.httpServer.URL + devserver.HistoryPath
	client, err := NewClient(cfg)
	require.NoError(t, err)
	defer client.Close()

	s, err := client.Open(model.Channel("general"))
	require.NoError(t, err)
	defer s.Close()

	u := waitForUpdate(t, s, func(u Update) bool {
		return model.KindOf(u.Err) == model.Unauthorized && s.subscription.Err() != nil
	})
	assert.False(t, model.IsRetryable(u.Err))
	require.Eventually(t, func() bool {
		return client.State() == live.Disconnected
	}, 5*time.Second, 10*time.Millisecond)
}
