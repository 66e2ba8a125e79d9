package history

import (
	"context"
	"io"
	"net/http"
	"net/url"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/malikk908/chatstream/model"
)

// HTTPFetcher fetches pages from a history endpoint of the form
// GET <URL>?<channelId|conversationId>=<id>&cursor=<cursor>, which responds with
// {"items": [...], "nextCursor": "..." | null}.
type HTTPFetcher struct {
	URL string

	// Token, if non-empty, is sent as a bearer token.
	Token string

	// Client defaults to http.DefaultClient.
	Client *http.Client
}

var _ Fetcher = (*HTTPFetcher)(nil)

func (f *HTTPFetcher) FetchPage(ctx context.Context, stream model.Stream, cursor string) (*model.Page, error) {
	const op = "fetch history"

	u, err := url.Parse(f.URL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid history url")
	}
	q := u.Query()
	for k, v := range stream.Query() {
		q[k] = v
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create request")
	}
	req.Header.Set("Accept", "application/json")
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, model.NewError(model.NetworkFailure, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, model.ErrorForHTTPStatus(op, resp.StatusCode)
	}

	var body model.HistoryResponse
	if err := jsoniter.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, model.NewError(model.NetworkFailure, op, errors.Wrap(err, "malformed response"))
	}

	page := &model.Page{
		Items: make([]*model.Message, 0, len(body.Items)),
	}
	for _, w := range body.Items {
		if w == nil {
			continue
		}
		m, err := w.Message()
		if err != nil {
			return nil, model.NewError(model.NetworkFailure, op, errors.Wrap(err, "malformed message"))
		}
		page.Items = append(page.Items, m)
	}
	if body.NextCursor != nil {
		page.NextCursor = *body.NextCursor
	}
	return page, nil
}
