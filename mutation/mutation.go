// Package mutation sends message mutations to the server. The server announces the results on the
// push channel, so callers don't need to apply them locally.
package mutation

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/malikk908/chatstream/model"
)

// Client issues requests against endpoints of the form <URL>?<scope> for creation and
// <URL>/<id>?<scope> for edits and deletions.
type Client struct {
	URL string

	// Token, if non-empty, is sent as a bearer token.
	Token string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client

	Logger logrus.FieldLogger
}

// Draft is the content of a new message.
type Draft struct {
	Content string `json:"content"`
	FileURL string `json:"fileUrl,omitempty"`
}

func (c *Client) logger() logrus.FieldLogger {
	if c.Logger == nil {
		return logrus.StandardLogger()
	}
	return c.Logger
}

// Send creates a message.
func (c *Client) Send(ctx context.Context, stream model.Stream, draft Draft) (*model.Message, error) {
	if strings.TrimSpace(draft.Content) == "" && draft.FileURL == "" {
		return nil, errors.New("a message needs content or a file")
	}
	return c.do(ctx, "send message", http.MethodPost, stream, "", draft)
}

// Edit replaces a message's content.
func (c *Client) Edit(ctx context.Context, stream model.Stream, id model.Id, content string) (*model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, errors.New("content is required")
	}
	return c.do(ctx, "edit message", http.MethodPatch, stream, id, struct {
		Content string `json:"content"`
	}{content})
}

// Delete soft-deletes a message.
func (c *Client) Delete(ctx context.Context, stream model.Stream, id model.Id) (*model.Message, error) {
	return c.do(ctx, "delete message", http.MethodDelete, stream, id, nil)
}

func (c *Client) do(ctx context.Context, op, method string, stream model.Stream, id model.Id, body interface{}) (*model.Message, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid mutation url")
	}
	if id != "" {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + url.PathEscape(string(id))
	}
	q := u.Query()
	for k, v := range stream.Query() {
		q[k] = v
	}
	u.RawQuery = q.Encode()

	var reader io.Reader
	if body != nil {
		buf, err := jsoniter.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "unable to marshal request")
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	client := c.HTTPClient
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
		err := model.ErrorForHTTPStatus(op, resp.StatusCode)
		c.logger().WithFields(logrus.Fields{
			"stream":  stream.Id,
			"message": id,
			"status":  resp.StatusCode,
		}).Warn(err)
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.NewError(model.NetworkFailure, op, err)
	} else if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	m, err := model.DecodeMessage(data)
	if err != nil {
		return nil, model.NewError(model.NetworkFailure, op, err)
	}
	return m, nil
}
