package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tinode/fanout/server/store/types"
)

// Maximum size of a response body.
const maxResponseSize = 1 << 22

// APIError is a failed API call.
type APIError struct {
	Status int
	Text   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: %d %s", e.Status, e.Text)
}

// Unwrap maps the status to a store error so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest:
		return types.ErrInvalid
	case http.StatusUnauthorized:
		return types.ErrUnauthorized
	case http.StatusForbidden:
		return types.ErrForbidden
	case http.StatusNotFound:
		return types.ErrNotFound
	case http.StatusConflict:
		return types.ErrDuplicate
	case http.StatusServiceUnavailable:
		return types.ErrUnavailable
	}
	return types.ErrInternal
}

// HTTPFetcher calls the message API.
type HTTPFetcher struct {
	// Base URL of the API, like http://localhost:6060/v0/
	BaseURL string
	// Token of the member making the calls.
	Token  string
	Client *http.Client
}

// NewHTTPFetcher creates a fetcher with a default HTTP client.
func NewHTTPFetcher(baseURL, token string) *HTTPFetcher {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &HTTPFetcher{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (f *HTTPFetcher) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	target := f.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if f.Token != "" {
		req.Header.Set("Authorization", "Token "+f.Token)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize))
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		dec.Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Text: e.Error}
	}

	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("client: malformed response to %s %s: %w", method, path, err)
	}
	return nil
}

// Page pulls a page of history older than cursor.
func (f *HTTPFetcher) Page(ctx context.Context, topic, cursor string, limit int) (*Page, error) {
	query := url.Values{"topic": {topic}}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var page Page
	if err := f.do(ctx, http.MethodGet, "messages", query, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

type messageBody struct {
	Content *string `json:"content,omitempty"`
	FileUrl *string `json:"fileUrl,omitempty"`
}

// Post creates a message. Either content or fileUrl must be set.
func (f *HTTPFetcher) Post(ctx context.Context, topic string, content, fileUrl *string) (*types.Message, error) {
	var msg types.Message
	err := f.do(ctx, http.MethodPost, "messages", url.Values{"topic": {topic}},
		&messageBody{Content: content, FileUrl: fileUrl}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Edit replaces the content of a message.
func (f *HTTPFetcher) Edit(ctx context.Context, topic, id, content string) (*types.Message, error) {
	var msg types.Message
	err := f.do(ctx, http.MethodPatch, "messages/"+url.PathEscape(id), url.Values{"topic": {topic}},
		&messageBody{Content: &content}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Delete soft-deletes a message.
func (f *HTTPFetcher) Delete(ctx context.Context, topic, id string) (*types.Message, error) {
	var msg types.Message
	err := f.do(ctx, http.MethodDelete, "messages/"+url.PathEscape(id), url.Values{"topic": {topic}}, nil, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
