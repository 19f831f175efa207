// Package gateway is the HTTP client for the admin API: view and upload URL
// exchange, record persistence and the category service. It also performs
// the presigned PUT upload.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	signedmedia "github.com/wolfeidau/signed-media"
	"github.com/wolfeidau/signed-media/catalog"
	"github.com/wolfeidau/signed-media/telemetry"
	"github.com/wolfeidau/signed-media/upstream"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

var (
	_ upstream.ViewURLExchanger      = (*Client)(nil)
	_ upstream.UploadTargetRequester = (*Client)(nil)
	_ upstream.Uploader              = (*Client)(nil)
	_ upstream.RecordPersister       = (*Client)(nil)
	_ catalog.Service                = (*Client)(nil)
)

// Client talks to the admin API.
type Client struct {
	baseURL *url.URL
	token   string
	client  *http.Client
	upload  *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent to the API. It is never sent to
// upload targets.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient sets the client used for API calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithUploadClient sets the client used for PUT uploads.
func WithUploadClient(client *http.Client) Option {
	return func(c *Client) {
		c.upload = client
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a Client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		baseURL: u,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{Transport: telemetry.NewInstrumentedTransport(nil, "gateway")}
	}
	if c.upload == nil {
		c.upload = &http.Client{Transport: telemetry.NewInstrumentedTransport(nil, "upload")}
	}
	return c, nil
}

// ExchangeKeyForViewURL returns a time-limited view URL for key.
func (c *Client) ExchangeKeyForViewURL(ctx context.Context, key string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	q := url.Values{"key": {key}}
	if err := c.do(ctx, "getViewUrl", http.MethodGet, "/getViewUrl?"+q.Encode(), nil, &out); err != nil {
		return "", fmt.Errorf("%w: %w", signedmedia.ErrUpstreamExchange, err)
	}
	if strings.TrimSpace(out.URL) == "" {
		return "", signedmedia.ErrNoURLReturned
	}
	return out.URL, nil
}

// RequestUploadTarget asks for a presigned upload URL for contentType.
func (c *Client) RequestUploadTarget(ctx context.Context, contentType, hint string) (upstream.UploadTarget, error) {
	in := struct {
		ContentType string `json:"contentType"`
		Hint        string `json:"hint,omitempty"`
	}{contentType, hint}

	var out upstream.UploadTarget
	if err := c.do(ctx, "getUploadUrl", http.MethodPost, "/getUploadUrl", in, &out); err != nil {
		return upstream.UploadTarget{}, fmt.Errorf("%w: %w", signedmedia.ErrUpstreamExchange, err)
	}
	if out.UploadURL == "" || out.Key == "" {
		return upstream.UploadTarget{}, fmt.Errorf("%w: upload target missing url or key", signedmedia.ErrUpstreamExchange)
	}
	return out, nil
}

// Upload PUTs body to the presigned target, reporting progress.
func (c *Client) Upload(ctx context.Context, target upstream.UploadTarget, body io.Reader, size int64, contentType string, progress upstream.ProgressFunc) error {
	pr := newProgressReader(body, size, progress)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.UploadURL, pr)
	if err != nil {
		return fmt.Errorf("%w: %w", signedmedia.ErrUploadFailed, err)
	}
	if size >= 0 {
		req.ContentLength = size
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.upload.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", signedmedia.ErrUploadFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %w", signedmedia.ErrUploadFailed, decodeError("put", resp))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	pr.finish()
	c.logger.Debug("uploaded object", "key", target.Key, "size", pr.read)
	return nil
}

// PersistRecordField sets fieldPath on record recordID and returns the
// updated record.
func (c *Client) PersistRecordField(ctx context.Context, recordID, fieldPath string, value any) (upstream.Record, error) {
	in := map[string]any{"field": fieldPath, "value": value}

	var out upstream.Record
	if err := c.do(ctx, "persist", http.MethodPatch, "/records/"+url.PathEscape(recordID), in, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListCategories returns every category.
func (c *Client) ListCategories(ctx context.Context) ([]catalog.Category, error) {
	var out []catalog.Category
	if err := c.do(ctx, "get-all-categories", http.MethodGet, "/category/get-all-categories", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EditCategory renames a category.
func (c *Client) EditCategory(ctx context.Context, id, name string) (catalog.Category, error) {
	in := map[string]string{"id": id, "name": name}

	var out catalog.Category
	if err := c.do(ctx, "edit-category", http.MethodPatch, "/category/edit-category", in, &out); err != nil {
		return catalog.Category{}, err
	}
	return out, nil
}

// DeleteCategory deletes a category.
func (c *Client) DeleteCategory(ctx context.Context, id, name string) error {
	in := map[string]string{"id": id, "name": name}
	return c.do(ctx, "delete-category", http.MethodDelete, "/category/delete-category", in, nil)
}

// RestoreCategory recreates a deleted category with its original id.
func (c *Client) RestoreCategory(ctx context.Context, cat catalog.Category) (catalog.Category, error) {
	in := struct {
		catalog.Category
		Restore bool `json:"restore"`
	}{cat, true}

	var out catalog.Category
	if err := c.do(ctx, "create-category", http.MethodPost, "/category/create-category", in, &out); err != nil {
		return catalog.Category{}, err
	}
	return out, nil
}

// do sends a JSON request and decodes a JSON response into out when out is
// non-nil and the body is not empty.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encoding request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := decodeError(op, resp)
		c.logger.Debug("api request failed", "op", op, "status", resp.StatusCode, "error", serr)
		return serr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}

// decodeError builds a StatusError, taking the message from an
// {"error": ...} or {"message": ...} body and falling back to the status
// text.
func decodeError(op string, resp *http.Response) *signedmedia.StatusError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	msg := http.StatusText(resp.StatusCode)
	if json.Unmarshal(data, &payload) == nil {
		switch {
		case payload.Error != "":
			msg = payload.Error
		case payload.Message != "":
			msg = payload.Message
		}
	}
	return &signedmedia.StatusError{Op: op, StatusCode: resp.StatusCode, Message: msg}
}
