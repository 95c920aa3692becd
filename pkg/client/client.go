// Package client talks to a Lightning Store server over HTTP. Client
// implements the same operations as the in-process store, so runners and
// algorithms can switch between the two without code changes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"lightning-store/pkg/schemas"
)

const (
	apiPrefix = "/v1/agl"

	DefaultTimeout      = 30 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("store: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Is lets callers test API errors against the errors in package schemas.
func (e *APIError) Is(target error) bool {
	switch target {
	case schemas.ErrQueueFull:
		return e.StatusCode == http.StatusTooManyRequests
	case schemas.ErrArchiveDisabled:
		return e.StatusCode == http.StatusNotImplemented
	case schemas.ErrInvalidStatus:
		return e.StatusCode == http.StatusBadRequest && strings.Contains(e.Message, target.Error())
	case schemas.ErrInvalidRequest:
		return e.StatusCode == http.StatusBadRequest
	case schemas.ErrRolloutNotFound, schemas.ErrAttemptNotFound,
		schemas.ErrResourcesNotFound, schemas.ErrWorkerNotFound:
		return e.StatusCode == http.StatusNotFound && strings.Contains(e.Message, target.Error())
	}
	return false
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type Client struct {
	base  string
	http  *http.Client
	token string
	log   *zap.Logger
	poll  time.Duration
	gzip  bool
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithAPIToken(token string) Option { return func(c *Client) { c.token = token } }

func WithLogger(log *zap.Logger) Option { return func(c *Client) { c.log = log } }

// WithPollInterval paces WaitForRollouts.
func WithPollInterval(d time.Duration) Option { return func(c *Client) { c.poll = d } }

// WithGzip compresses request bodies.
func WithGzip() Option { return func(c *Client) { c.gzip = true } }

// New returns a client for the server at baseURL, e.g. "http://localhost:4747".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: DefaultTimeout},
		log:  zap.NewNop(),
		poll: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c
}

// OTLPEndpoint is the URL an OTLP/HTTP trace exporter should post to.
func (c *Client) OTLPEndpoint() string { return c.base + "/v1/traces" }

func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		if c.gzip {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			if _, err := zw.Write(raw); err != nil {
				return err
			}
			if err := zw.Close(); err != nil {
				return err
			}
			raw = buf.Bytes()
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
		if c.gzip {
			req.Header.Set("Content-Encoding", "gzip")
		}
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var rd io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		defer zr.Close()
		rd = zr
	}

	if resp.StatusCode/100 != 2 {
		var e schemas.ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(rd, 1<<20))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, rd)
		return nil
	}
	if err := json.NewDecoder(rd).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// call is do for mutating operations: every failure is returned.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	return c.do(ctx, method, path, in, out)
}

// read is do for read and poll operations. A server that cannot be reached
// yields an empty result instead of an error.
func (c *Client) read(ctx context.Context, method, path string, in, out any) error {
	err := c.do(ctx, method, path, in, out)
	if err == nil || !isTransport(ctx, err) {
		return err
	}
	c.log.Warn("store unreachable, returning empty result", zap.String("path", path), zap.Error(err))
	return nil
}

func isTransport(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
