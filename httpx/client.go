// Package httpx wraps net/http with the behaviours both service facades
// need: HTTPS enforcement, CA selection, bearer and opaque token headers,
// JSON verbs, and multipart/binary transfers with progress reporting and
// cancellation.
package httpx

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/TheLab-ms/printerlink/errcode"
)

// Config configures a Client.
type Config struct {
	BaseURL   string
	UserAgent string

	// EnforceHTTPS rewrites http:// base URLs to https:// (cloud endpoints
	// only speak TLS; a plain scheme is almost always a config mistake).
	EnforceHTTPS bool

	// CACertPath points at a PEM bundle. When empty the system pool is
	// used; when set it becomes the only trusted root set.
	CACertPath string

	// TokenHeader is an opaque header (e.g. "X-Token") sent alongside or
	// instead of the bearer token.
	TokenHeader string

	Timeout time.Duration
}

// Client is safe for concurrent use. The bearer token is read on every
// request through the getter so credential rotation needs no client swap.
type Client struct {
	base        string
	userAgent   string
	tokenHeader string
	http        *http.Client

	bearer      func() string
	opaqueToken func() string
}

func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if cfg.EnforceHTTPS && base != "" && !strings.HasPrefix(base, "https://") {
		rewritten := "https://" + strings.TrimPrefix(base, "http://")
		slog.Warn("rewriting insecure base URL to https", "from", base, "to", rewritten)
		base = rewritten
	}

	transport := &http.Transport{}
	if cfg.CACertPath != "" {
		pem, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("reading CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errcode.New(errcode.InvalidParameter, "CA bundle contains no certificates")
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:        base,
		userAgent:   cfg.UserAgent,
		tokenHeader: cfg.TokenHeader,
		http:        &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

// SetBearerSource installs a getter for the Authorization bearer token.
func (c *Client) SetBearerSource(fn func() string) { c.bearer = fn }

// SetOpaqueTokenSource installs a getter for the opaque token header value.
func (c *Client) SetOpaqueTokenSource(fn func() string) { c.opaqueToken = fn }

// Response is the decoded half of a round trip.
type Response struct {
	Status int
	Body   []byte
}

// DecodeJSON unmarshals the body into out.
func (r *Response) DecodeJSON(out any) error {
	if err := json.Unmarshal(r.Body, out); err != nil {
		return errcode.Newf(errcode.ServerInvalidResponse, "decoding response: %v", err)
	}
	return nil
}

func (c *Client) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.base + path
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.bearer != nil {
		if tok := c.bearer(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	if c.tokenHeader != "" && c.opaqueToken != nil {
		if tok := c.opaqueToken(); tok != "" {
			req.Header.Set(c.tokenHeader, tok)
		}
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if req.Context().Err() == context.Canceled {
			return nil, errcode.New(errcode.OperationCancelled, "request cancelled")
		}
		return nil, errcode.Newf(errcode.NetworkError, "%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errcode.Newf(errcode.NetworkError, "reading response body: %v", err)
	}
	return &Response{Status: resp.StatusCode, Body: body}, nil
}

func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) PostJSON(ctx context.Context, path string, payload any) (*Response, error) {
	return c.jsonVerb(ctx, http.MethodPost, path, payload)
}

func (c *Client) PutJSON(ctx context.Context, path string, payload any) (*Response, error) {
	return c.jsonVerb(ctx, http.MethodPut, path, payload)
}

func (c *Client) Delete(ctx context.Context, path string, payload any) (*Response, error) {
	return c.jsonVerb(ctx, http.MethodDelete, path, payload)
}

func (c *Client) jsonVerb(ctx context.Context, method, path string, payload any) (*Response, error) {
	var body io.Reader
	if payload != nil {
		js, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		body = bytes.NewReader(js)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req)
}

// Head issues a HEAD request and returns the Content-Length, used before
// streaming downloads.
func (c *Client) Head(ctx context.Context, path string) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodHead, path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errcode.Newf(errcode.NetworkError, "HEAD %s: %v", req.URL.Path, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, errcode.Newf(errcode.MapHTTPStatus(resp.StatusCode), "HEAD returned status %d", resp.StatusCode)
	}
	return resp.ContentLength, nil
}

// GetStream issues a GET and hands the caller the live body. The caller
// owns closing it.
func (c *Client) GetStream(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, errcode.Newf(errcode.NetworkError, "GET %s: %v", req.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, errcode.Newf(errcode.MapHTTPStatus(resp.StatusCode), "GET returned status %d", resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

// PutBinary streams body (of known size) with a progress callback. A
// callback returning false cancels the transfer and surfaces
// OperationCancelled.
func (c *Client) PutBinary(ctx context.Context, path string, body io.Reader, size int64, contentType string, progress ProgressFunc) (*Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reader := &progressReader{r: body, total: size, fn: progress, cancel: cancel}
	req, err := c.newRequest(ctx, http.MethodPut, path, reader)
	if err != nil {
		return nil, err
	}
	req.ContentLength = size
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.do(req)
	if err != nil {
		if reader.cancelled {
			return nil, errcode.New(errcode.OperationCancelled, "upload cancelled by progress callback")
		}
		return nil, err
	}
	return resp, nil
}

// ProgressFunc observes transfer progress. Returning false requests
// cancellation.
type ProgressFunc func(current, total int64) bool

type progressReader struct {
	r         io.Reader
	total     int64
	current   int64
	fn        ProgressFunc
	cancel    context.CancelFunc
	cancelled bool
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.current += int64(n)
		if p.fn != nil && !p.fn(p.current, p.total) {
			p.cancelled = true
			p.cancel()
			return n, errcode.New(errcode.OperationCancelled, "transfer cancelled")
		}
	}
	return n, err
}

// NewProgressReader wraps r so that fn observes consumption. Exposed for
// the transfer strategies that build their own multipart bodies.
func NewProgressReader(r io.Reader, total int64, fn ProgressFunc, cancel context.CancelFunc) io.Reader {
	return &progressReader{r: r, total: total, fn: fn, cancel: cancel}
}
