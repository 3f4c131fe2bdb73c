package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bodrovis/kubex/apierr"
)

const (
	defaultUserAgent      = "kubex/0.1"
	defaultHTTPTimeout    = 30 * time.Second
	defaultErrCap         = 8192
	defaultMaxRetries     = 3
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
)

var allowedMethods = map[string]struct{}{
	http.MethodGet:    {},
	http.MethodHead:   {},
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

// Client talks to a Kubernetes-style API server. Every error it returns is
// an *apierr.Error.
type Client struct {
	BaseURL   string
	Token     string
	UserAgent string

	HTTPClient *http.Client
	// watch streams are long-lived and must not share HTTPClient.Timeout
	StreamClient *http.Client

	MaxErrorBody   int64
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Option func(*Client) error

func NewClient(server, token string, opts ...Option) (*Client, error) {
	c := &Client{
		Token:          token,
		UserAgent:      defaultUserAgent,
		HTTPClient:     &http.Client{Timeout: defaultHTTPTimeout},
		StreamClient:   &http.Client{},
		MaxErrorBody:   defaultErrCap,
		MaxRetries:     defaultMaxRetries,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
	}
	if err := WithBaseURL(server)(c); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// WithBaseURL sets the API server address; a trailing slash is enforced.
func WithBaseURL(raw string) Option {
	return func(c *Client) error {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			return apierr.RequestValidation(fmt.Sprintf("invalid base url %q: %v", raw, err))
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return apierr.RequestValidation(fmt.Sprintf("invalid base url %q: scheme must be http or https", raw))
		}
		if u.Host == "" {
			return apierr.RequestValidation(fmt.Sprintf("invalid base url %q: missing host", raw))
		}
		s := u.String()
		if !strings.HasSuffix(s, "/") {
			s += "/"
		}
		c.BaseURL = s
		return nil
	}
}

// WithHTTPClient replaces the client used for both requests and watch streams.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return apierr.RequestValidation("http client is nil")
		}
		c.HTTPClient = hc
		c.StreamClient = hc
		return nil
	}
}

func WithUserAgent(ua string) Option {
	return func(c *Client) error {
		if strings.TrimSpace(ua) == "" {
			return apierr.RequestValidation("user agent is empty")
		}
		c.UserAgent = ua
		return nil
	}
}

// WithHTTPTimeout bounds non-streaming requests only.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d < 0 {
			return apierr.RequestValidation("http timeout must be >= 0")
		}
		hc := *c.HTTPClient
		hc.Timeout = d
		c.HTTPClient = &hc
		return nil
	}
}

func WithMaxErrorBody(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return apierr.RequestValidation("max error body must be > 0")
		}
		c.MaxErrorBody = n
		return nil
	}
}

// WithRetries configures retries for idempotent reads. maxRetries=0 disables them.
func WithRetries(maxRetries int, initial, maxWait time.Duration) Option {
	return func(c *Client) error {
		if maxRetries < 0 {
			return apierr.RequestValidation("max retries must be >= 0")
		}
		if initial <= 0 || maxWait < initial {
			return apierr.RequestValidation("backoff must satisfy 0 < initial <= max")
		}
		c.MaxRetries = maxRetries
		c.InitialBackoff = initial
		c.MaxBackoff = maxWait
		return nil
	}
}

// Do sends one request. body, when non-nil, is JSON-encoded; out, when
// non-nil, receives the decoded 2xx body. Non-2xx responses come back as the
// server's Status envelope (apierr.KindAPI) or a raw-status fallback.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, c.HTTPClient, method, path, nil, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apierr.RequestParse(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// send builds and executes a request, turning non-2xx into *apierr.Error.
// On success the caller owns resp.Body.
func (c *Client) send(ctx context.Context, hc *http.Client, method, path string, query url.Values, body any) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return nil, err
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, apierr.From(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, c.MaxErrorBody))
		return nil, apierr.Parse(slurp, resp.StatusCode)
	}
	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if _, ok := allowedMethods[method]; !ok {
		return nil, apierr.InvalidMethod(method)
	}
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if path == "" {
		return nil, apierr.RequestValidation("request path is required")
	}

	target := c.BaseURL + path
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		buf, err := encodeJSONBody(body)
		if err != nil {
			return nil, err
		}
		rdr = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, apierr.RequestBuild(err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func encodeJSONBody(body any) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		return nil, apierr.Serialization(fmt.Errorf("encode body: %w", err))
	}
	return &buf, nil
}
