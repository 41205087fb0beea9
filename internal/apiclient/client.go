// Package apiclient is the REST client for the SFD backend. It carries an
// explicit auth context: the bearer token is read from an authstore.Store on
// every request and refreshed once, for all concurrent callers, on 401.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/tinytelemetry/sfdwatch/internal/authstore"
	"github.com/tinytelemetry/sfdwatch/internal/metrics"
	"github.com/tinytelemetry/sfdwatch/internal/normalize"
)

const (
	defaultTimeout       = 15 * time.Second
	defaultImageCacheTTL = 10 * time.Minute
	maxErrorBody         = 4 << 10
)

// ErrSessionExpired is returned when the token could not be refreshed or a
// refreshed token was rejected again. The auth store is cleared before it
// is returned; callers should send the user back to login.
var ErrSessionExpired = errors.New("session expired, please log in again")

// APIError is a non-2xx response.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("apiclient: %s %s: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("apiclient: %s %s: %d %s: %s", e.Method, e.Path, e.Status, http.StatusText(e.Status), body)
}

// Config configures a Client.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
	// Normalizer decodes detection payloads. Nil uses the built-in English table.
	Normalizer    *normalize.Normalizer
	ImageCacheTTL time.Duration
}

// Client talks to the SFD REST API.
type Client struct {
	base      *url.URL
	http      *http.Client
	auth      *authstore.Store
	norm      *normalize.Normalizer
	userAgent string

	images  *cache.Cache
	refresh singleflight.Group
}

// New builds a client. The auth store must not be nil; use
// authstore.NewMemory for a throwaway session.
func New(cfg Config, auth *authstore.Store) (*Client, error) {
	if auth == nil {
		return nil, errors.New("apiclient: auth store is nil")
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("apiclient: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("apiclient: base url %q must be http or https", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ttl := cfg.ImageCacheTTL
	if ttl <= 0 {
		ttl = defaultImageCacheTTL
	}
	norm := cfg.Normalizer
	if norm == nil {
		norm = normalize.New(nil)
	}

	// The jar carries the session cookie to the stream endpoint.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("apiclient: cookie jar: %w", err)
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = "sfdwatch"
	}

	return &Client{
		base:      base,
		http:      &http.Client{Timeout: timeout, Transport: transport, Jar: jar},
		auth:      auth,
		norm:      norm,
		userAgent: ua,
		// cleanupInterval 0: no janitor goroutine, expired entries are
		// dropped on access.
		images: cache.New(ttl, 0),
	}, nil
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.base.String() }

// URL resolves an API path against the base URL.
func (c *Client) URL(path string) string {
	return c.base.String() + "/" + strings.TrimLeft(path, "/")
}

// StreamClient returns an HTTP client that shares the cookie jar and
// transport of c but has no overall timeout, for long-lived streams.
func (c *Client) StreamClient() *http.Client {
	return &http.Client{Transport: c.http.Transport, Jar: c.http.Jar}
}

// AuthHeader returns the headers an authorized request carries.
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	h.Set("User-Agent", c.userAgent)
	if tok, ok := c.auth.Token(); ok {
		h.Set("Authorization", "Bearer "+tok.AccessToken)
	}
	return h
}

// Auth returns the auth store.
func (c *Client) Auth() *authstore.Store { return c.auth }

// Normalizer returns the payload normalizer.
func (c *Client) Normalizer() *normalize.Normalizer { return c.norm }

type request struct {
	method string
	path   string
	query  url.Values
	body   []byte
	// public requests never carry a token and never trigger a refresh.
	public bool
}

func (c *Client) newRequest(ctx context.Context, r request) (*http.Request, string, error) {
	u := c.URL(r.path)
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return nil, "", fmt.Errorf("apiclient: build %s %s: %w", r.method, r.path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", uuid.New().String())
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	var used string
	if !r.public {
		if tok, ok := c.auth.Token(); ok {
			used = tok.AccessToken
			req.Header.Set("Authorization", "Bearer "+used)
		}
	}
	return req, used, nil
}

func (c *Client) send(ctx context.Context, r request) (*http.Response, string, error) {
	req, used, err := c.newRequest(ctx, r)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.APIRequests.WithLabelValues(r.path, metrics.StatusClass(0)).Inc()
		return nil, "", fmt.Errorf("apiclient: %s %s: %w", r.method, r.path, err)
	}
	metrics.APIRequests.WithLabelValues(r.path, metrics.StatusClass(resp.StatusCode)).Inc()
	return resp, used, nil
}

// do runs r, refreshing the token and retrying exactly once on 401. The
// decoded body is stored in out when out is non-nil.
func (c *Client) do(ctx context.Context, r request, out interface{}) error {
	resp, used, err := c.send(ctx, r)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized && !r.public {
		drain(resp)
		if err := c.refreshToken(ctx, used); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A refresh that timed out says nothing about the session.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("apiclient: token refresh: %w", err)
			}
			log.Printf("apiclient: token refresh failed: %v", err)
			c.expire()
			return fmt.Errorf("%w: %v", ErrSessionExpired, err)
		}

		resp, _, err = c.send(ctx, r)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			c.expire()
			return ErrSessionExpired
		}
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Method: r.method, Path: r.path, Status: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("apiclient: decode %s %s: %w", r.method, r.path, err)
	}
	return nil
}

// refreshToken obtains a new token pair. Concurrent callers share one
// in-flight refresh, which runs detached from any single caller's context
// and is bounded by the client timeout. Each caller stops waiting when its
// own ctx is done. When the stored access token already differs from
// stale, another caller refreshed it and nothing is sent.
func (c *Client) refreshToken(ctx context.Context, stale string) error {
	ch := c.refresh.DoChan("refresh", func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.http.Timeout)
		defer cancel()

		tok, ok := c.auth.Token()
		if !ok || tok.RefreshToken == "" {
			metrics.TokenRefreshes.WithLabelValues("no_token").Inc()
			return nil, authstore.ErrNotLoggedIn
		}
		if stale != "" && tok.AccessToken != stale {
			return nil, nil
		}

		payload, err := json.Marshal(refreshRequest{RefreshToken: tok.RefreshToken})
		if err != nil {
			return nil, err
		}
		var fresh tokenResponse
		err = c.do(rctx, request{method: http.MethodPost, path: "/auth/refresh", body: payload, public: true}, &fresh)
		if err != nil {
			metrics.TokenRefreshes.WithLabelValues("failed").Inc()
			return nil, err
		}
		if fresh.AccessToken == "" {
			metrics.TokenRefreshes.WithLabelValues("failed").Inc()
			return nil, errors.New("apiclient: refresh response has no access token")
		}
		if fresh.RefreshToken == "" {
			fresh.RefreshToken = tok.RefreshToken
		}
		if err := c.auth.SetToken(fresh.token()); err != nil {
			return nil, err
		}
		metrics.TokenRefreshes.WithLabelValues("ok").Inc()
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (c *Client) expire() {
	c.images.Flush()
	if err := c.auth.Clear(); err != nil {
		log.Printf("apiclient: clear auth store: %v", err)
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}
