package sampler

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Response is what a Client hands back for a completed exchange.
type Response struct {
	Status int
	Body   []byte
}

// Client performs GET requests. Implementations must be safe for
// concurrent use by many virtual users.
type Client interface {
	// Get fetches url. A non-nil Response may accompany an error when the
	// status line arrived but the body could not be read.
	Get(ctx context.Context, url string) (*Response, error)

	// Close releases idle connections.
	Close()
}

// ClientKind selects a Client implementation.
type ClientKind string

const (
	ClientNetHTTP  ClientKind = "nethttp"
	ClientFastHTTP ClientKind = "fasthttp"
)

// HTTPClientConfig contains transport settings shared by both clients.
type HTTPClientConfig struct {
	// Timeout bounds a whole request including the body read
	Timeout time.Duration

	// MaxIdleConnsPerHost controls the idle pool per host
	MaxIdleConnsPerHost int

	// MaxConnsPerHost limits total connections per host (0 = unlimited)
	MaxConnsPerHost int

	// IdleConnTimeout is how long idle connections are kept alive
	IdleConnTimeout time.Duration

	// DisableKeepAlives forces a new connection per request
	DisableKeepAlives bool

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool

	// Headers are sent with every request
	Headers map[string]string
}

// DefaultHTTPClientConfig returns defaults tuned for load generation.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		Timeout:             30 * time.Second,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}
}

// NewClient builds the Client named by kind.
func NewClient(kind ClientKind, cfg HTTPClientConfig) (Client, error) {
	switch kind {
	case "", ClientNetHTTP:
		return NewNetHTTPClient(cfg), nil
	case ClientFastHTTP:
		return NewFastHTTPClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown client: %s", kind)
	}
}

// NetHTTPClient is a Client backed by net/http with one shared transport.
type NetHTTPClient struct {
	client  *http.Client
	headers map[string]string
}

// NewNetHTTPClient creates a net/http based client.
func NewNetHTTPClient(cfg HTTPClientConfig) *NetHTTPClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        0,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		DisableKeepAlives:   cfg.DisableKeepAlives,
		ForceAttemptHTTP2:   true,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in
	}

	return &NetHTTPClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		headers: cfg.Headers,
	}
}

// Get implements Client.
func (c *NetHTTPClient) Get(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Response{Status: resp.StatusCode}, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{Status: resp.StatusCode, Body: body}, nil
}

// Close implements Client.
func (c *NetHTTPClient) Close() {
	c.client.CloseIdleConnections()
}
