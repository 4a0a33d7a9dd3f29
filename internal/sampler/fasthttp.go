package sampler

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// FastHTTPClient is a Client backed by valyala/fasthttp. It pools request
// and response objects and scales to more concurrent VUs than net/http.
//
// fasthttp has no context support: a request is bounded by the earlier of
// the configured timeout and the context deadline, and cancellation is only
// observed before the request is sent.
type FastHTTPClient struct {
	client  *fasthttp.Client
	timeout time.Duration
	headers map[string]string
}

// NewFastHTTPClient creates a fasthttp based client.
func NewFastHTTPClient(cfg HTTPClientConfig) *FastHTTPClient {
	maxConns := cfg.MaxConnsPerHost
	if maxConns <= 0 {
		maxConns = 1000
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := &fasthttp.Client{
		MaxConnsPerHost:        maxConns,
		MaxIdleConnDuration:    cfg.IdleConnTimeout,
		ReadTimeout:            timeout,
		WriteTimeout:           timeout,
		DisablePathNormalizing: true,
	}
	if cfg.InsecureSkipVerify {
		client.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in
	}

	return &FastHTTPClient{
		client:  client,
		timeout: timeout,
		headers: cfg.Headers,
	}
}

// Get implements Client.
func (c *FastHTTPClient) Get(ctx context.Context, url string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, fasthttp.ErrDialTimeout) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, err
	}

	// resp is returned to the pool on exit, so the body must be copied.
	body := append([]byte(nil), resp.Body()...)
	return &Response{Status: resp.StatusCode(), Body: body}, nil
}

// Close implements Client.
func (c *FastHTTPClient) Close() {
	c.client.CloseIdleConnections()
}
