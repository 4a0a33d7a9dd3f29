package sampler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(status int, delay time.Duration, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			time.Sleep(delay)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func TestSampler_Success(t *testing.T) {
	server := newTestServer(http.StatusOK, 0, `{"status":"ok"}`)
	defer server.Close()

	s := New(NewNetHTTPClient(DefaultHTTPClientConfig()))
	out := s.Sample(context.Background(), server.URL)

	assert.True(t, out.Success)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, FailureNone, out.Failure)
	assert.Equal(t, int64(len(`{"status":"ok"}`)), out.Bytes)
	assert.Greater(t, out.Latency, time.Duration(0))
	assert.False(t, out.Timestamp.IsZero())
}

func TestSampler_RedirectStatusCountsAsSuccess(t *testing.T) {
	assert.True(t, IsSuccessStatus(http.StatusNotModified))
	assert.True(t, IsSuccessStatus(http.StatusNoContent))
	assert.False(t, IsSuccessStatus(http.StatusBadRequest))
	assert.False(t, IsSuccessStatus(100))
}

func TestSampler_ServerErrorPreservesStatus(t *testing.T) {
	server := newTestServer(http.StatusServiceUnavailable, 0, "busy")
	defer server.Close()

	s := New(NewNetHTTPClient(DefaultHTTPClientConfig()))
	out := s.Sample(context.Background(), server.URL)

	assert.False(t, out.Success)
	assert.Equal(t, http.StatusServiceUnavailable, out.Status)
	assert.Equal(t, FailureStatus, out.Failure)
}

func TestSampler_ConnectionRefused(t *testing.T) {
	server := newTestServer(http.StatusOK, 0, "")
	url := server.URL
	server.Close()

	s := New(NewNetHTTPClient(DefaultHTTPClientConfig()))
	out := s.Sample(context.Background(), url)

	assert.False(t, out.Success)
	assert.Equal(t, 0, out.Status)
	assert.Equal(t, FailureConnRefused, out.Failure)
}

func TestSampler_Timeout(t *testing.T) {
	server := newTestServer(http.StatusOK, 300*time.Millisecond, "slow")
	defer server.Close()

	cfg := DefaultHTTPClientConfig()
	cfg.Timeout = 50 * time.Millisecond
	s := New(NewNetHTTPClient(cfg))
	out := s.Sample(context.Background(), server.URL)

	assert.False(t, out.Success)
	assert.Equal(t, FailureTimeout, out.Failure)
	assert.Less(t, out.Latency, 300*time.Millisecond)
}

func TestSampler_CanceledContext(t *testing.T) {
	server := newTestServer(http.StatusOK, 200*time.Millisecond, "")
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	s := New(NewNetHTTPClient(DefaultHTTPClientConfig()))
	out := s.Sample(ctx, server.URL)
	assert.Equal(t, FailureCanceled, out.Failure)
}

func TestSampler_Checks(t *testing.T) {
	server := newTestServer(http.StatusOK, 0, `{"status":"ok","items":[{"id":7}]}`)
	defer server.Close()

	checks := []Check{
		{Name: "status is 200", Status: 200},
		{Name: "status ok", JSONPath: "$.status", Equals: "ok"},
		{Name: "first id", JSONPath: "$.items[0].id", Equals: "7"},
		{Name: "wrong status", Status: 201},
		{Name: "missing field", JSONPath: "$.nope", Equals: "x"},
	}

	s := New(NewNetHTTPClient(DefaultHTTPClientConfig()), checks...)
	out := s.Sample(context.Background(), server.URL)

	assert.True(t, out.Success)
	assert.Equal(t, 3, out.ChecksPassed)
	assert.Equal(t, 2, out.ChecksFailed)
}

func TestSampler_ChecksSkippedOnTransportError(t *testing.T) {
	server := newTestServer(http.StatusOK, 0, "")
	url := server.URL
	server.Close()

	s := New(NewNetHTTPClient(DefaultHTTPClientConfig()), Check{Name: "status is 200", Status: 200})
	out := s.Sample(context.Background(), url)

	assert.Zero(t, out.ChecksPassed)
	assert.Zero(t, out.ChecksFailed)
}

func TestSampler_SendsHeaders(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	cfg := DefaultHTTPClientConfig()
	cfg.Headers = map[string]string{"User-Agent": "vuload-test"}
	out := New(NewNetHTTPClient(cfg)).Sample(context.Background(), server.URL)

	require.True(t, out.Success)
	assert.Equal(t, "vuload-test", got)
}

func TestFastHTTPClient(t *testing.T) {
	server := newTestServer(http.StatusCreated, 0, `{"status":"ok"}`)
	defer server.Close()

	client := NewFastHTTPClient(DefaultHTTPClientConfig())
	defer client.Close()

	out := New(client, Check{Name: "ok", JSONPath: "status", Equals: "ok"}).Sample(context.Background(), server.URL)
	assert.True(t, out.Success)
	assert.Equal(t, http.StatusCreated, out.Status)
	assert.Equal(t, 1, out.ChecksPassed)
}

func TestFastHTTPClient_Timeout(t *testing.T) {
	server := newTestServer(http.StatusOK, 300*time.Millisecond, "")
	defer server.Close()

	cfg := DefaultHTTPClientConfig()
	cfg.Timeout = 50 * time.Millisecond
	out := New(NewFastHTTPClient(cfg)).Sample(context.Background(), server.URL)

	assert.Equal(t, FailureTimeout, out.Failure)
}

func TestNewClient(t *testing.T) {
	c, err := NewClient("", DefaultHTTPClientConfig())
	require.NoError(t, err)
	assert.IsType(t, &NetHTTPClient{}, c)

	c, err = NewClient(ClientFastHTTP, DefaultHTTPClientConfig())
	require.NoError(t, err)
	assert.IsType(t, &FastHTTPClient{}, c)

	_, err = NewClient("grpc", DefaultHTTPClientConfig())
	assert.Error(t, err)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}

	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"nil", nil, FailureNone},
		{"canceled", fmt.Errorf("get: %w", context.Canceled), FailureCanceled},
		{"deadline", context.DeadlineExceeded, FailureTimeout},
		{"sentinel timeout", fmt.Errorf("%w: read", ErrTimeout), FailureTimeout},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, FailureTimeout},
		{"dns", &net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true}, FailureDNS},
		{"refused", refused, FailureConnRefused},
		{"other", errors.New("malformed HTTP response"), FailureProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestCheck_Validate(t *testing.T) {
	assert.NoError(t, Check{Name: "ok", Status: 200}.Validate())
	assert.Error(t, Check{Status: 200}.Validate())
	assert.Error(t, Check{Name: "empty"}.Validate())
	assert.Error(t, Check{Name: "bad", Status: 1000}.Validate())
}

func TestCheck_Contains(t *testing.T) {
	c := Check{Name: "greeting", Contains: "hello"}
	assert.True(t, c.Evaluate(200, []byte("well hello there")))
	assert.False(t, c.Evaluate(200, []byte("goodbye")))
}

func TestToGjsonPath(t *testing.T) {
	tests := map[string]string{
		"$":                "@this",
		"$.status":         "status",
		"$.users[0].name":  "users.0.name",
		"$['name']":        "name",
		`$["a"]["b"]`:      "a.b",
		"items.#":          "items.#",
		"$[1]":             "1",
	}
	for in, want := range tests {
		assert.Equal(t, want, toGjsonPath(in), in)
	}
}
