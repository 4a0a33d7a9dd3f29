package cli

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/vuload/internal/engine"
)

func get(t *testing.T, url string) (int, string, time.Duration) {
	t.Helper()
	start := time.Now()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body), time.Since(start)
}

func TestTargetHandler_Profile(t *testing.T) {
	srv := httptest.NewServer(newTargetHandler(targetProfile{
		SlowEvery:   3,
		SlowLatency: 150 * time.Millisecond,
		FailEvery:   2,
	}))
	defer srv.Close()

	status, body, elapsed := get(t, srv.URL+"/")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"ok":true,"request":1}`, body)
	assert.Less(t, elapsed, 150*time.Millisecond)

	status, _, _ = get(t, srv.URL+"/")
	assert.Equal(t, http.StatusInternalServerError, status)

	status, _, elapsed = get(t, srv.URL+"/anything")
	assert.Equal(t, http.StatusOK, status)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)

	status, body, _ = get(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body)
}

func TestRun_AgainstLocalTarget(t *testing.T) {
	srv := httptest.NewServer(newTargetHandler(targetProfile{Latency: time.Millisecond}))
	defer srv.Close()

	code, stdout, stderr := runCLI("run",
		"--url", srv.URL,
		"--stages", "300ms:2,100ms:0",
		"--think-time", "10ms",
		"--threshold", "http_req_duration:p(99)<1000",
		"--threshold", "http_reqs:count>0",
		"--no-color",
	)
	require.Equal(t, engine.ExitPassed, code, stderr)
	assert.Contains(t, stdout, "http_req_duration: p(99)<1000")
}

func TestTargetCmd_RejectsNegative(t *testing.T) {
	code, _, stderr := runCLI("target", "--latency=-1s")
	assert.Equal(t, engine.ExitError, code)
	assert.Contains(t, stderr, "cannot be negative")
}
