package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/vuload/internal/logging"
)

func newTargetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Serve a local test target with a configurable latency profile",
		Long: `Start an HTTP server to point load tests at. Every request to /
waits --latency before answering; every --slow-every'th request waits
--slow-latency instead, and every --fail-every'th answers 500.

  vuload target --addr :8080 --latency 100ms --slow-every 100 --slow-latency 5s`,
		Args: cobra.NoArgs,
		RunE: serveTarget,
	}

	f := cmd.Flags()
	f.String("addr", ":8080", "Listen address")
	f.Duration("latency", 0, "Delay before each response")
	f.Int("slow-every", 0, "Make every Nth request slow (0 disables)")
	f.Duration("slow-latency", 5*time.Second, "Delay of slow requests")
	f.Int("fail-every", 0, "Answer every Nth request with 500 (0 disables)")
	return cmd
}

// targetProfile shapes the responses of the test target.
type targetProfile struct {
	Latency     time.Duration
	SlowEvery   int64
	SlowLatency time.Duration
	FailEvery   int64
}

// newTargetHandler serves / with the given profile and /health for health checks.
func newTargetHandler(p targetProfile) http.Handler {
	var count atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "healthy")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		n := count.Add(1)

		delay := p.Latency
		if p.SlowEvery > 0 && n%p.SlowEvery == 0 {
			delay = p.SlowLatency
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if p.FailEvery > 0 && n%p.FailEvery == 0 {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprintf(w, `{"ok":false,"request":%d}`, n)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"ok":true,"request":%d}`, n)
	})
	return mux
}

func serveTarget(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	latency, _ := cmd.Flags().GetDuration("latency")
	slowEvery, _ := cmd.Flags().GetInt("slow-every")
	slowLatency, _ := cmd.Flags().GetDuration("slow-latency")
	failEvery, _ := cmd.Flags().GetInt("fail-every")

	if latency < 0 || slowLatency < 0 || slowEvery < 0 || failEvery < 0 {
		return errors.New("target flags cannot be negative")
	}

	logger, closeLog, err := logging.New(logging.Config{}, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeLog()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	server := &http.Server{
		Handler: newTargetHandler(targetProfile{
			Latency:     latency,
			SlowEvery:   int64(slowEvery),
			SlowLatency: slowLatency,
			FailEvery:   int64(failEvery),
		}),
		ReadHeaderTimeout: 2 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	logger.Info("test target listening",
		zap.String("addr", ln.Addr().String()),
		zap.Duration("latency", latency),
		zap.Int("slowEvery", slowEvery),
		zap.Duration("slowLatency", slowLatency),
		zap.Int("failEvery", failEvery))

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Info("shutting down test target")
	return server.Shutdown(shutdownCtx)
}
