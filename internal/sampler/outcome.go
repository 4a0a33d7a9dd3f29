// Package sampler issues single HTTP requests and classifies their outcome.
package sampler

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"
)

// FailureKind classifies why a request did not succeed.
type FailureKind string

const (
	// FailureNone marks a successful exchange.
	FailureNone FailureKind = ""

	// FailureTimeout is a request that exceeded its deadline.
	FailureTimeout FailureKind = "timeout"

	// FailureConnRefused is a dial rejected by the target.
	FailureConnRefused FailureKind = "connection-refused"

	// FailureDNS is a name resolution failure.
	FailureDNS FailureKind = "dns-error"

	// FailureProtocol covers any other transport or protocol error.
	FailureProtocol FailureKind = "protocol-error"

	// FailureCanceled is a request aborted by a forced shutdown.
	FailureCanceled FailureKind = "canceled"

	// FailureStatus is a completed exchange whose status code is not 2xx/3xx.
	FailureStatus FailureKind = "status"
)

// ErrTimeout is returned by clients that report timeouts without a net.Error.
var ErrTimeout = errors.New("request timed out")

// Outcome is the immutable record of one request.
type Outcome struct {
	// Timestamp is when the request started
	Timestamp time.Time `json:"timestamp"`

	// VU is the ID of the virtual user that issued the request
	VU int `json:"vu"`

	// Iteration is the VU-local iteration number (1-based)
	Iteration int64 `json:"iteration"`

	// Latency spans request start to full response (or failure)
	Latency time.Duration `json:"latency"`

	// Status is the HTTP status code, 0 when no response was received
	Status int `json:"status,omitempty"`

	// Failure is empty on success
	Failure FailureKind `json:"failure,omitempty"`

	// Success is true for a completed exchange with a 2xx/3xx status
	Success bool `json:"success"`

	// Bytes is the response body size
	Bytes int64 `json:"bytes"`

	// ChecksPassed and ChecksFailed count check results for this response
	ChecksPassed int `json:"checksPassed,omitempty"`
	ChecksFailed int `json:"checksFailed,omitempty"`
}

// IsSuccessStatus reports whether code is in the 2xx or 3xx range.
func IsSuccessStatus(code int) bool {
	return code >= 200 && code < 400
}

// Classify maps a transport error to a FailureKind.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}

	if errors.Is(err, context.Canceled) {
		return FailureCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return FailureTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FailureDNS
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return FailureConnRefused
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}

	return FailureProtocol
}
