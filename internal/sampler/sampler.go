package sampler

import (
	"context"
	"time"
)

// Sampler performs one request and turns whatever happened into an Outcome.
// It never returns an error; policy on status codes belongs to thresholds.
type Sampler struct {
	client Client
	checks []Check
	now    func() time.Time
}

// New creates a Sampler. Checks are evaluated on every response received.
func New(client Client, checks ...Check) *Sampler {
	return &Sampler{
		client: client,
		checks: checks,
		now:    time.Now,
	}
}

// Sample issues a GET against target.
func (s *Sampler) Sample(ctx context.Context, target string) Outcome {
	start := s.now()
	resp, err := s.client.Get(ctx, target)
	latency := s.now().Sub(start)

	out := Outcome{
		Timestamp: start,
		Latency:   latency,
	}
	if resp != nil {
		out.Status = resp.Status
		out.Bytes = int64(len(resp.Body))
	}

	if err != nil {
		out.Failure = Classify(err)
		return out
	}

	for _, c := range s.checks {
		if c.Evaluate(resp.Status, resp.Body) {
			out.ChecksPassed++
		} else {
			out.ChecksFailed++
		}
	}

	if IsSuccessStatus(resp.Status) {
		out.Success = true
	} else {
		out.Failure = FailureStatus
	}
	return out
}
