// Package policy defines per-queue durable policy: visibility timeout,
// retry backoff, and dead-letter routing. It has no dependency on the
// backend or queue packages so both can import it without a cycle.
package policy

import "fmt"

// Backoff selects the retry delay curve for a queue.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// Retry configures how many times, and how far apart, a message is retried
// before it is routed to a dead-letter queue.
type Retry struct {
	Limit          int     `json:"limit"`
	Backoff        Backoff `json:"backoff"`
	InitialDelaySec int    `json:"initialDelaySec"`
	MaxDelaySec     int    `json:"maxDelaySec"`
}

// DLQ configures dead-letter routing for a queue.
type DLQ struct {
	Enabled       bool   `json:"enabled"`
	Queue         string `json:"queue"`
	RetentionDays int    `json:"retentionDays"`
}

// Policy is the full persistent configuration for one queue.
type Policy struct {
	VisibilityTimeoutSec int   `json:"visibilityTimeoutSec"`
	Retry                Retry `json:"retry"`
	DLQ                  DLQ   `json:"dlq"`

	// MaxDepth is the per-priority backpressure threshold: once a priority
	// bucket holds this many not-yet-delivered envelopes, further publishes
	// to that priority are rejected with backpressure. Zero means unlimited.
	MaxDepth int `json:"maxDepth"`
}

// Default returns the broker-wide default policy, used when a queue is
// first registered without an explicit policy.
func Default() Policy {
	return Policy{
		VisibilityTimeoutSec: 30,
		Retry: Retry{
			Limit:           5,
			Backoff:         BackoffExponential,
			InitialDelaySec: 1,
			MaxDelaySec:     300,
		},
		DLQ: DLQ{
			Enabled:       true,
			RetentionDays: 14,
		},
	}
}

// DLQName returns the name of the dead-letter queue this policy routes to,
// defaulting to "<queue>.dlq" when Queue is unset.
func (p Policy) DLQName(queue string) string {
	if p.DLQ.Queue != "" {
		return p.DLQ.Queue
	}
	return queue + ".dlq"
}

// Validate checks the policy for internally consistent values.
func (p Policy) Validate() error {
	if p.VisibilityTimeoutSec <= 0 {
		return fmt.Errorf("policy: visibilityTimeoutSec must be positive, got %d", p.VisibilityTimeoutSec)
	}
	if p.Retry.Limit < 0 {
		return fmt.Errorf("policy: retry.limit must be non-negative, got %d", p.Retry.Limit)
	}
	switch p.Retry.Backoff {
	case BackoffFixed, BackoffLinear, BackoffExponential:
	default:
		return fmt.Errorf("policy: unknown retry.backoff %q", p.Retry.Backoff)
	}
	if p.Retry.InitialDelaySec < 0 || p.Retry.MaxDelaySec < 0 {
		return fmt.Errorf("policy: retry delays must be non-negative")
	}
	if p.Retry.MaxDelaySec > 0 && p.Retry.InitialDelaySec > p.Retry.MaxDelaySec {
		return fmt.Errorf("policy: retry.initialDelaySec (%d) exceeds retry.maxDelaySec (%d)", p.Retry.InitialDelaySec, p.Retry.MaxDelaySec)
	}
	if p.MaxDepth < 0 {
		return fmt.Errorf("policy: maxDepth must be non-negative, got %d", p.MaxDepth)
	}
	return nil
}

// DelaySeconds computes the backoff delay, in seconds, for the given
// 1-indexed attempt number, clamped to [0, maxDelaySec].
func (r Retry) DelaySeconds(attempt int) int {
	if attempt < 1 {
		attempt = 1
	}
	var d int
	switch r.Backoff {
	case BackoffFixed:
		d = r.InitialDelaySec
	case BackoffLinear:
		d = r.InitialDelaySec * attempt
	case BackoffExponential:
		d = r.InitialDelaySec * pow2(attempt-1)
	default:
		d = r.InitialDelaySec
	}
	if d < 0 {
		d = 0
	}
	if r.MaxDelaySec > 0 && d > r.MaxDelaySec {
		d = r.MaxDelaySec
	}
	return d
}

func pow2(n int) int {
	if n <= 0 {
		return 1
	}
	if n > 30 {
		n = 30 // guard against overflow for pathological configs
	}
	return 1 << uint(n)
}

// AvailableAtMs returns the millisecond timestamp at which a message
// retried for the given attempt becomes eligible again.
func (r Retry) AvailableAtMs(nowMs int64, attempt int) int64 {
	return nowMs + int64(r.DelaySeconds(attempt))*1000
}
