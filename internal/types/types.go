// Package types contains the core domain types shared across every
// epochbroker package. It deliberately has zero imports of other epochbroker
// packages so that the backend, queue, and mailbox layers can all import it
// without creating import cycles.
package types

// Status is the lifecycle state of an envelope inside a queue.
type Status uint8

const (
	// StatusReady means the envelope is eligible for leasing.
	StatusReady Status = iota
	// StatusInflight means the envelope has been leased to a consumer and is
	// awaiting ack/nack within the visibility timeout window.
	StatusInflight
	// StatusDelayed means the envelope has a future AvailableAtMs and is not
	// yet eligible to be leased.
	StatusDelayed
	// StatusDlq means the envelope exceeded its retry limit and has been
	// moved to its queue's dead-letter queue.
	StatusDlq
	// StatusArchived means a consumer acked the envelope. It is logically
	// gone but a backend may retain it until compaction/retention runs.
	StatusArchived
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusInflight:
		return "inflight"
	case StatusDelayed:
		return "delayed"
	case StatusDlq:
		return "dlq"
	case StatusArchived:
		return "archived"
	default:
		return "unknown"
	}
}

// Envelope is the canonical unit of data moving through the broker.
//
// Design rules:
//   - Envelope format is final. Only optional fields may be added. Never
//     rename or remove a field — persisted envelopes must always be readable.
//   - All timestamps are UTC milliseconds since Unix epoch.
//   - IDs are ULID strings: time-sortable, globally unique, node-safe.
type Envelope struct {
	// MessageID is a ULID uniquely identifying this envelope, server-assigned.
	MessageID string `json:"message_id"`

	// Key is the storage key, unique per queue. Equals MessageID unless the
	// producer supplied an idempotency key at publish time.
	Key string `json:"key"`

	// Namespace and Queue identify which queue the envelope belongs to.
	Namespace string `json:"namespace"`
	Queue     string `json:"queue"`

	// Payload is the raw message body. Producers own the encoding.
	Payload []byte `json:"payload"`

	// Attributes is an opaque string, typically a JSON object of user
	// metadata, carried unmodified by the broker.
	Attributes string `json:"attributes,omitempty"`

	// Priority is the scheduling priority. Lower numeric value means higher
	// priority.
	Priority int32 `json:"priority"`

	// Attempt is the delivery attempt counter. Starts at 0 at enqueue time
	// and is incremented on each lease grant.
	Attempt int `json:"attempt"`

	// CreatedAtMs is the UTC millisecond the envelope was enqueued.
	CreatedAtMs int64 `json:"created_at_ms"`

	// AvailableAtMs is the earliest UTC millisecond at which the envelope is
	// eligible to be leased.
	AvailableAtMs int64 `json:"available_at_ms"`

	// State is the current lifecycle state.
	State Status `json:"state"`

	// Reason carries a human-readable explanation when State is StatusDlq.
	Reason string `json:"reason,omitempty"`

	// NodeID is the ULID of the broker process that first wrote this
	// envelope. Forward-looking metadata; unused outside a single node today.
	NodeID string `json:"node_id,omitempty"`
}

// IsEligible reports whether the envelope can be leased at the given instant.
func (e *Envelope) IsEligible(nowMs int64) bool {
	return e.State == StatusReady && e.AvailableAtMs <= nowMs
}

// Clone returns a shallow copy of the envelope. Payload bytes are shared,
// not duplicated; callers that mutate Payload must copy it themselves.
func (e *Envelope) Clone() *Envelope {
	c := *e
	return &c
}

// Lease is a time-bounded exclusive assignment of one envelope to one
// consumer. A lease exists iff its envelope is Inflight; at most one active
// lease exists per message at any time.
type Lease struct {
	LeaseID      string `json:"lease_id"`
	MessageKey   string `json:"message_key"`
	Queue        string `json:"queue"`
	Namespace    string `json:"namespace"`
	ConsumerID   string `json:"consumer_id"`
	LeaseUntilMs int64  `json:"lease_until_ms"`
}
