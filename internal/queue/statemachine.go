package queue

// statemachine.go — envelope lifecycle state transition rules.
//
// State diagram:
//
//	           enqueue
//	             │
//	   ┌─────────┼──────────┐
//	   ▼                    ▼
//	READY               DELAYED ──available_at_ms reached──► READY
//	   │
//	   ▼ lease grant
//	INFLIGHT
//	   │
//	   ├──ack────────────► ARCHIVED
//	   ├──nack/expiry, attempt<limit──► DELAYED
//	   └──nack/expiry, attempt>=limit or requeue=false──► DLQ (or deleted)

// ValidTransition reports whether the transition from → to is a legal
// state change for an envelope.
//
// Used defensively in tests; production code drives transitions through the
// backend (Enqueue, LeaseNext, Ack, Nack, SweepExpiredLeases), which already
// enforces the rules.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusReady:
		return to == StatusInflight
	case StatusInflight:
		return to == StatusArchived || to == StatusDelayed || to == StatusDlq
	case StatusDelayed:
		return to == StatusReady
	case StatusDlq:
		// Terminal outside of explicit reprocessing, which mints a new Ready
		// envelope in the origin queue rather than transitioning this one.
		return false
	case StatusArchived:
		// Terminal success state.
		return false
	}
	return false
}
