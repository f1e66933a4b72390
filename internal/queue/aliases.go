// Package queue is the typed, policy-aware facade over a backend.Backend:
// it assigns message identity, caches per-queue policy, and runs the
// background sweeper that reclaims expired leases. Delayed envelopes are
// surfaced by the backends' LeaseNext scan, not by the sweeper.
//
// Domain types (Envelope, Status, Lease) live in internal/types so both the
// backend and queue packages can import them without a cycle. This file
// re-exports them as aliases so callers can keep using queue.Envelope /
// queue.Status without a conversion.
package queue

import "github.com/coreway/epochbroker/internal/types"

type Envelope = types.Envelope
type Status = types.Status
type Lease = types.Lease

const (
	StatusReady    = types.StatusReady
	StatusInflight = types.StatusInflight
	StatusDelayed  = types.StatusDelayed
	StatusDlq      = types.StatusDlq
	StatusArchived = types.StatusArchived
)
