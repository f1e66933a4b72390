// Package idgen generates time-sortable, globally unique identifiers for
// messages, leases, and requests. It is grounded on the monotonic-entropy
// ULID pattern: a single shared source guarded by a mutex so IDs minted
// within the same millisecond still sort in call order.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a new ULID string, monotonically increasing within a process
// even for IDs minted in the same millisecond.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
