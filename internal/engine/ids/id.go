// Package ids generates the client-chosen, time-sortable identifiers the
// engine uses as Call.callId (spec §3).
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewCallID returns a fresh, monotonic-within-process ULID string, used as
// freshUuid() in spec §4.6 step 1.
func NewCallID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}
