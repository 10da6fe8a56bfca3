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

// NewMessageID returns a time-sortable ULID used as the broker message UUID.
func NewMessageID() string {
	return newULID(time.Now()).String()
}

// NewCorrelationID returns a ULID tying an outbound message to the job that produced it.
func NewCorrelationID() string {
	return newULID(time.Now()).String()
}

// IssuedAt extracts the millisecond timestamp embedded in a ULID string.
func IssuedAt(id string) (time.Time, error) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}

func newULID(at time.Time) ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), entropy)
}
