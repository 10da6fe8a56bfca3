package ledger

import (
	"time"

	"github.com/drblury/tierflow/internal/runtime/wire"
)

// NotStarted is the progress value of a job no processor has reported on yet.
const NotStarted int64 = -1

// JobRecord is one row of the job ledger. Records are never deleted; a
// finished job keeps its row with FinishedAt set.
type JobRecord struct {
	ID         int64
	JobID      string
	Tier       int
	Request    []byte
	ReceivedAt time.Time
	FinishedAt *time.Time
	Progress   int64
}

// Finished reports whether the job has been completed.
func (r JobRecord) Finished() bool {
	return r.FinishedAt != nil
}

// Message decodes the stored request.
func (r JobRecord) Message() (wire.Message, error) {
	return wire.Decode(r.Request)
}

// newestFirst orders records by received time, newest first, breaking ties by
// descending id.
func newestFirst(a, b JobRecord) int {
	switch {
	case a.ReceivedAt.After(b.ReceivedAt):
		return -1
	case a.ReceivedAt.Before(b.ReceivedAt):
		return 1
	case a.ID > b.ID:
		return -1
	case a.ID < b.ID:
		return 1
	default:
		return 0
	}
}
