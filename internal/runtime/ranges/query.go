package ranges

import (
	"fmt"
	"time"

	"github.com/drblury/tierflow/internal/runtime/jsoncodec"
)

// Filters narrows a range to a subset of rows, for example {"user": "alice"}.
// Two Filters are equal when their canonical JSON encodings match.
type Filters map[string]any

// Key is the canonical JSON encoding used for equality and grouping.
func (f Filters) Key() string {
	if len(f) == 0 {
		return "{}"
	}
	key, err := jsoncodec.Canonical(map[string]any(f))
	if err != nil {
		return fmt.Sprintf("%#v", map[string]any(f))
	}
	return key
}

func (f Filters) Equal(other Filters) bool {
	return f.Key() == other.Key()
}

// MarshalJSON writes nil filters as an empty object.
func (f Filters) MarshalJSON() ([]byte, error) {
	if f == nil {
		return []byte("{}"), nil
	}
	return jsoncodec.Marshal(map[string]any(f))
}

// RangeQuery is a Range scoped by Filters.
type RangeQuery struct {
	Range   Range   `json:"range"`
	Filters Filters `json:"filters"`
}

// NewQuery validates r and pairs it with filters.
func NewQuery(r Range, filters Filters) (RangeQuery, error) {
	if err := r.Validate(); err != nil {
		return RangeQuery{}, err
	}
	return RangeQuery{Range: r, Filters: filters}, nil
}

func NewNumericQuery(from, to int64, filters Filters) (RangeQuery, error) {
	r, err := NewNumeric(from, to)
	if err != nil {
		return RangeQuery{}, err
	}
	return RangeQuery{Range: r, Filters: filters}, nil
}

func NewDateTimeQuery(from, to time.Time, filters Filters) (RangeQuery, error) {
	r, err := NewDateTime(from, to)
	if err != nil {
		return RangeQuery{}, err
	}
	return RangeQuery{Range: r, Filters: filters}, nil
}

func NewDateQuery(from, to time.Time, filters Filters) (RangeQuery, error) {
	r, err := NewDate(from, to)
	if err != nil {
		return RangeQuery{}, err
	}
	return RangeQuery{Range: r, Filters: filters}, nil
}

// Validate checks the embedded range.
func (q RangeQuery) Validate() error {
	return q.Range.Validate()
}

// SameScope reports whether q and other carry equal filters.
func (q RangeQuery) SameScope(other RangeQuery) bool {
	return q.Filters.Equal(other.Filters)
}

func (q RangeQuery) String() string {
	return fmt.Sprintf("%s %s", q.Range, q.Filters.Key())
}

func (q *RangeQuery) UnmarshalJSON(data []byte) error {
	type plain RangeQuery
	var decoded plain
	if err := jsoncodec.Unmarshal(data, &decoded); err != nil {
		return err
	}
	// a missing "range" key leaves the zero Range behind
	if err := decoded.Range.Validate(); err != nil {
		return err
	}
	*q = RangeQuery(decoded)
	return nil
}
