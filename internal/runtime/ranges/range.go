package ranges

import (
	"fmt"
	"time"

	errspkg "github.com/drblury/tierflow/internal/runtime/errors"
	"github.com/drblury/tierflow/internal/runtime/jsoncodec"
)

// Kind identifies the variant of a Range.
type Kind int

const (
	KindNumeric Kind = iota + 1
	KindDateTime
	KindDate
)

const (
	// DateTimeLayout is the zone-less wire layout of datetime bounds.
	DateTimeLayout = "2006-01-02T15:04:05.999999"
	// DateLayout is the wire layout of date bounds.
	DateLayout = "2006-01-02"

	secondsPerDay = 24 * 60 * 60
)

func (k Kind) String() string {
	switch k {
	case KindNumeric:
		return "numeric"
	case KindDateTime:
		return "datetime"
	case KindDate:
		return "date"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Range is an inclusive [from, to] interval of one Kind. Bounds are stored as
// ordinals: the integer itself, microseconds since the epoch, or days since the
// epoch. The zero Range is invalid.
type Range struct {
	kind Kind
	from int64
	to   int64
}

// NewNumeric builds a numeric range such as a block number interval.
func NewNumeric(from, to int64) (Range, error) {
	return newRange(KindNumeric, from, to)
}

// NewDateTime builds a timestamp range. Bounds are interpreted in UTC and kept
// with microsecond precision.
func NewDateTime(from, to time.Time) (Range, error) {
	return newRange(KindDateTime, from.UTC().UnixMicro(), to.UTC().UnixMicro())
}

// NewDate builds a calendar date range from the year, month and day of each bound.
func NewDate(from, to time.Time) (Range, error) {
	return newRange(KindDate, dayOrdinal(from), dayOrdinal(to))
}

// Must panics if err is non-nil. Intended for literals in tests and examples.
func Must(r Range, err error) Range {
	if err != nil {
		panic(err)
	}
	return r
}

func newRange(kind Kind, from, to int64) (Range, error) {
	r := Range{kind: kind, from: from, to: to}
	if err := r.Validate(); err != nil {
		return Range{}, err
	}
	return r, nil
}

// Validate reports ErrInvalidRange when from > to and ErrUnknownRangeKind for
// the zero value.
func (r Range) Validate() error {
	switch r.kind {
	case KindNumeric, KindDateTime, KindDate:
	default:
		return fmt.Errorf("%w: %s", errspkg.ErrUnknownRangeKind, r.kind)
	}
	if r.from > r.to {
		return fmt.Errorf("%w: %s", errspkg.ErrInvalidRange, r)
	}
	return nil
}

func (r Range) Kind() Kind { return r.kind }

// Numeric returns the bounds of a numeric range.
func (r Range) Numeric() (from, to int64, ok bool) {
	if r.kind != KindNumeric {
		return 0, 0, false
	}
	return r.from, r.to, true
}

// DateTime returns the bounds of a datetime range in UTC.
func (r Range) DateTime() (from, to time.Time, ok bool) {
	if r.kind != KindDateTime {
		return time.Time{}, time.Time{}, false
	}
	return time.UnixMicro(r.from).UTC(), time.UnixMicro(r.to).UTC(), true
}

// Date returns the bounds of a date range as UTC midnights.
func (r Range) Date() (from, to time.Time, ok bool) {
	if r.kind != KindDate {
		return time.Time{}, time.Time{}, false
	}
	return dayTime(r.from), dayTime(r.to), true
}

// Overlaps reports whether r and other share at least one point. Ranges of
// different kinds never overlap.
func (r Range) Overlaps(other Range) bool {
	return Overlap(r, other)
}

func (r Range) String() string {
	from, to := r.boundText()
	return fmt.Sprintf("%s[%s, %s]", r.kind, from, to)
}

func (r Range) boundText() (string, string) {
	switch r.kind {
	case KindDateTime:
		from, to, _ := r.DateTime()
		return from.Format(DateTimeLayout), to.Format(DateTimeLayout)
	case KindDate:
		from, to, _ := r.Date()
		return from.Format(DateLayout), to.Format(DateLayout)
	default:
		return fmt.Sprint(r.from), fmt.Sprint(r.to)
	}
}

// Overlap is the inclusive-bound intersection test.
func Overlap(a, b Range) bool {
	if a.kind != b.kind {
		return false
	}
	return a.from <= b.to && b.from <= a.to
}

// Join returns the smallest range covering a and b.
func Join(a, b Range) (Range, error) {
	if a.kind != b.kind {
		return Range{}, fmt.Errorf("%w: %s and %s", errspkg.ErrRangeKindMismatch, a.kind, b.kind)
	}
	return Range{kind: a.kind, from: min(a.from, b.from), to: max(a.to, b.to)}, nil
}

// Compare orders ranges by kind, then from, then to.
func Compare(a, b Range) int {
	switch {
	case a.kind != b.kind:
		return cmpInt64(int64(a.kind), int64(b.kind))
	case a.from != b.from:
		return cmpInt64(a.from, b.from)
	default:
		return cmpInt64(a.to, b.to)
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func dayOrdinal(t time.Time) int64 {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / secondsPerDay
}

func dayTime(ordinal int64) time.Time {
	return time.Unix(ordinal*secondsPerDay, 0).UTC()
}

type numericBounds struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

type textBounds struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// wireRange is the externally tagged JSON form; exactly one field is set.
type wireRange struct {
	Numeric  *numericBounds `json:"numeric,omitempty"`
	DateTime *textBounds    `json:"datetime,omitempty"`
	Date     *textBounds    `json:"date,omitempty"`
}

func (r Range) MarshalJSON() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	var wire wireRange
	switch r.kind {
	case KindNumeric:
		wire.Numeric = &numericBounds{From: r.from, To: r.to}
	case KindDateTime:
		from, to := r.boundText()
		wire.DateTime = &textBounds{From: from, To: to}
	case KindDate:
		from, to := r.boundText()
		wire.Date = &textBounds{From: from, To: to}
	}
	return jsoncodec.Marshal(wire)
}

func (r *Range) UnmarshalJSON(data []byte) error {
	var wire wireRange
	if err := jsoncodec.Unmarshal(data, &wire); err != nil {
		return err
	}

	var (
		parsed Range
		err    error
		set    int
	)
	if wire.Numeric != nil {
		set++
		parsed, err = NewNumeric(wire.Numeric.From, wire.Numeric.To)
	}
	if wire.DateTime != nil {
		set++
		parsed, err = parseTextRange(wire.DateTime, parseDateTime, NewDateTime)
	}
	if wire.Date != nil {
		set++
		parsed, err = parseTextRange(wire.Date, parseDate, NewDate)
	}
	if set != 1 {
		return fmt.Errorf("%w: expected exactly one of numeric, datetime, date in %s", errspkg.ErrUnknownRangeKind, data)
	}
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func parseTextRange(b *textBounds, parse func(string) (time.Time, error), build func(time.Time, time.Time) (Range, error)) (Range, error) {
	from, err := parse(b.From)
	if err != nil {
		return Range{}, err
	}
	to, err := parse(b.To)
	if err != nil {
		return Range{}, err
	}
	return build(from, to)
}

// parseDateTime accepts the zone-less wire layout and, leniently, RFC 3339.
func parseDateTime(value string) (time.Time, error) {
	if t, err := time.Parse(DateTimeLayout, value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

func parseDate(value string) (time.Time, error) {
	return time.Parse(DateLayout, value)
}
