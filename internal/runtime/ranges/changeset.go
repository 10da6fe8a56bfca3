package ranges

import (
	"fmt"
	"slices"
	"strings"

	errspkg "github.com/drblury/tierflow/internal/runtime/errors"
	"github.com/drblury/tierflow/internal/runtime/jsoncodec"
)

// ChangeSet is an ordered collection of RangeQuery values that share a single
// range kind. Within one filter scope no two entries overlap: Push joins an
// incoming query into any entry it touches and keeps coalescing until the
// scope is disjoint again.
type ChangeSet struct {
	queries []RangeQuery
}

// NewChangeSet pushes each query in order.
func NewChangeSet(queries ...RangeQuery) (ChangeSet, error) {
	var cs ChangeSet
	for _, q := range queries {
		if err := cs.Push(q); err != nil {
			return ChangeSet{}, err
		}
	}
	return cs, nil
}

// MustChangeSet panics on error.
func MustChangeSet(queries ...RangeQuery) ChangeSet {
	cs, err := NewChangeSet(queries...)
	if err != nil {
		panic(err)
	}
	return cs
}

// Push adds q. The first entry fixes the kind of the set; a query of another
// kind is rejected with ErrMergeRejected and the set is left unchanged.
func (c *ChangeSet) Push(q RangeQuery) error {
	if err := q.Validate(); err != nil {
		return err
	}
	if len(c.queries) == 0 {
		c.queries = []RangeQuery{q}
		return nil
	}
	if kind := c.queries[0].Range.Kind(); kind != q.Range.Kind() {
		return fmt.Errorf("%w: set holds %s, got %s", errspkg.ErrMergeRejected, kind, q.Range.Kind())
	}

	key := q.Filters.Key()
	for i := range c.queries {
		existing := c.queries[i]
		if existing.Filters.Key() != key || !Overlap(existing.Range, q.Range) {
			continue
		}
		joined, err := Join(existing.Range, q.Range)
		if err != nil {
			return err
		}
		// copies of a ChangeSet share the backing array until one of them mutates
		next := ChangeSet{queries: slices.Clone(c.queries)}
		next.queries[i].Range = joined
		if err := next.coalesce(i, key); err != nil {
			return err
		}
		*c = next
		return nil
	}
	c.queries = append(slices.Clip(c.queries), q)
	return nil
}

// coalesce folds every entry of the same scope that overlaps queries[i] into
// it. A widened range may bridge entries that were disjoint before.
func (c *ChangeSet) coalesce(i int, key string) error {
	for {
		merged := false
		for j := 0; j < len(c.queries); j++ {
			if j == i {
				continue
			}
			other := c.queries[j]
			if other.Filters.Key() != key || !Overlap(c.queries[i].Range, other.Range) {
				continue
			}
			joined, err := Join(c.queries[i].Range, other.Range)
			if err != nil {
				return err
			}
			c.queries[i].Range = joined
			c.queries = slices.Delete(c.queries, j, j+1)
			if j < i {
				i--
			}
			merged = true
			break
		}
		if !merged {
			return nil
		}
	}
}

// Merge pushes every entry of other into c.
func (c *ChangeSet) Merge(other ChangeSet) error {
	for _, q := range slices.Clone(other.queries) {
		if err := c.Push(q); err != nil {
			return err
		}
	}
	return nil
}

// LowestRanges returns, per distinct filter scope, the entry whose range sorts
// lowest. Scopes appear in the order they were first seen.
func (c ChangeSet) LowestRanges() []RangeQuery {
	index := make(map[string]int)
	var lowest []RangeQuery
	for _, q := range c.queries {
		key := q.Filters.Key()
		pos, ok := index[key]
		if !ok {
			index[key] = len(lowest)
			lowest = append(lowest, q)
			continue
		}
		if Compare(q.Range, lowest[pos].Range) < 0 {
			lowest[pos] = q
		}
	}
	return lowest
}

// Validate checks that no two entries of the same scope overlap and that all
// entries share one kind.
func (c ChangeSet) Validate() error {
	if len(c.queries) == 0 {
		return nil
	}
	type keyed struct {
		key string
		q   RangeQuery
	}
	sorted := make([]keyed, 0, len(c.queries))
	kind := c.queries[0].Range.Kind()
	for _, q := range c.queries {
		if err := q.Validate(); err != nil {
			return err
		}
		if q.Range.Kind() != kind {
			return fmt.Errorf("%w: %s and %s", errspkg.ErrMergeRejected, kind, q.Range.Kind())
		}
		sorted = append(sorted, keyed{key: q.Filters.Key(), q: q})
	}
	slices.SortFunc(sorted, func(a, b keyed) int {
		if byKey := strings.Compare(a.key, b.key); byKey != 0 {
			return byKey
		}
		return Compare(a.q.Range, b.q.Range)
	})
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if prev.key == cur.key && Overlap(prev.q.Range, cur.q.Range) {
			return fmt.Errorf("%w: %s and %s", errspkg.ErrInvalidChangeSet, prev.q, cur.q)
		}
	}
	return nil
}

// Queries returns a copy of the entries in insertion order.
func (c ChangeSet) Queries() []RangeQuery {
	return slices.Clone(c.queries)
}

// Ranges returns the range of every entry in insertion order.
func (c ChangeSet) Ranges() []Range {
	out := make([]Range, len(c.queries))
	for i, q := range c.queries {
		out[i] = q.Range
	}
	return out
}

func (c ChangeSet) Len() int { return len(c.queries) }

func (c ChangeSet) IsEmpty() bool { return len(c.queries) == 0 }

// Kind is the kind of the first entry, or zero for an empty set.
func (c ChangeSet) Kind() Kind {
	if len(c.queries) == 0 {
		return 0
	}
	return c.queries[0].Range.Kind()
}

func (c ChangeSet) MarshalJSON() ([]byte, error) {
	if c.queries == nil {
		return []byte("[]"), nil
	}
	return jsoncodec.Marshal(c.queries)
}

// UnmarshalJSON rebuilds the set through Push, so a payload from another
// producer is normalized before use.
func (c *ChangeSet) UnmarshalJSON(data []byte) error {
	var queries []RangeQuery
	if err := jsoncodec.Unmarshal(data, &queries); err != nil {
		return err
	}
	cs, err := NewChangeSet(queries...)
	if err != nil {
		return err
	}
	*c = cs
	return nil
}

// Tables maps a table name to the changes applied to it.
type Tables map[string]ChangeSet

// Add merges cs into the entry for table, creating it if needed.
func (t Tables) Add(table string, cs ChangeSet) error {
	existing := t[table]
	if err := existing.Merge(cs); err != nil {
		return fmt.Errorf("table %s: %w", table, err)
	}
	t[table] = existing
	return nil
}

// Merge adds every table of other into t.
func (t Tables) Merge(other Tables) error {
	for _, name := range other.Names() {
		if err := t.Add(name, other[name]); err != nil {
			return err
		}
	}
	return nil
}

// Names returns the table names in lexical order.
func (t Tables) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Validate runs ChangeSet.Validate for every table.
func (t Tables) Validate() error {
	for _, name := range t.Names() {
		if err := t[name].Validate(); err != nil {
			return fmt.Errorf("table %s: %w", name, err)
		}
	}
	return nil
}
