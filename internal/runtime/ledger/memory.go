package ledger

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. It backs tests and the
// memory:// ledger URL.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]JobRecord
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int64]JobRecord)}
}

func (m *MemoryStore) Insert(_ context.Context, rec JobRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errStoreClosed
	}
	m.nextID++
	rec.ID = m.nextID
	rec.Request = slices.Clone(rec.Request)
	m.records[rec.ID] = rec
	return rec.ID, nil
}

func (m *MemoryStore) UpdateProgress(_ context.Context, id, progress int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.open(id)
	if err != nil {
		return err
	}
	rec.Progress = progress
	m.records[id] = rec
	return nil
}

func (m *MemoryStore) Finish(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.open(id)
	if err != nil {
		return err
	}
	finished := at.UTC()
	rec.FinishedAt = &finished
	m.records[id] = rec
	return nil
}

func (m *MemoryStore) Unfinished(_ context.Context, jobID string) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errStoreClosed
	}
	var out []JobRecord
	for _, rec := range m.records {
		if rec.JobID == jobID && !rec.Finished() {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, newestFirst)
	return out, nil
}

// Get returns any record, finished or not.
func (m *MemoryStore) Get(id int64) (JobRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return rec, ok
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStore) open(id int64) (JobRecord, error) {
	if m.closed {
		return JobRecord{}, errStoreClosed
	}
	rec, ok := m.records[id]
	if !ok || rec.Finished() {
		return JobRecord{}, errNoOpenRow
	}
	return rec, nil
}
