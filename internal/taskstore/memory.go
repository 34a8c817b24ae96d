package taskstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

type memoryEntry struct {
	values    [][]byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store used when Redis is not configured and
// in tests. Values are stored JSON encoded, mirroring RedisStore, so both
// stores round-trip identically.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*memoryEntry
	ttl  time.Duration
	now  func() time.Time
}

// NewMemoryStore creates a MemoryStore. A non-positive ttl means DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		data: make(map[string]*memoryEntry),
		ttl:  ttl,
		now:  time.Now,
	}
}

func (s *MemoryStore) push(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		e = &memoryEntry{}
		s.data[key] = e
	}
	e.values = append(e.values, raw)
	e.expiresAt = s.now().Add(s.ttl)
	return nil
}

func (s *MemoryStore) set(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = &memoryEntry{values: [][]byte{raw}, expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) list(key string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return nil
	}
	out := make([][]byte, len(e.values))
	copy(out, e.values)
	return out
}

// live returns the entry for key, evicting it if expired. Must hold mu.
func (s *MemoryStore) live(key string) *memoryEntry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.data, key)
		return nil
	}
	return e
}

// AppendHistory implements Store.
func (s *MemoryStore) AppendHistory(_ context.Context, paperID string, entry domain.TaskHistoryEntry) error {
	return s.push(HistoryKey(paperID), entry)
}

// History implements Store.
func (s *MemoryStore) History(_ context.Context, paperID string) ([]domain.TaskHistoryEntry, error) {
	return decodeList[domain.TaskHistoryEntry](s.list(HistoryKey(paperID)))
}

// AppendError implements Store.
func (s *MemoryStore) AppendError(_ context.Context, paperID string, entry domain.TaskErrorEntry) error {
	return s.push(ErrorsKey(paperID), entry)
}

// Errors implements Store.
func (s *MemoryStore) Errors(_ context.Context, paperID string) ([]domain.TaskErrorEntry, error) {
	return decodeList[domain.TaskErrorEntry](s.list(ErrorsKey(paperID)))
}

// SetProgress implements Store.
func (s *MemoryStore) SetProgress(_ context.Context, p Progress) error {
	return s.set(ProgressKey(p.TaskID), p)
}

// Progress implements Store.
func (s *MemoryStore) Progress(_ context.Context, taskID string) (*Progress, error) {
	values := s.list(ProgressKey(taskID))
	if len(values) == 0 {
		return nil, domain.NewNotFoundError("task progress", taskID)
	}
	var p Progress
	if err := json.Unmarshal(values[0], &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func decodeList[T any](values [][]byte) ([]T, error) {
	out := make([]T, 0, len(values))
	for _, raw := range values {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
