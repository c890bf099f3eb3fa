package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryStore - хранилище блокировок в памяти процесса. Используется, когда
// Redis не сконфигурирован (один экземпляр шедулера), и в тестах.
// Семантика операций повторяет Redis: SET NX PX и compare-and-delete,
// истекшие ключи считаются отсутствующими.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // нулевое значение - без срока
}

// NewMemoryStore создает пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

// SetIfAbsent реализует Store.
func (s *MemoryStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && !s.dead(e) {
		return false, nil
	}

	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = e
	return true, nil
}

// CompareAndDelete реализует Store.
func (s *MemoryStore) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || s.dead(e) {
		delete(s.entries, key)
		return false, nil
	}
	if e.value != token {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

// Len возвращает число живых ключей.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		if !s.dead(e) {
			n++
		}
	}
	return n
}

func (s *MemoryStore) dead(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}
