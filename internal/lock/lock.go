// Package lock реализует распределенный мьютекс задач поверх общего
// хранилища блокировок. Захват выполняется через SET NX PX с уникальным
// токеном, освобождение - через атомарный compare-and-delete, поэтому
// истекшую или перехваченную блокировку нельзя снять чужим токеном.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dsched/internal/shared"
)

// KeyPrefix - общий префикс ключей блокировок в хранилище.
const KeyPrefix = "scheduler:lock:"

// Key возвращает ключ блокировки для задачи.
func Key(jobID string) string {
	return KeyPrefix + jobID
}

// Store - минимальный контракт хранилища блокировок.
// Реализации: Redis-клиент (несколько экземпляров шедулера) и
// MemoryStore (один процесс, без внешних зависимостей).
type Store interface {
	// SetIfAbsent атомарно записывает значение с TTL, если ключ отсутствует.
	// Возвращает true, если значение записано этим вызовом.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete удаляет ключ, только если его значение равно token.
	// Возвращает true, если ключ был удален.
	CompareAndDelete(ctx context.Context, key, token string) (bool, error)
}

// Handle - подтверждение владения блокировкой, выданное TryAcquire.
// Токен уникален для каждого захвата и обязателен при освобождении.
type Handle struct {
	Key        string
	Token      string
	TTL        time.Duration
	AcquiredAt time.Time
}

// Mutex - распределенный мьютекс одной задачи. Мьютекс не реентерабелен:
// повторный захват при живом ключе вернет false, как и захват из другого
// экземпляра.
type Mutex struct {
	store Store
	key   string
	ttl   time.Duration
}

// NewMutex создает мьютекс для задачи jobID с заданным TTL блокировки.
// TTL - страховка от навсегда зависшей блокировки при падении процесса.
func NewMutex(store Store, jobID string, ttl time.Duration) *Mutex {
	return &Mutex{store: store, key: Key(jobID), ttl: ttl}
}

// Key возвращает ключ блокировки в хранилище.
func (m *Mutex) Key() string { return m.key }

// TTL возвращает срок жизни блокировки.
func (m *Mutex) TTL() time.Duration { return m.ttl }

// TryAcquire пытается захватить блокировку без ожидания. Возвращает handle
// и true при успехе; false без ошибки, если ключ занят другим владельцем.
// Ошибка хранилища помечается как ErrLockUnavailable: без подтвержденного
// владения задачу запускать нельзя.
func (m *Mutex) TryAcquire(ctx context.Context) (Handle, bool, error) {
	token := uuid.NewString()

	ok, err := m.store.SetIfAbsent(ctx, m.key, token, m.ttl)
	if err != nil {
		return Handle{}, false, shared.MarkKind(
			fmt.Errorf("acquire %s: %w", m.key, err), shared.KindLockUnavailable)
	}
	if !ok {
		return Handle{}, false, nil
	}

	return Handle{
		Key:        m.key,
		Token:      token,
		TTL:        m.ttl,
		AcquiredAt: time.Now().UTC(),
	}, true, nil
}

// Release освобождает блокировку, если токен handle все еще владеет ключом.
// Если ключ истек или перехвачен другим экземпляром, возвращается
// ErrLockNotOwned: чужую блокировку снимать нельзя.
func (m *Mutex) Release(ctx context.Context, h Handle) error {
	deleted, err := m.store.CompareAndDelete(ctx, h.Key, h.Token)
	if err != nil {
		return shared.MarkKind(
			fmt.Errorf("release %s: %w", h.Key, err), shared.KindLockUnavailable)
	}
	if !deleted {
		return shared.MarkKind(
			fmt.Errorf("release %s: key expired or taken over", h.Key), shared.KindLockNotOwned)
	}
	return nil
}
