package history

import (
	"context"
	"time"

	"dsched/internal/scheduler"
)

// Record - одна строка журнала выполнения: исход одной попытки запуска.
type Record struct {
	EventID string
	JobID   string
	// Outcome - строковая форма исхода (success, error, skipped_*).
	Outcome string
	// Error - текст ошибки обработчика; пустая строка при успехе.
	Error       string
	ScheduledAt time.Time
	// StartedAt - нулевое время, если запуск не состоялся (пропуск).
	StartedAt  time.Time
	Duration   time.Duration
	RecordedAt time.Time
}

// Counts - агрегат исходов по одной задаче за период.
type Counts struct {
	Success int64
	Error   int64
	Skipped int64
}

// Total возвращает общее число учтённых попыток.
func (c Counts) Total() int64 {
	return c.Success + c.Error + c.Skipped
}

// bump относит исход к одному из трёх счётчиков.
// Все skipped_* исходы считаются пропусками.
func (c *Counts) bump(outcome string, n int64) {
	switch outcome {
	case "success":
		c.Success += n
	case "error":
		c.Error += n
	default:
		c.Skipped += n
	}
}

// Store - долговременное хранилище журнала выполнения.
// Реализации: SQLite (локальный файл) и PostgreSQL (общая БД).
type Store interface {
	// Append записывает пачку событий одной транзакцией.
	Append(ctx context.Context, recs []Record) error
	// Recent возвращает последние события, новые первыми.
	// Пустой jobID означает события всех задач.
	Recent(ctx context.Context, jobID string, limit int) ([]Record, error)
	// CountsSince возвращает агрегаты исходов по задачам начиная с момента since.
	CountsSince(ctx context.Context, since time.Time) (map[string]Counts, error)
	// DeleteBefore удаляет события старше cutoff и возвращает число удалённых строк.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// Ping проверяет доступность хранилища.
	Ping(ctx context.Context) error
	// Close освобождает ресурсы хранилища.
	Close() error
}

// FromEvent преобразует событие планировщика в строку журнала.
// Времена нормализуются к UTC, чтобы обе СУБД хранили одно и то же.
func FromEvent(ev scheduler.JobEvent) Record {
	rec := Record{
		EventID:     ev.EventID,
		JobID:       ev.JobID,
		Outcome:     ev.Outcome.String(),
		ScheduledAt: ev.ScheduledAt.UTC(),
		Duration:    ev.Duration,
		RecordedAt:  ev.Timestamp.UTC(),
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	}
	if !ev.StartedAt.IsZero() {
		rec.StartedAt = ev.StartedAt.UTC()
	}
	return rec
}
