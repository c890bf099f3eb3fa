package history

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"dsched/internal/platform/pg"
	"dsched/internal/shared"
)

const pgInsertEvent = `
INSERT INTO job_events
    (event_id, job_id, outcome, error, scheduled_at, started_at, duration_ms, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (event_id) DO NOTHING`

const pgSelectRecent = `
SELECT event_id, job_id, outcome, error, scheduled_at, started_at, duration_ms, recorded_at
FROM job_events
ORDER BY id DESC
LIMIT $1`

const pgSelectRecentByJob = `
SELECT event_id, job_id, outcome, error, scheduled_at, started_at, duration_ms, recorded_at
FROM job_events
WHERE job_id = $1
ORDER BY id DESC
LIMIT $2`

const pgCountsSince = `
SELECT job_id, outcome, COUNT(*)
FROM job_events
WHERE recorded_at >= $1
GROUP BY job_id, outcome`

const pgDeleteBefore = `DELETE FROM job_events WHERE recorded_at < $1`

// PostgresStore хранит журнал выполнения в PostgreSQL.
// Используется при нескольких экземплярах: все пишут в одну таблицу,
// и журнал показывает картину кластера целиком.
type PostgresStore struct {
	pool   *pgxpool.Pool
	runner *pg.TxRunner
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore применяет миграции и открывает пул подключений.
// Ожидание доступности БД при старте - забота вызывающего (pg.WaitForDBSimple).
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if err := pg.ApplyMigrationsFromFS(dsn, MigrationsFS, MigrationsPostgresDir); err != nil {
		return nil, shared.Wrap(err, "migrate history db")
	}

	pool, err := pg.NewPool(ctx, dsn)
	if err != nil {
		return nil, shared.Wrap(err, "open history pool")
	}

	return &PostgresStore{
		pool:   pool,
		runner: pg.NewTxRunner(pool),
	}, nil
}

// Append записывает пачку событий одной транзакцией.
func (s *PostgresStore) Append(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	err := s.runner.WithinTx(ctx, func(ctx context.Context) error {
		q := s.runner.GetQuerier(ctx)
		for _, rec := range recs {
			_, err := q.Exec(ctx, pgInsertEvent,
				rec.EventID,
				rec.JobID,
				rec.Outcome,
				rec.Error,
				rec.ScheduledAt.UTC(),
				pgNullableTime(rec.StartedAt),
				rec.Duration.Milliseconds(),
				rec.RecordedAt.UTC(),
			)
			if err != nil {
				return shared.Wrapf(err, "insert event %s", rec.EventID)
			}
		}
		return nil
	})
	if err != nil {
		return shared.Wrap(err, "append events")
	}
	return nil
}

// Recent возвращает последние события, новые первыми.
func (s *PostgresStore) Recent(ctx context.Context, jobID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	query := pgSelectRecent
	args := []any{limit}
	if jobID != "" {
		query = pgSelectRecentByJob
		args = []any{jobID, limit}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, shared.Wrap(err, "query recent events")
	}
	defer rows.Close()

	recs := make([]Record, 0, limit)
	for rows.Next() {
		var (
			rec        Record
			started    *time.Time
			durationMS int64
		)
		err := rows.Scan(
			&rec.EventID,
			&rec.JobID,
			&rec.Outcome,
			&rec.Error,
			&rec.ScheduledAt,
			&started,
			&durationMS,
			&rec.RecordedAt,
		)
		if err != nil {
			return nil, shared.Wrap(err, "scan event")
		}
		if started != nil {
			rec.StartedAt = *started
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// CountsSince возвращает агрегаты исходов по задачам начиная с момента since.
func (s *PostgresStore) CountsSince(ctx context.Context, since time.Time) (map[string]Counts, error) {
	rows, err := s.pool.Query(ctx, pgCountsSince, since.UTC())
	if err != nil {
		return nil, shared.Wrap(err, "query outcome counts")
	}
	defer rows.Close()

	out := make(map[string]Counts)
	for rows.Next() {
		var (
			jobID   string
			outcome string
			n       int64
		)
		if err := rows.Scan(&jobID, &outcome, &n); err != nil {
			return nil, shared.Wrap(err, "scan outcome counts")
		}
		c := out[jobID]
		c.bump(outcome, n)
		out[jobID] = c
	}
	return out, rows.Err()
}

// DeleteBefore удаляет события старше cutoff и возвращает число удалённых строк.
func (s *PostgresStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, pgDeleteBefore, cutoff.UTC())
	if err != nil {
		return 0, shared.Wrap(err, "delete old events")
	}
	return tag.RowsAffected(), nil
}

// Ping проверяет доступность пула подключений.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return pg.HealthCheckPool(ctx, s.pool)
}

// Close закрывает пул подключений.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// pgNullableTime превращает нулевое время в NULL.
func pgNullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
