package history

import (
	"context"
	"database/sql"
	"time"

	"dsched/internal/platform/sqlite"
	"dsched/internal/shared"
)

// defaultRecentLimit применяется когда вызывающий не указал лимит выборки.
const defaultRecentLimit = 50

const sqliteInsertEvent = `
INSERT OR IGNORE INTO job_events
    (event_id, job_id, outcome, error, scheduled_at, started_at, duration_ms, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

const sqliteSelectRecent = `
SELECT event_id, job_id, outcome, error, scheduled_at, started_at, duration_ms, recorded_at
FROM job_events
ORDER BY id DESC
LIMIT ?`

const sqliteSelectRecentByJob = `
SELECT event_id, job_id, outcome, error, scheduled_at, started_at, duration_ms, recorded_at
FROM job_events
WHERE job_id = ?
ORDER BY id DESC
LIMIT ?`

const sqliteCountsSince = `
SELECT job_id, outcome, COUNT(*)
FROM job_events
WHERE recorded_at >= ?
GROUP BY job_id, outcome`

const sqliteDeleteBefore = `DELETE FROM job_events WHERE recorded_at < ?`

// SQLiteStore хранит журнал выполнения в локальном файле SQLite.
// Подходит для одиночного экземпляра: журнал живёт рядом с процессом
// и не требует внешней СУБД.
type SQLiteStore struct {
	db     *sql.DB
	runner *sqlite.TxRunner
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore открывает (или создаёт) файл журнала и применяет миграции.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sqlite.NewDB(ctx, dbPath)
	if err != nil {
		return nil, shared.Wrapf(err, "open history db %s", dbPath)
	}

	if err := sqlite.ApplyMigrationsFromFS(dbPath, MigrationsFS, MigrationsSQLiteDir); err != nil {
		_ = db.Close()
		return nil, shared.Wrapf(err, "migrate history db %s", dbPath)
	}

	// Запись идёт пачками из одной goroutine, но с чисткой журнала она
	// может пересекаться: IMMEDIATE захватывает блокировку сразу и вместе
	// с busy-ретраями раннера убирает гонку за писателя.
	opts := sqlite.DefaultDBOptions()
	opts.TxLockMode = sqlite.TxLockImmediate

	return &SQLiteStore{
		db:     db,
		runner: sqlite.NewTxRunnerWithOptions(db, opts),
	}, nil
}

// Append записывает пачку событий одной транзакцией.
func (s *SQLiteStore) Append(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	return s.runner.WithinTx(ctx, func(ctx context.Context) error {
		q := s.runner.GetQuerier(ctx)
		stmt, err := q.PrepareContext(ctx, sqliteInsertEvent)
		if err != nil {
			return shared.Wrap(err, "prepare insert")
		}
		defer stmt.Close()

		for _, rec := range recs {
			_, err := stmt.ExecContext(ctx,
				rec.EventID,
				rec.JobID,
				rec.Outcome,
				rec.Error,
				rec.ScheduledAt.UTC(),
				nullableTime(rec.StartedAt),
				rec.Duration.Milliseconds(),
				rec.RecordedAt.UTC(),
			)
			if err != nil {
				return shared.Wrapf(err, "insert event %s", rec.EventID)
			}
		}
		return nil
	})
}

// Recent возвращает последние события, новые первыми.
func (s *SQLiteStore) Recent(ctx context.Context, jobID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if jobID == "" {
		rows, err = s.db.QueryContext(ctx, sqliteSelectRecent, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, sqliteSelectRecentByJob, jobID, limit)
	}
	if err != nil {
		return nil, shared.Wrap(err, "query recent events")
	}
	defer rows.Close()

	recs := make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, shared.Wrap(err, "scan event")
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// CountsSince возвращает агрегаты исходов по задачам начиная с момента since.
func (s *SQLiteStore) CountsSince(ctx context.Context, since time.Time) (map[string]Counts, error) {
	rows, err := s.db.QueryContext(ctx, sqliteCountsSince, since.UTC())
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
// Выполняется через раннер: чистка может пересечься с записью пачки.
func (s *SQLiteStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.runner.WithinTx(ctx, func(ctx context.Context) error {
		q := s.runner.GetQuerier(ctx)
		res, err := q.ExecContext(ctx, sqliteDeleteBefore, cutoff.UTC())
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, shared.Wrap(err, "delete old events")
	}
	return deleted, nil
}

// Ping проверяет доступность файла журнала.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close закрывает подключение к файлу журнала.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanSQLiteRecord читает одну строку журнала, разворачивая NULL started_at.
func scanSQLiteRecord(rows *sql.Rows) (Record, error) {
	var (
		rec        Record
		started    sql.NullTime
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
		return Record{}, err
	}
	if started.Valid {
		rec.StartedAt = started.Time
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	return rec, nil
}

// nullableTime превращает нулевое время в NULL.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
