package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"dsched/pkg/retry"
)

// txKey - ключ контекста, под которым лежит активная транзакция.
type txKey struct{}

// Querier покрывает общие методы *sql.DB, *sql.Tx и *sql.Conn.
// Хранилище журнала пишет через один интерфейс и не знает, попал ли
// запрос в транзакцию.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Tx)(nil)
	_ Querier = (*sql.Conn)(nil)
)

// TxRunner выполняет функцию внутри транзакции: вернула ошибку - откат,
// nil - коммит. Попытка, уткнувшаяся в SQLITE_BUSY, повторяется с паузой:
// вставка пачки событий и чистка журнала могут прийти одновременно.
type TxRunner struct {
	db       *sql.DB
	lockMode TxLockMode
	retryCfg retry.Config
}

// NewTxRunner создает раннер с режимом блокировки по умолчанию (DEFERRED).
func NewTxRunner(db *sql.DB) *TxRunner {
	return NewTxRunnerWithOptions(db, DefaultDBOptions())
}

// NewTxRunnerWithOptions создает раннер с режимом блокировки из opts.
func NewTxRunnerWithOptions(db *sql.DB, opts DBOptions) *TxRunner {
	return &TxRunner{
		db:       db,
		lockMode: opts.TxLockMode,
		// Паузы короткие: busy_timeout внутри SQLite уже отработал,
		// здесь только разводим конкурентов по времени.
		retryCfg: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     250 * time.Millisecond,
			Jitter:       true,
		},
	}
}

// WithinTx выполняет fn внутри транзакции. Внутри fn запросы идут через
// GetQuerier(ctx). Занятую базу раннер пробует еще раз, прикладные ошибки
// возвращает сразу.
func (r *TxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txFrom(ctx); ok {
		return errors.New("sqlite: nested transactions are not supported")
	}
	return retry.DoWithRetryable(ctx, r.retryCfg, func(ctx context.Context) error {
		return r.runOnce(ctx, fn)
	}, busyError)
}

// runOnce выполняет одну попытку транзакции.
func (r *TxRunner) runOnce(ctx context.Context, fn func(context.Context) error) error {
	if r.lockMode == TxLockDeferred || r.lockMode == "" {
		return r.runDeferred(ctx, fn)
	}
	return r.runLocked(ctx, fn)
}

// runDeferred - обычная транзакция database/sql.
func (r *TxRunner) runDeferred(ctx context.Context, fn func(context.Context) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(context.WithValue(ctx, txKey{}, Querier(tx))); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// runLocked открывает транзакцию ручным BEGIN с режимом блокировки.
// database/sql не умеет BEGIN IMMEDIATE, поэтому берем у пула одно
// соединение и держим всю транзакцию на нем: BEGIN, запросы fn и
// COMMIT обязаны пройти по одному и тому же соединению.
func (r *TxRunner) runLocked(ctx context.Context, fn func(context.Context) error) error {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN "+string(r.lockMode)); err != nil {
		return err
	}

	if err := fn(context.WithValue(ctx, txKey{}, Querier(conn))); err != nil {
		rollbackConn(conn)
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		rollbackConn(conn)
		return err
	}
	return nil
}

// rollbackConn откатывает ручную транзакцию на фоновом контексте: даже
// если вызывающего уже отменили, соединение обязано вернуться в пул
// без открытой транзакции.
func rollbackConn(conn *sql.Conn) {
	_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
}

// txFrom достает транзакционный Querier из контекста.
func txFrom(ctx context.Context) (Querier, bool) {
	q, ok := ctx.Value(txKey{}).(Querier)
	return q, ok
}

// GetQuerier возвращает транзакцию из контекста, если WithinTx ее туда
// положил, иначе основное подключение.
func (r *TxRunner) GetQuerier(ctx context.Context) Querier {
	if q, ok := txFrom(ctx); ok {
		return q
	}
	return r.db
}

// busyError отличает занятую базу от прикладной ошибки. Драйвер без cgo
// не отдает типизированный код, поэтому сверяем текст.
func busyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
