package pg

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// txKey - ключ контекста, под которым лежит открытая транзакция.
type txKey struct{}

// Querier покрывает общие методы пула и транзакции. Хранилище журнала
// пишет через один интерфейс и не знает, идет ли запрос в транзакции.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ Querier = (*pgxpool.Pool)(nil)
	_ Querier = (pgx.Tx)(nil)
)

// TxRunner выполняет функцию внутри транзакции: вернула ошибку - откат,
// вернула nil - коммит. Пачка событий журнала попадает в базу целиком
// либо не попадает вовсе.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner оборачивает пул подключений.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// WithinTx выполняет fn в транзакции с опциями по умолчанию.
// Внутри fn транзакция доступна через PgxTx либо GetQuerier.
func (r *TxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.WithinTxWithOptions(ctx, pgx.TxOptions{}, fn)
}

// WithinTxWithOptions выполняет fn в транзакции с заданными опциями.
// Коммит и откат берет на себя pgx.BeginTxFunc, включая откат при панике.
func (r *TxRunner) WithinTxWithOptions(ctx context.Context, txOptions pgx.TxOptions, fn func(ctx context.Context) error) error {
	return pgx.BeginTxFunc(ctx, r.pool, txOptions, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// PgxTx достает открытую транзакцию из контекста.
// Второе значение false означает, что транзакции в контексте нет.
func PgxTx(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// GetQuerier возвращает транзакцию из контекста, если она там есть,
// иначе пул. Запросы внутри WithinTx автоматически идут через транзакцию.
func (r *TxRunner) GetQuerier(ctx context.Context) Querier {
	if tx, ok := PgxTx(ctx); ok {
		return tx
	}
	return r.pool
}
