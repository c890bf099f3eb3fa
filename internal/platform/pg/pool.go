package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOptions задает параметры пула подключений к PostgreSQL.
type PoolOptions struct {
	// MaxConns - верхняя граница числа соединений в пуле
	MaxConns int32
	// MinConns - сколько соединений пул держит открытыми постоянно
	MinConns int32
	// HealthCheckPeriod - период фоновой проверки соединений пула
	HealthCheckPeriod time.Duration
	// MaxConnLifetime - предельный возраст соединения до пересоздания
	MaxConnLifetime time.Duration
	// MaxConnIdleTime - простой, после которого соединение закрывается
	MaxConnIdleTime time.Duration
	// PingTimeout - таймаут контрольного пинга при создании пула
	PingTimeout time.Duration
}

// DefaultPoolOptions возвращает настройки, рассчитанные на журнал выполнения:
// пишет одна goroutine пачками, читают редкие запросы HTTP-слоя,
// поэтому пул держим маленьким.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MaxConns:          8,
		MinConns:          1,
		HealthCheckPeriod: 30 * time.Second,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   15 * time.Minute,
		PingTimeout:       5 * time.Second,
	}
}

// apply переносит настройки в разобранную конфигурацию pgxpool.
func (o PoolOptions) apply(cfg *pgxpool.Config) {
	cfg.MaxConns = o.MaxConns
	cfg.MinConns = o.MinConns
	cfg.HealthCheckPeriod = o.HealthCheckPeriod
	cfg.MaxConnLifetime = o.MaxConnLifetime
	cfg.MaxConnIdleTime = o.MaxConnIdleTime
}

// NewPool создает пул с настройками по умолчанию.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	return NewPoolWithOptions(ctx, dsn, DefaultPoolOptions())
}

// NewPoolWithOptions создает пул подключений и проверяет его пингом.
// Полуживой пул наружу не отдается: если пинг не прошел, пул закрывается
// и возвращается ошибка.
func NewPoolWithOptions(ctx context.Context, dsn string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	opts.apply(cfg)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping new pool: %w", err)
	}

	return pool, nil
}
