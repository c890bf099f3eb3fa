package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dsched/pkg/retry"
)

// probeTimeout ограничивает каждую отдельную проверку доступности.
const probeTimeout = 5 * time.Second

// WaitForDB пингует базу с паузами по cfg, пока она не ответит или не
// кончится бюджет повторов. Нужна при старте: процесс нередко поднимается
// одновременно с контейнером PostgreSQL и не должен падать из-за этой гонки.
func WaitForDB(ctx context.Context, dsn string, cfg retry.Config) error {
	err := retry.DoWithRetryable(ctx, cfg, func(ctx context.Context) error {
		return pingOnce(ctx, dsn)
	}, func(err error) bool {
		// Пока база поднимается, она может отвечать чем угодно - повторяем
		// все, кроме отмены: отмена значит, что приложение сворачивается.
		return !errors.Is(err, context.Canceled)
	})
	if err != nil {
		return fmt.Errorf("waiting for postgres: %w", err)
	}
	return nil
}

// WaitForDBSimple ждет доступности базы не дольше timeout.
func WaitForDBSimple(ctx context.Context, dsn string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 30
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = 10 * time.Second
	cfg.MaxElapsedTime = timeout
	return WaitForDB(ctx, dsn, cfg)
}

// pingOnce открывает одиночное соединение и сразу закрывает его.
// Пул ради разовой пробы не поднимаем.
func pingOnce(ctx context.Context, dsn string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() { _ = conn.Close(ctx) }()

	return conn.Ping(ctx)
}

// HealthCheckPool проверяет живость уже открытого пула: ping плюс
// контрольный SELECT, который проходит через реальное соединение пула.
func HealthCheckPool(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("pool is nil")
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("pool ping: %w", err)
	}

	var one int
	if err := pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("probe query: %w", err)
	}
	return nil
}
