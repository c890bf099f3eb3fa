package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dsched/pkg/retry"
)

// Options содержит настройки подключения к Redis.
type Options struct {
	// Addr - адрес сервера в формате host:port
	Addr string
	// Password - пароль (пустая строка, если аутентификация отключена)
	Password string
	// DB - номер логической базы данных
	DB int
	// DialTimeout - таймаут установки соединения
	DialTimeout time.Duration
	// ReadTimeout - таймаут чтения ответа команды
	ReadTimeout time.Duration
	// WriteTimeout - таймаут отправки команды
	WriteTimeout time.Duration
	// PoolSize - размер пула соединений
	PoolSize int
	// PingTimeout - таймаут проверки соединения при создании клиента
	PingTimeout time.Duration
}

// DefaultOptions возвращает настройки по умолчанию для шедулера.
// Таймауты короткие: захват блокировки не должен задерживать цикл планирования.
func DefaultOptions(addr string) Options {
	return Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     8,
		PingTimeout:  5 * time.Second,
	}
}

// normalize подставляет значения по умолчанию для незаполненных полей.
func (o Options) normalize() Options {
	def := DefaultOptions(o.Addr)
	if o.DialTimeout <= 0 {
		o.DialTimeout = def.DialTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = def.ReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.PoolSize <= 0 {
		o.PoolSize = def.PoolSize
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = def.PingTimeout
	}
	return o
}

// Client обертывает go-redis клиент операциями хранилища блокировок.
type Client struct {
	rdb *redis.Client
}

// New создает клиент Redis и проверяет соединение с настраиваемым таймаутом.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis: addr is empty")
	}
	opts = opts.normalize()

	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", opts.Addr, err)
	}

	return &Client{rdb: rdb}, nil
}

// WaitReady ожидает доступности Redis, создавая временное соединение на каждую
// попытку. Используется при старте, пока контейнер Redis еще поднимается.
func WaitReady(ctx context.Context, opts Options, maxAttempts int) error {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = maxAttempts
	cfg.InitialDelay = 500 * time.Millisecond
	cfg.MaxDelay = 5 * time.Second

	return retry.DoWithRetryable(ctx, cfg, func(ctx context.Context) error {
		c, err := New(ctx, opts)
		if err != nil {
			return err
		}
		return c.Close()
	}, func(err error) bool {
		// Повторяем любые ошибки соединения, но не отмену контекста.
		return !errors.Is(err, context.Canceled)
	})
}

// compareAndDelete удаляет ключ, только если его значение совпадает с ARGV[1].
// Сравнение и удаление выполняются атомарно на стороне сервера.
var compareAndDelete = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// SetIfAbsent атомарно записывает значение с TTL, если ключ отсутствует (SET NX PX).
// Возвращает true, если значение записано этим вызовом.
func (c *Client) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// CompareAndDelete удаляет ключ, если его текущее значение равно token.
// Возвращает true, если ключ был удален этим вызовом. Run сам выполняет
// EVALSHA с откатом на EVAL, когда скрипт еще не загружен на сервер.
func (c *Client) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, c.rdb, []string{key}, token).Int()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete %s: %w", key, err)
	}
	return n == 1, nil
}

// Ping выполняет разовую проверку доступности сервера.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close закрывает пул соединений.
func (c *Client) Close() error {
	return c.rdb.Close()
}
