package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // драйвер без cgo
)

// TxLockMode задает, когда транзакция захватывает блокировку записи.
type TxLockMode string

const (
	// TxLockDeferred - блокировка откладывается до первой записи (умолчание SQLite)
	TxLockDeferred TxLockMode = "DEFERRED"
	// TxLockImmediate - RESERVED захватывается сразу на BEGIN; писатели
	// выстраиваются в очередь вместо SQLITE_BUSY посреди транзакции
	TxLockImmediate TxLockMode = "IMMEDIATE"
	// TxLockExclusive - EXCLUSIVE сразу на BEGIN, отсекает и читателей
	TxLockExclusive TxLockMode = "EXCLUSIVE"
)

// DBOptions задает параметры открытия файла SQLite.
type DBOptions struct {
	// MaxOpenConns - верхняя граница соединений: писатель плюс читатели
	MaxOpenConns int
	// MaxIdleConns - сколько простаивающих соединений держать открытыми
	MaxIdleConns int
	// ConnMaxLifetime - предельный возраст соединения (0 - без ограничения)
	ConnMaxLifetime time.Duration
	// ConnMaxIdleTime - предельный простой соединения (0 - без ограничения)
	ConnMaxIdleTime time.Duration
	// PingTimeout - таймаут контрольного пинга при открытии
	PingTimeout time.Duration
	// WALMode - включить журнал WAL, чтения не блокируют запись
	WALMode bool
	// ForeignKeys - включить проверку внешних ключей
	ForeignKeys bool
	// BusyTimeout - сколько соединение ждет снятия чужой блокировки
	BusyTimeout time.Duration
	// TxLockMode - режим захвата блокировки для TxRunner
	TxLockMode TxLockMode
}

// DefaultDBOptions возвращает настройки под журнал выполнения: один писатель
// пачками, параллельные чтения через WAL. Сроки жизни соединений не
// ограничиваем - файл локальный, протухать нечему.
func DefaultDBOptions() DBOptions {
	return DBOptions{
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		PingTimeout:  5 * time.Second,
		WALMode:      true,
		ForeignKeys:  true,
		BusyTimeout:  5 * time.Second,
		TxLockMode:   TxLockDeferred,
	}
}

// NewDB открывает файл SQLite с настройками по умолчанию.
func NewDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	return NewDBWithOptions(ctx, dbPath, DefaultDBOptions())
}

// NewDBWithOptions открывает файл SQLite, создавая недостающие директории.
// PRAGMA-настройки передаются в DSN: так драйвер применяет их к каждому
// новому соединению пула, а не только к тому, где выполнился Exec.
func NewDBWithOptions(ctx context.Context, dbPath string, opts DBOptions) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", buildDSN(dbPath, opts))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", dbPath, err)
	}

	return db, nil
}

// buildDSN собирает file-URI с параметрами _pragma, которые modernc-драйвер
// выполняет на каждом открываемом соединении.
func buildDSN(dbPath string, opts DBOptions) string {
	params := make([]string, 0, 4)
	if opts.BusyTimeout > 0 {
		params = append(params, fmt.Sprintf("_pragma=busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	}
	if opts.WALMode {
		params = append(params, "_pragma=journal_mode(WAL)")
	}
	if opts.ForeignKeys {
		params = append(params, "_pragma=foreign_keys(1)")
	}
	params = append(params, "_pragma=synchronous(NORMAL)")

	return "file:" + dbPath + "?" + strings.Join(params, "&")
}
