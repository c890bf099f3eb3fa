// Package sqlite - встроенный бэкенд журнала выполнения: файл рядом с
// процессом, без внешней СУБД. Запись идет пачками из одной goroutine,
// чтения проходят параллельно через WAL.
//
// Открытие файла с настройками по умолчанию:
//
//	db, err := sqlite.NewDB(ctx, "data/dsched.db")
//	if err != nil {
//		return err
//	}
//	defer db.Close()
//
// PRAGMA-настройки (busy_timeout, journal_mode, foreign_keys) передаются
// через DSN и применяются к каждому соединению пула.
//
// Транзакции выполняются через TxRunner: функция вернула ошибку - откат,
// nil - коммит, SQLITE_BUSY повторяется с паузой:
//
//	runner := sqlite.NewTxRunner(db)
//	err = runner.WithinTx(ctx, func(ctx context.Context) error {
//		q := runner.GetQuerier(ctx)
//		_, err := q.ExecContext(ctx, "INSERT INTO job_events (job_id) VALUES (?)", "nightly-report")
//		return err
//	})
//
// Когда писатели могут столкнуться (запись пачки против чистки журнала),
// блокировку стоит захватывать сразу на BEGIN:
//
//	opts := sqlite.DefaultDBOptions()
//	opts.TxLockMode = sqlite.TxLockImmediate
//	runner := sqlite.NewTxRunnerWithOptions(db, opts)
//
// Миграции вшиваются в бинарник и применяются при старте:
//
//	//go:embed migrations/sqlite/*.sql
//	var migrationsFS embed.FS
//
//	err = sqlite.ApplyMigrationsFromFS("data/dsched.db", migrationsFS, "migrations/sqlite")
package sqlite
