package pg

import (
	"errors"
	"fmt"
	"io/fs"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// ApplyMigrationsFromFS доводит схему до последней версии из встроенных
// миграций (dirName - каталог внутри fsys). Повторный запуск безопасен:
// migrate.ErrNoChange ошибкой не считается.
//
// "Грязное" состояние после прерванной миграции чинится только руками,
// поэтому возвращается как ошибка, а не откатывается молча.
func ApplyMigrationsFromFS(dsn string, fsys fs.FS, dirName string) error {
	src, err := iofs.New(fsys, dirName)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("open migrator: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		_, _ = srcErr, dbErr
	}()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("schema is dirty at version %d, fix it before start", version)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
