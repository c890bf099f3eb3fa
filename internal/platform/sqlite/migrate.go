package sqlite

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"strings"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// migrateURL превращает путь к файлу в URL для golang-migrate.
// Unix: /var/lib/dsched.db -> sqlite:///var/lib/dsched.db,
// Windows: C:\data\dsched.db -> sqlite:///C:/data/dsched.db.
func migrateURL(dbPath string) (string, error) {
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return "", fmt.Errorf("resolve db path: %w", err)
	}

	p := filepath.ToSlash(abs)
	if runtime.GOOS == "windows" && len(p) >= 2 && p[1] == ':' {
		p = "/" + p
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return "sqlite://" + p, nil
}

// ApplyMigrationsFromFS доводит схему файла до последней версии из
// встроенных миграций (dirName - каталог внутри fsys). Повторный вызов
// безопасен: migrate.ErrNoChange ошибкой не считается.
func ApplyMigrationsFromFS(dbPath string, fsys fs.FS, dirName string) error {
	u, err := migrateURL(dbPath)
	if err != nil {
		return err
	}

	src, err := iofs.New(fsys, dirName)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, u)
	if err != nil {
		return fmt.Errorf("open migrator: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		_, _ = srcErr, dbErr
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
