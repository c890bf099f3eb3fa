package history

import "embed"

// MigrationsFS содержит встроенные миграции схемы журнала для обоих бэкендов.
// Директории migrations/sqlite и migrations/postgres применяются через
// golang-migrate с iofs-источником, поэтому бинарник самодостаточен.
//
//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var MigrationsFS embed.FS

const (
	// MigrationsSQLiteDir - путь к миграциям SQLite внутри MigrationsFS.
	MigrationsSQLiteDir = "migrations/sqlite"
	// MigrationsPostgresDir - путь к миграциям PostgreSQL внутри MigrationsFS.
	MigrationsPostgresDir = "migrations/postgres"
)
