package crm

import (
	"database/sql"
	"embed"

	migrate "github.com/rubenv/sql-migrate"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// MigrationTable records applied schema versions.
const MigrationTable = "drip_migrations"

// Migrations returns the embedded schema migrations.
func Migrations() migrate.MigrationSource {
	return &migrate.EmbedFileSystemMigrationSource{FileSystem: migrationFS, Root: "migrations"}
}

func migrationSet() *migrate.MigrationSet {
	return &migrate.MigrationSet{TableName: MigrationTable}
}

// Migrate applies up to max migrations in dir. max <= 0 applies all.
func Migrate(db *sql.DB, dir migrate.MigrationDirection, max int) (int, error) {
	return migrationSet().ExecMax(db, "postgres", Migrations(), dir, max)
}

// Applied lists the migrations recorded as applied.
func Applied(db *sql.DB) ([]*migrate.MigrationRecord, error) {
	return migrationSet().GetMigrationRecords(db, "postgres")
}
