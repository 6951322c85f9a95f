package database

import (
	"database/sql"
	"embed"
	"fmt"

	migrate "github.com/rubenv/sql-migrate"
	logger "github.com/sirupsen/logrus"
)

// RunMigrations applies every pending "-- +migrate Up" section found under
// root in fs. The migrations table is per name so several stores can share
// one sqlite file.
func RunMigrations(db *sql.DB, name string, fs embed.FS, root string) error {
	ms := migrate.MigrationSet{TableName: name + "_migrations"}
	source := &migrate.EmbedFileSystemMigrationSource{FileSystem: fs, Root: root}

	n, err := ms.Exec(db, Dialect, source, migrate.Up)
	if err != nil {
		return fmt.Errorf("failed to apply %s migrations: %w", name, err)
	}
	logger.WithFields(logger.Fields{
		"store":   name,
		"applied": n,
	}).Debug("migrations done")
	return nil
}
