package db

import (
	"context"
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/nebular/errors"
	"github.com/teranos/nebular/logger"
)

//go:embed sqlite/migrations/*.sql
var migrationFS embed.FS

const migrationDir = "sqlite/migrations"

// migration is one embedded schema file. version is the numeric prefix of
// its name; 000 creates schema_migrations itself.
type migration struct {
	version string
	name    string
}

func loadMigrations() ([]migration, error) {
	entries, err := migrationFS.ReadDir(migrationDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}
	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		version, _, _ := strings.Cut(e.Name(), "_")
		out = append(out, migration{version: version, name: e.Name()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

// Migrate applies every embedded migration not yet recorded in
// schema_migrations, each in its own transaction. log may be nil.
func Migrate(ctx context.Context, db *sql.DB, log *zap.SugaredLogger) error {
	log = logger.AddDBSymbol(logger.OrNop(log))

	all, err := loadMigrations()
	if err != nil {
		return err
	}

	applied := 0
	for _, m := range all {
		done, err := isApplied(ctx, db, m)
		if err != nil {
			return err
		}
		if done {
			log.Debugw("Migration already applied", "migration", m.name)
			continue
		}

		log.Infow("Applying migration", "migration", m.name, "version", m.version)
		if err := apply(ctx, db, m); err != nil {
			return err
		}
		applied++
	}

	log.Infow("Migrations complete", logger.FieldCount, applied, "total_migrations", len(all))
	return nil
}

// isApplied reports whether m is recorded. Before 000 has run the lookup
// fails, which is only acceptable for 000 itself.
func isApplied(ctx context.Context, db *sql.DB, m migration) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", m.version).Scan(&exists)
	if err == nil {
		return exists, nil
	}
	if IsDatabaseClosed(err) {
		return false, errors.Mark(errors.Wrapf(err, "check %s", m.name), ErrDatabaseClosed)
	}
	if m.version != "000" {
		return false, errors.Newf("schema_migrations table missing, but migration is not 000: %s", m.name)
	}
	return false, nil
}

func apply(ctx context.Context, db *sql.DB, m migration) error {
	body, err := migrationFS.ReadFile(path.Join(migrationDir, m.name))
	if err != nil {
		return errors.Wrapf(err, "read %s", m.name)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", m.name)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return errors.Wrapf(err, "execute %s", m.name)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
		return errors.Wrapf(err, "record %s", m.name)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "commit %s", m.name)
	}
	return nil
}

// SchemaVersion returns the highest applied migration version, "000" for an
// empty schema_migrations table
func SchemaVersion(ctx context.Context, db *sql.DB) (string, error) {
	var version string
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), '000') FROM schema_migrations`).Scan(&version)
	if err != nil {
		return "", errors.Wrap(err, "failed to read schema version")
	}
	return version, nil
}
