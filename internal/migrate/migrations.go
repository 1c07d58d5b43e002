// Package migrate brings the SQLite schema up to date from the SQL files
// embedded under sql/. Files are named <version>_<name>.sql and apply in
// version order; schema_version records how far a database has advanced, so
// running Migrate on every startup is safe.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type migration struct {
	version int
	name    string
	upSQL   string
}

func load() ([]migration, error) {
	entries, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return nil, err
	}
	var ms []migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := schemaFS.ReadFile("sql/" + entry.Name())
		if err != nil {
			return nil, err
		}
		var v int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &v); err != nil {
			return nil, fmt.Errorf("migration file %s lacks a numeric version prefix: %w", entry.Name(), err)
		}
		ms = append(ms, migration{version: v, name: entry.Name(), upSQL: string(data)})
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].version < ms[j].version })
	for i := 1; i < len(ms); i++ {
		if ms[i].version == ms[i-1].version {
			return nil, fmt.Errorf("migrations %s and %s share version %d", ms[i-1].name, ms[i].name, ms[i].version)
		}
	}
	return ms, nil
}

// Migrate applies any embedded migrations newer than the database's recorded
// version. All pending migrations commit in one transaction.
func Migrate(db *sql.DB) error {
	ms, err := load()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("ensure schema_version: %w", err)
	}
	var current int
	switch err := tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current); {
	case err == sql.ErrNoRows:
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("seed schema_version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range ms {
		if m.version <= current {
			continue
		}
		if _, err := tx.Exec(m.upSQL); err != nil {
			return fmt.Errorf("apply %s: %w", m.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, m.version); err != nil {
			return fmt.Errorf("record version %d: %w", m.version, err)
		}
		current = m.version
	}
	return tx.Commit()
}
