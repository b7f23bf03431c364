// Package migrate applies the embedded history schema to a DuckDB database.
//
// Migrations are files named NNN_description.sql. Each applied migration is
// recorded with a checksum of its SQL, and Run refuses to continue when an
// already applied file has since been edited.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
)

//go:embed migrations/*.sql
var embedded embed.FS

// ErrModified is returned when an applied migration no longer matches the
// embedded file.
var ErrModified = errors.New("migrate: applied migration was modified")

var fileName = regexp.MustCompile(`^(\d{3})_([a-z0-9_]+)\.sql$`)

type migration struct {
	version  int
	name     string
	sql      string
	checksum string
}

// Runner applies migrations over one connection pool.
type Runner struct {
	db  *sql.DB
	src fs.FS
}

// NewRunner creates a runner for the embedded migrations.
func NewRunner(db *sql.DB) *Runner {
	sub, _ := fs.Sub(embedded, "migrations")
	return &Runner{db: db, src: sub}
}

// Report describes the schema state.
type Report struct {
	Current int      // highest applied version, 0 for an empty database
	Pending []string // files not yet applied, in order
}

// Run applies every pending migration in version order, one transaction
// each, after checking that applied migrations are unchanged.
func (r *Runner) Run(ctx context.Context) error {
	migs, applied, err := r.state(ctx)
	if err != nil {
		return err
	}
	for _, m := range migs {
		if _, done := applied[m.version]; done {
			continue
		}
		if err := r.apply(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Status reports the applied version and pending files without changing
// the schema beyond creating the bookkeeping table.
func (r *Runner) Status(ctx context.Context) (Report, error) {
	migs, applied, err := r.state(ctx)
	if err != nil {
		return Report{}, err
	}
	var rep Report
	for _, m := range migs {
		if _, done := applied[m.version]; done {
			rep.Current = max(rep.Current, m.version)
			continue
		}
		rep.Pending = append(rep.Pending, m.name)
	}
	return rep, nil
}

func (r *Runner) state(ctx context.Context) ([]migration, map[int]string, error) {
	if _, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       VARCHAR NOT NULL,
		checksum   VARCHAR NOT NULL,
		applied_at TIMESTAMP DEFAULT current_timestamp
	)`); err != nil {
		return nil, nil, fmt.Errorf("migrate: create schema_migrations: %w", err)
	}

	migs, err := load(r.src)
	if err != nil {
		return nil, nil, err
	}
	applied, err := r.applied(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, m := range migs {
		if sum, ok := applied[m.version]; ok && sum != m.checksum {
			return nil, nil, fmt.Errorf("%w: %s", ErrModified, m.name)
		}
	}
	return migs, applied, nil
}

func (r *Runner) applied(ctx context.Context) (map[int]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("migrate: read schema_migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[int]string)
	for rows.Next() {
		var (
			v   int
			sum string
		)
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, fmt.Errorf("migrate: scan schema_migrations: %w", err)
		}
		out[v] = sum
	}
	return out, rows.Err()
}

func (r *Runner) apply(ctx context.Context, m migration) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate: begin %s: %w", m.name, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, m.sql); err != nil {
		return fmt.Errorf("migrate: apply %s: %w", m.name, err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, checksum) VALUES (?, ?, ?)`,
		m.version, m.name, m.checksum,
	); err != nil {
		return fmt.Errorf("migrate: record %s: %w", m.name, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("migrate: commit %s: %w", m.name, err)
	}
	return nil
}

// load reads and orders the migration files in src. Files that do not
// follow the naming scheme are an error, as are two files for one version.
func load(src fs.FS) ([]migration, error) {
	names, err := fs.Glob(src, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("migrate: list migrations: %w", err)
	}

	var migs []migration
	seen := make(map[int]string)
	for _, name := range names {
		match := fileName.FindStringSubmatch(path.Base(name))
		if match == nil {
			return nil, fmt.Errorf("migrate: %s does not match NNN_description.sql", name)
		}
		version, _ := strconv.Atoi(match[1])
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrate: version %d used by %s and %s", version, prev, name)
		}
		seen[version] = name

		data, err := fs.ReadFile(src, name)
		if err != nil {
			return nil, fmt.Errorf("migrate: read %s: %w", name, err)
		}
		sum := sha256.Sum256(data)
		migs = append(migs, migration{
			version:  version,
			name:     name,
			sql:      string(data),
			checksum: hex.EncodeToString(sum[:]),
		})
	}
	slices.SortFunc(migs, func(a, b migration) int { return a.version - b.version })
	return migs, nil
}
