// Package migrate applies schema migrations and idempotent seed data
// for the directory database.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	migrationsTable = "schema_migrations"
	seedsTable      = "schema_seeds"
)

// Runner executes SQL migration and seed files stored on disk.
type Runner struct {
	db     *sql.DB
	schema string
	seeds  string
	logger *log.Logger
}

// NewRunner constructs a Runner reading *.up.sql / *.down.sql files from
// schemaDir and plain *.sql files from seedsDir. logger may be nil.
func NewRunner(db *sql.DB, schemaDir, seedsDir string, logger *log.Logger) *Runner {
	return &Runner{db: db, schema: schemaDir, seeds: seedsDir, logger: logger}
}

// Up applies every pending migration in lexical order.
func (r *Runner) Up(ctx context.Context) error {
	if err := r.ensureTables(ctx); err != nil {
		return err
	}
	applied, err := r.applied(ctx, migrationsTable)
	if err != nil {
		return err
	}
	files, err := listSQL(r.schema, ".up.sql")
	if err != nil {
		return err
	}
	for _, f := range files {
		if _, ok := applied[f.name]; ok {
			continue
		}
		sum, err := r.apply(ctx, f.path)
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", f.name, err)
		}
		if err := r.record(ctx, migrationsTable, f.name, sum); err != nil {
			return err
		}
		r.logf("migration applied name=%s", f.name)
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (r *Runner) Down(ctx context.Context) error {
	if err := r.ensureTables(ctx); err != nil {
		return err
	}
	names, err := r.history(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return errors.New("no migrations applied")
	}
	last := names[len(names)-1]
	downPath := strings.TrimSuffix(filepath.Join(r.schema, last), ".up.sql") + ".down.sql"
	if _, err := os.Stat(downPath); err != nil {
		return fmt.Errorf("missing down migration for %s", last)
	}
	if _, err := r.apply(ctx, downPath); err != nil {
		return fmt.Errorf("rollback migration %s: %w", last, err)
	}
	if _, err := r.db.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, migrationsTable), last); err != nil {
		return err
	}
	r.logf("migration rolled back name=%s", last)
	return nil
}

// Status returns applied migration names in application order.
func (r *Runner) Status(ctx context.Context) ([]string, error) {
	if err := r.ensureTables(ctx); err != nil {
		return nil, err
	}
	return r.history(ctx)
}

// Seed applies seed files once each. Seed SQL is expected to be
// idempotent regardless, on conflict clauses guard re-runs.
func (r *Runner) Seed(ctx context.Context) error {
	if err := r.ensureTables(ctx); err != nil {
		return err
	}
	applied, err := r.applied(ctx, seedsTable)
	if err != nil {
		return err
	}
	files, err := listSQL(r.seeds, ".sql")
	if err != nil {
		return err
	}
	for _, f := range files {
		if _, ok := applied[f.name]; ok {
			continue
		}
		sum, err := r.apply(ctx, f.path)
		if err != nil {
			return fmt.Errorf("apply seed %s: %w", f.name, err)
		}
		if err := r.record(ctx, seedsTable, f.name, sum); err != nil {
			return err
		}
		r.logf("seed applied name=%s", f.name)
	}
	return nil
}

func (r *Runner) ensureTables(ctx context.Context) error {
	for _, table := range []string{migrationsTable, seedsTable} {
		ddl := fmt.Sprintf(`
			create table if not exists %s (
				name text primary key,
				checksum text not null default '',
				applied_at timestamptz not null default now()
			);`, table)
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// apply runs every statement of the file inside one transaction and
// returns the file's checksum.
func (r *Runner) apply(ctx context.Context, path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(raw)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}

func (r *Runner) record(ctx context.Context, table, name, checksum string) error {
	_, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`insert into %s(name, checksum, applied_at) values ($1, $2, $3)`, table),
		name, checksum, time.Now().UTC())
	return err
}

func (r *Runner) applied(ctx context.Context, table string) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`select name, checksum from %s`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var name, checksum string
		if err := rows.Scan(&name, &checksum); err != nil {
			return nil, err
		}
		out[name] = checksum
	}
	return out, rows.Err()
}

func (r *Runner) history(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at asc`, migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (r *Runner) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

type sqlFile struct {
	name string
	path string
}

func listSQL(dir, suffix string) ([]sqlFile, error) {
	if dir == "" {
		return nil, nil
	}
	var files []sqlFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), suffix) {
			files = append(files, sqlFile{name: d.Name(), path: path})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}

// splitStatements splits SQL on semicolons outside of string literals.
// It does not attempt to handle procedural bodies; migration files for
// this schema stay within plain DDL/DML.
func splitStatements(input string) []string {
	var stmts []string
	var current strings.Builder
	inString := false
	for _, r := range input {
		switch r {
		case '\'':
			current.WriteRune(r)
			inString = !inString
		case ';':
			current.WriteRune(r)
			if !inString {
				stmts = append(stmts, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
