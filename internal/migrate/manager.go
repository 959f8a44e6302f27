// Package migrate applies the SQL schema of the badge store.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed sql/*.sql
var embedded embed.FS

// Schema returns the migrations compiled into the binary.
func Schema() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"
	// defaultLockKey is the pg advisory lock id held while migrating.
	defaultLockKey int64 = 0x62616467 // "badg"
)

// ErrNoHistory is returned by Down when nothing has been applied.
var ErrNoHistory = errors.New("no migrations applied")

// Migration is one up file and whether it has been applied.
type Migration struct {
	Name      string
	Applied   bool
	AppliedAt time.Time
}

// Manager executes SQL migrations and seed files. Either source may be nil.
// Every run holds a session advisory lock, so API replicas migrating on start
// apply each file once.
type Manager struct {
	db              *sql.DB
	migrations      fs.FS
	seeds           fs.FS
	migrationsTable string
	seedsTable      string
	lockKey         int64
	now             func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// WithLockKey sets the advisory lock id.
func WithLockKey(key int64) Option {
	return func(m *Manager) { m.lockKey = key }
}

// WithClock sets the time source for bookkeeping rows.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(db *sql.DB, migrations, seeds fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrations:      migrations,
		seeds:           seeds,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		lockKey:         defaultLockKey,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations in name order.
func (m *Manager) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		return m.applyPending(ctx, conn, m.migrations, ".up.sql", m.migrationsTable, "migration")
	})
}

// Seed applies pending seed files.
func (m *Manager) Seed(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		return m.applyPending(ctx, conn, m.seeds, ".sql", m.seedsTable, "seed")
	})
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.history(ctx, conn)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			return ErrNoHistory
		}
		last := applied[len(applied)-1].Name
		downPath, err := findSQL(m.migrations, strings.TrimSuffix(last, ".up.sql")+".down.sql")
		if err != nil {
			return fmt.Errorf("missing down migration for %s", last)
		}
		forget := fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable)
		if err := m.apply(ctx, conn, m.migrations, downPath, forget, last); err != nil {
			return fmt.Errorf("rollback migration %s: %w", last, err)
		}
		return nil
	})
}

// Status lists every known migration followed by applied names with no file.
func (m *Manager) Status(ctx context.Context) ([]Migration, error) {
	var out []Migration
	err := m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.history(ctx, conn)
		if err != nil {
			return err
		}
		files, err := collectSQL(m.migrations, ".up.sql")
		if err != nil {
			return err
		}
		byName := make(map[string]Migration, len(applied))
		for _, a := range applied {
			byName[a.Name] = a
		}
		for _, f := range files {
			if a, ok := byName[f.Base]; ok {
				out = append(out, a)
				delete(byName, f.Base)
				continue
			}
			out = append(out, Migration{Name: f.Base})
		}
		for _, a := range applied {
			if _, orphan := byName[a.Name]; orphan {
				out = append(out, a)
			}
		}
		return nil
	})
	return out, err
}

// locked runs fn on a dedicated connection holding the advisory lock.
func (m *Manager) locked(ctx context.Context, fn func(conn *sql.Conn) error) (err error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, m.lockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		// session lock: release on the same connection
		if _, uerr := conn.ExecContext(context.WithoutCancel(ctx), `select pg_advisory_unlock($1)`, m.lockKey); uerr != nil && err == nil {
			err = fmt.Errorf("release migration lock: %w", uerr)
		}
	}()

	if err := m.ensureTables(ctx, conn); err != nil {
		return err
	}
	return fn(conn)
}

func (m *Manager) applyPending(ctx context.Context, conn *sql.Conn, fsys fs.FS, suffix, table, kind string) error {
	executed, err := listExecuted(ctx, conn, table)
	if err != nil {
		return err
	}
	files, err := collectSQL(fsys, suffix)
	if err != nil {
		return err
	}
	record := fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, table)
	for _, f := range files {
		if executed[f.Base] {
			continue
		}
		if err := m.apply(ctx, conn, fsys, f.Path, record, f.Base, m.now().UTC()); err != nil {
			return fmt.Errorf("apply %s %s: %w", kind, f.Base, err)
		}
	}
	return nil
}

// apply runs every statement of the file and the bookkeeping statement in one
// transaction.
func (m *Manager) apply(ctx context.Context, conn *sql.Conn, fsys fs.FS, name, bookkeeping string, args ...any) error {
	body, err := fs.ReadFile(fsys, name)
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) ensureTables(ctx context.Context, conn *sql.Conn) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		);`, table)
		if _, err := conn.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

func listExecuted(ctx context.Context, conn *sql.Conn, table string) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`select name from %s`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		result[name] = true
	}
	return result, rows.Err()
}

func (m *Manager) history(ctx context.Context, conn *sql.Conn) ([]Migration, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`select name, applied_at from %s order by applied_at asc, name asc`, m.migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Migration
	for rows.Next() {
		mig := Migration{Applied: true}
		if err := rows.Scan(&mig.Name, &mig.AppliedAt); err != nil {
			return nil, err
		}
		res = append(res, mig)
	}
	return res, rows.Err()
}

type sqlFile struct {
	Base string
	Path string
}

func collectSQL(fsys fs.FS, suffix string) ([]sqlFile, error) {
	if fsys == nil {
		return nil, nil
	}
	var files []sqlFile
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			files = append(files, sqlFile{Base: d.Name(), Path: p})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Base < files[j].Base
	})
	return files, nil
}

func findSQL(fsys fs.FS, base string) (string, error) {
	files, err := collectSQL(fsys, base)
	if err != nil {
		return "", err
	}
	for _, f := range files {
		if path.Base(f.Path) == base {
			return f.Path, nil
		}
	}
	return "", fs.ErrNotExist
}

// splitStatements splits SQL on semicolons outside quotes, $$ bodies and
// line comments. Comments are dropped.
func splitStatements(src string) []string {
	var (
		stmts   []string
		current strings.Builder
		quoted  bool
		dollar  bool
		comment bool
	)
	flush := func() {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			stmts = append(stmts, stmt)
		}
		current.Reset()
	}
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case comment:
			if c == '\n' {
				comment = false
			}
		case !quoted && !dollar && c == '-' && i+1 < len(src) && src[i+1] == '-':
			comment = true
			i++
			continue
		case !dollar && c == '\'':
			quoted = !quoted
		case !quoted && c == '$' && i+1 < len(src) && src[i+1] == '$':
			dollar = !dollar
			current.WriteString("$$")
			i++
			continue
		case !quoted && !dollar && c == ';':
			flush()
			continue
		}
		if !comment {
			current.WriteByte(c)
		}
	}
	flush()
	return stmts
}
