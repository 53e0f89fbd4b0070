package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"

	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// ErrNothingToRollback is returned by Down when no migration is applied.
var ErrNothingToRollback = errors.New("no migrations applied")

// Manager applies SQL migrations and seeds read from an fs.FS. Each file runs
// in its own transaction together with its bookkeeping row.
type Manager struct {
	db              *sql.DB
	files           fs.FS
	migrationsDir   string
	seedsDir        string
	migrationsTable string
	seedsTable      string
	logger          *zap.Logger
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

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager reads migrations from migrationsDir and seeds from seedsDir
// inside files. Either directory may be empty to disable it.
func NewManager(db *sql.DB, files fs.FS, migrationsDir, seedsDir string, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		files:           files,
		migrationsDir:   migrationsDir,
		seedsDir:        seedsDir,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		logger:          zap.NewNop(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Migration is one schema step and whether it has been applied.
type Migration struct {
	Name      string     `json:"name"`
	Applied   bool       `json:"applied"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
}

// Up applies all pending migrations in name order and returns their names.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	pending, err := m.Pending(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range pending {
		if err := m.apply(ctx, path.Join(m.migrationsDir, name), m.migrationsTable, name); err != nil {
			return nil, fmt.Errorf("apply migration %s: %w", name, err)
		}
		m.logger.Info("migration applied", zap.String("name", name))
	}
	return pending, nil
}

// Pending lists migrations not yet recorded as applied.
func (m *Manager) Pending(ctx context.Context) ([]string, error) {
	status, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, mig := range status {
		if !mig.Applied {
			out = append(out, mig.Name)
		}
	}
	return out, nil
}

// Down rolls back the most recently applied migration and returns its name.
func (m *Manager) Down(ctx context.Context) (string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return "", err
	}
	applied, err := m.applied(ctx, m.migrationsTable)
	if err != nil {
		return "", err
	}
	if len(applied) == 0 {
		return "", ErrNothingToRollback
	}
	names := make([]string, 0, len(applied))
	for name := range applied {
		names = append(names, name)
	}
	sort.Strings(names)
	last := names[len(names)-1]

	downName := strings.TrimSuffix(last, upSuffix) + downSuffix
	body, err := fs.ReadFile(m.files, path.Join(m.migrationsDir, downName))
	if err != nil {
		return "", fmt.Errorf("missing down migration for %s: %w", last, err)
	}
	err = m.inTx(ctx, func(tx *sql.Tx) error {
		if err := execStatements(ctx, tx, string(body)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable), last)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("rollback migration %s: %w", last, err)
	}
	m.logger.Info("migration rolled back", zap.String("name", last))
	return last, nil
}

// Status reports every known migration in name order.
func (m *Manager) Status(ctx context.Context) ([]Migration, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx, m.migrationsTable)
	if err != nil {
		return nil, err
	}
	names, err := m.list(m.migrationsDir, upSuffix)
	if err != nil {
		return nil, err
	}
	out := make([]Migration, 0, len(names))
	for _, name := range names {
		mig := Migration{Name: name}
		if at, ok := applied[name]; ok {
			mig.Applied = true
			mig.AppliedAt = &at
		}
		out = append(out, mig)
	}
	return out, nil
}

// Seed applies seed files once each and returns the names applied now.
func (m *Manager) Seed(ctx context.Context) ([]string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	done, err := m.applied(ctx, m.seedsTable)
	if err != nil {
		return nil, err
	}
	names, err := m.list(m.seedsDir, ".sql")
	if err != nil {
		return nil, err
	}
	var ran []string
	for _, name := range names {
		if _, ok := done[name]; ok {
			continue
		}
		if err := m.apply(ctx, path.Join(m.seedsDir, name), m.seedsTable, name); err != nil {
			return ran, fmt.Errorf("apply seed %s: %w", name, err)
		}
		m.logger.Info("seed applied", zap.String("name", name))
		ran = append(ran, name)
	}
	return ran, nil
}

func (m *Manager) ensureTables(ctx context.Context) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		)`, table)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure %s: %w", table, err)
		}
	}
	return nil
}

func (m *Manager) apply(ctx context.Context, file, table, name string) error {
	body, err := fs.ReadFile(m.files, file)
	if err != nil {
		return err
	}
	return m.inTx(ctx, func(tx *sql.Tx) error {
		if err := execStatements(ctx, tx, string(body)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`insert into %s (name, applied_at) values ($1, $2)`, table),
			name, m.now().UTC())
		return err
	})
}

func (m *Manager) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func execStatements(ctx context.Context, tx *sql.Tx, body string) error {
	for _, stmt := range splitStatements(body) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) applied(ctx context.Context, table string) (map[string]time.Time, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name, applied_at from %s`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			name string
			at   time.Time
		)
		if err := rows.Scan(&name, &at); err != nil {
			return nil, err
		}
		out[name] = at.UTC()
	}
	return out, rows.Err()
}

func (m *Manager) list(dir, suffix string) ([]string, error) {
	if dir == "" || m.files == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(m.files, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		if suffix == ".sql" && strings.HasSuffix(e.Name(), downSuffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// splitStatements splits on semicolons outside quotes and line comments.
// Statements are returned trimmed; empty ones are dropped.
func splitStatements(body string) []string {
	var (
		stmts     []string
		current   strings.Builder
		inString  bool
		inComment bool
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			stmts = append(stmts, s)
		}
		current.Reset()
	}
	runes := []rune(body)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inComment:
			if r == '\n' {
				inComment = false
				current.WriteRune(r)
			}
		case !inString && r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			inComment = true
			i++
		case r == '\'':
			inString = !inString
			current.WriteRune(r)
		case r == ';' && !inString:
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return stmts
}
