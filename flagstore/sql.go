package flagstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	_ "modernc.org/sqlite" // registers the pure Go "sqlite" driver
)

// DefaultTable holds the flags in SQL backends.
const DefaultTable = "module_flags"

// ErrInvalidTableName is returned for table names that are not plain identifiers.
var ErrInvalidTableName = errors.New("invalid table name")

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// SQLStore keeps flags in a SQL table with one row per module.
type SQLStore struct {
	db     *sql.DB
	table  string
	ownsDB bool
}

// OpenSQLite opens (creating if needed) the SQLite database at path.
// ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)
	s, err := NewSQLStore(ctx, db, DefaultTable)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewSQLStore uses db and creates table when missing. Close does not close
// a db passed in here.
func NewSQLStore(ctx context.Context, db *sql.DB, table string) (*SQLStore, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTableName, table)
	}
	// #nosec G201 - table name is validated above
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL,
			loaded INTEGER NOT NULL,
			strategy TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, table)
	if _, err := db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("failed to create flags table: %w", err)
	}
	return &SQLStore{db: db, table: table}, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Flags, bool, error) {
	// #nosec G201 - table name is validated in NewSQLStore
	query := fmt.Sprintf("SELECT enabled, loaded, strategy FROM %s WHERE id = ?", s.table)
	var f Flags
	err := s.db.QueryRowContext(ctx, query, id).Scan(&f.Enabled, &f.Loaded, &f.Strategy)
	if errors.Is(err, sql.ErrNoRows) {
		return Flags{}, false, nil
	}
	if err != nil {
		return Flags{}, false, fmt.Errorf("get flags %s: %w", id, err)
	}
	return f, true, nil
}

func (s *SQLStore) Put(ctx context.Context, id string, flags Flags) error {
	if id == "" {
		return ErrEmptyID
	}
	// #nosec G201 - table name is validated in NewSQLStore
	query := fmt.Sprintf(`
		INSERT INTO %s (id, enabled, loaded, strategy, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			enabled = excluded.enabled,
			loaded = excluded.loaded,
			strategy = excluded.strategy,
			updated_at = excluded.updated_at`, s.table)
	if _, err := s.db.ExecContext(ctx, query, id, flags.Enabled, flags.Loaded, flags.Strategy); err != nil {
		return fmt.Errorf("put flags %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	// #nosec G201 - table name is validated in NewSQLStore
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.table)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete flags %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) (map[string]Flags, error) {
	// #nosec G201 - table name is validated in NewSQLStore
	query := fmt.Sprintf("SELECT id, enabled, loaded, strategy FROM %s ORDER BY id", s.table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query flags: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Flags)
	for rows.Next() {
		var id string
		var f Flags
		if err := rows.Scan(&id, &f.Enabled, &f.Loaded, &f.Strategy); err != nil {
			return nil, fmt.Errorf("failed to scan flags row: %w", err)
		}
		out[id] = f
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flags rows: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
