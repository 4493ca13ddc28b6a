package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLStore keeps credentials in a single key/value table.
type SQLStore struct {
	db *sql.DB
}

var _ KV = (*SQLStore)(nil)

// OpenSQLite opens the SQLite database at dbPath and prepares its schema.
func OpenSQLite(dbPath string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, storageErr("store.open", fmt.Errorf("failed to connect to database: %w", err))
	}
	// a single writer keeps SQLite from reporting SQLITE_BUSY under
	// concurrent refreshes
	db.SetMaxOpenConns(1)

	s, err := NewSQLStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an already opened database.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if err := initSchema(db); err != nil {
		return nil, storageErr("store.open", fmt.Errorf("failed to init database: %w", err))
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	return initTable(db, "credential", `
		CREATE TABLE IF NOT EXISTS credential (
			name        TEXT PRIMARY KEY,
			value       TEXT NOT NULL
		);`,
	)
}

func initTable(
	db *sql.DB,
	name string,
	sql string,
) error {
	if _, err := db.Exec(sql); err != nil {
		return fmt.Errorf("failed to init '%s' table schema: %w", name, err)
	}
	return nil
}

func (s *SQLStore) Set(ctx context.Context, key Key, value string) error {
	if err := checkKey("store.set", key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credential (name, value)
		VALUES (?1, ?2)
		ON CONFLICT(name) DO UPDATE SET value=excluded.value;`,
		key.String(),
		value,
	)
	if err != nil {
		return storageErr("store.set", fmt.Errorf("couldn't upsert credential: %w", err))
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key Key) (string, bool, error) {
	if err := checkKey("store.get", key); err != nil {
		return "", false, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT value
		FROM credential
		WHERE name=?1;`,
		key.String(),
	)

	var value string
	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("store.get", fmt.Errorf("couldn't scan credential: %w", err))
	}
	return value, true, nil
}

func (s *SQLStore) Remove(ctx context.Context, key Key) error {
	if err := checkKey("store.remove", key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM credential
		WHERE name=?1;`,
		key.String(),
	)
	if err != nil {
		return storageErr("store.remove", fmt.Errorf("couldn't delete credential: %w", err))
	}
	return nil
}
