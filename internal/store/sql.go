// v1
// internal/store/sql.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	defaultDBMaxOpenConns    = 25
	defaultDBMaxIdleConns    = 10
	defaultDBConnMaxLifetime = 30 * time.Minute
	defaultDBPingTimeout     = 5 * time.Second
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQL stores entries in a single kv table. Queries are written with "?"
// placeholders and rebound for postgres.
type SQL struct {
	db      *sql.DB
	dialect dialect
}

// NewSQLite opens (or creates) a SQLite database file at path.
func NewSQLite(path string) (*SQL, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required when store_driver=sqlite")
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serialises writers; a single connection avoids SQLITE_BUSY on CAS loops.
	db.SetMaxOpenConns(1)
	return newSQL(db, dialectSQLite, `
CREATE TABLE IF NOT EXISTS kv (
    grp TEXT NOT NULL,
    k   TEXT NOT NULL,
    v   BLOB NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (grp, k)
)`)
}

// NewPostgres connects through the pgx stdlib driver.
func NewPostgres(dsn string) (*SQL, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("STORE_DSN is required when STORE_DRIVER=postgres")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(defaultDBMaxOpenConns)
	db.SetMaxIdleConns(defaultDBMaxIdleConns)
	db.SetConnMaxLifetime(defaultDBConnMaxLifetime)
	return newSQL(db, dialectPostgres, `
CREATE TABLE IF NOT EXISTS kv (
    grp TEXT NOT NULL,
    k   TEXT NOT NULL,
    v   BYTEA NOT NULL,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (grp, k)
)`)
}

func newSQL(db *sql.DB, d dialect, schema string) (*SQL, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultDBPingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQL{db: db, dialect: d}, nil
}

func (s *SQL) Get(ctx context.Context, group, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT v FROM kv WHERE grp = ? AND k = ?`), group, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", group, key, err)
	}
	return v, true, nil
}

func (s *SQL) Set(ctx context.Context, group, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO kv (grp, k, v, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (grp, k) DO UPDATE SET v = excluded.v, updated_at = excluded.updated_at`),
		group, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", group, key, err)
	}
	return nil
}

func (s *SQL) SetIfAbsent(ctx context.Context, group, key string, value []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO kv (grp, k, v, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (grp, k) DO NOTHING`),
		group, key, value, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("set-if-absent %s/%s: %w", group, key, err)
	}
	return affectedOne(res)
}

func (s *SQL) CompareAndSwap(ctx context.Context, group, key string, old, value []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE kv SET v = ?, updated_at = ? WHERE grp = ? AND k = ? AND v = ?`),
		value, time.Now().UnixMilli(), group, key, old)
	if err != nil {
		return false, fmt.Errorf("compare-and-swap %s/%s: %w", group, key, err)
	}
	return affectedOne(res)
}

func (s *SQL) Delete(ctx context.Context, group, key string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM kv WHERE grp = ? AND k = ?`), group, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", group, key, err)
	}
	return nil
}

func (s *SQL) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQL) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}
