package cookie

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/pkg/errors"
)

// Store is the persistent per-domain cookie table. Only cookies with an
// expiration are ever written to it.
//
// Implementations must be thread-safe!
type Store interface {
	// Put inserts or replaces the cookie identified by (Domain, Name).
	Put(r Record) error
	// Domain returns every stored cookie for the exact domain.
	Domain(domain string) ([]Record, error)
	// Delete removes the cookie identified by (domain, name), if present.
	Delete(domain, name string) error
	Close() error
}

type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore opens the cookie database at filename. An empty filename
// opens a private in-memory database.
func NewSQLiteStore(filename string) (*SQLiteStore, error) {
	if filename == "" {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, errors.Wrap(err, "open cookie db")
	}
	// a single connection keeps ":memory:" databases shared between calls
	db.SetMaxOpenConns(1)
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cookies (
			domain TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			path TEXT NOT NULL,
			expires INTEGER NOT NULL,
			secure INTEGER NOT NULL,
			http_only INTEGER NOT NULL,
			host_only INTEGER NOT NULL,
			created INTEGER NOT NULL,
			PRIMARY KEY (domain, name)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "prepare cookie db")
		}
	}
	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStore) Put(r Record) error {
	if r.Session() {
		return errors.Errorf("session cookie %q is not persistable", r.Name)
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO cookies
		(domain, name, value, path, expires, secure, http_only, host_only, created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Domain, r.Name, r.Value, r.Path, r.Expires.UnixMilli(),
		r.Secure, r.HttpOnly, r.HostOnly, r.Created.UnixNano())
	return errors.Wrap(err, "store cookie")
}

func (s *SQLiteStore) Domain(domain string) ([]Record, error) {
	rows, err := s.db.Query(`SELECT
		domain, name, value, path, expires, secure, http_only, host_only, created
		FROM cookies WHERE domain = ?`, domain)
	if err != nil {
		return nil, errors.Wrap(err, "query cookies")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                Record
			expires, created int64
			secure, httpOnly bool
			hostOnly         bool
		)
		if err := rows.Scan(&r.Domain, &r.Name, &r.Value, &r.Path, &expires, &secure, &httpOnly, &hostOnly, &created); err != nil {
			return out, errors.Wrap(err, "scan cookie")
		}
		r.Expires = time.UnixMilli(expires)
		r.Created = time.Unix(0, created)
		r.Secure, r.HttpOnly, r.HostOnly = secure, httpOnly, hostOnly
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "read cookies")
}

func (s *SQLiteStore) Delete(domain, name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cookies WHERE domain = ? AND name = ?", domain, name)
	return errors.Wrap(err, "delete cookie")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
