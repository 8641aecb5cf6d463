package synctest

import (
	"context"
	"database/sql"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
	"github.com/pkg/errors"
	"go.strata.dev/core/changeset"
	"go.strata.dev/core/session"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY NOT NULL,
	email         TEXT UNIQUE,
	password_hash BLOB
);
CREATE TABLE IF NOT EXISTS history (
	version   INTEGER PRIMARY KEY AUTOINCREMENT,
	client    TEXT NOT NULL,
	changeset BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS clients (
	id            TEXT PRIMARY KEY NOT NULL,
	integrated    INTEGER NOT NULL DEFAULT 0,
	query_version INTEGER NOT NULL DEFAULT 0,
	queries       BLOB,
	bootstrapped  INTEGER NOT NULL DEFAULT 0,
	reset_pending INTEGER NOT NULL DEFAULT 0
);
`

// store is the durable bookkeeping of a Server: its users, the history of
// integrated changesets, and the state of each client.
type store struct {
	db *sql.DB
}

// client is the row of a sync client.
type client struct {
	ID           string
	Integrated   uint64
	QueryVersion uint64
	Queries      []session.Query
	Bootstrapped uint64
	ResetPending bool
}

// entry is a row of the history.
type entry struct {
	Version   uint64
	Client    string
	Changeset changeset.Changeset
}

func openStore(path string) (*store, error) {
	var db, err = sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.WithMessage(err, "opening sqlite database")
	}
	// Each connection to ":memory:" is a distinct database.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, errors.WithMessage(err, "creating tables")
	}
	return &store{db: db}, nil
}

func (s *store) close() error { return s.db.Close() }

func (s *store) addUser(ctx context.Context, id, email string, hash []byte) error {
	var _, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash) VALUES (?, ?, ?)`, id, email, hash)
	return errors.WithMessage(err, "inserting user")
}

func (s *store) findUser(ctx context.Context, email string) (id string, hash []byte, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT id, password_hash FROM users WHERE email = ?`, email).Scan(&id, &hash)
	return
}

func (s *store) head(ctx context.Context) (uint64, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM history`).Scan(&v); err != nil {
		return 0, errors.WithMessage(err, "querying history head")
	}
	return uint64(v.Int64), nil
}

// append a Changeset of |clientID| to the history, returning its version.
func (s *store) append(ctx context.Context, tx *sql.Tx, clientID string, cs changeset.Changeset) (uint64, error) {
	var b, err = cs.Marshal()
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO history (client, changeset) VALUES (?, ?)`, clientID, b)
	if err != nil {
		return 0, errors.WithMessage(err, "appending history")
	}
	id, err := res.LastInsertId()
	return uint64(id), err
}

// since returns up to |limit| history entries after |version|. A |limit| of
// zero is unbounded.
func (s *store) since(ctx context.Context, version uint64, limit int) ([]entry, error) {
	if limit <= 0 {
		limit = -1 // SQLite treats a negative LIMIT as unbounded.
	}
	var rows, err = s.db.QueryContext(ctx, `
		SELECT version, client, changeset
		FROM history
		WHERE version > ?
		ORDER BY version
		LIMIT ?
	`, version, limit)
	if err != nil {
		return nil, errors.WithMessage(err, "querying history")
	}
	defer rows.Close()

	var out []entry
	for rows.Next() {
		var e entry
		var b []byte

		if err = rows.Scan(&e.Version, &e.Client, &b); err != nil {
			return nil, err
		} else if e.Changeset, err = changeset.Unmarshal(b); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// client returns the row of |id|, creating it if it doesn't exist.
func (s *store) client(ctx context.Context, id string) (client, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO clients (id) VALUES (?)`, id); err != nil {
		return client{}, errors.WithMessage(err, "registering client")
	}
	var c = client{ID: id}
	var queries []byte

	if err := s.db.QueryRowContext(ctx, `
		SELECT integrated, query_version, queries, bootstrapped, reset_pending
		FROM clients WHERE id = ?
	`, id).Scan(&c.Integrated, &c.QueryVersion, &queries, &c.Bootstrapped, &c.ResetPending); err != nil {
		return client{}, errors.WithMessage(err, "querying client")
	}
	if len(queries) != 0 {
		if err := json.Unmarshal(queries, &c.Queries); err != nil {
			return client{}, errors.WithMessage(err, "decoding client queries")
		}
	}
	return c, nil
}

func (s *store) putClient(ctx context.Context, tx *sql.Tx, c client) error {
	var queries, err = json.Marshal(c.Queries)
	if err != nil {
		return err
	}
	var exec = s.db.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err = exec(ctx, `
		UPDATE clients
		SET integrated = ?, query_version = ?, queries = ?, bootstrapped = ?, reset_pending = ?
		WHERE id = ?
	`, c.Integrated, c.QueryVersion, queries, c.Bootstrapped, c.ResetPending, c.ID)
	return errors.WithMessage(err, "updating client")
}

func (s *store) clientIDs(ctx context.Context) ([]string, error) {
	var rows, err = s.db.QueryContext(ctx, `SELECT id FROM clients ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
