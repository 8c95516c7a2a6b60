// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package offline

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/jid"
)

const schema = `
CREATE TABLE IF NOT EXISTS offline (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL,
	record   BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS offline_username ON offline (username, id);
`

var pragmas = [...]string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// SQLite is a Store that persists messages to an SQLite database.
// Each message is stored as a CBOR record holding its XML encoding.
type SQLite struct {
	opts options
	pool *sqlitex.Pool
	path string
}

// OpenSQLite opens or creates the database at path.
// poolSize connections are opened lazily; zero or less uses 4.
func OpenSQLite(path string, poolSize int, opts ...Option) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("offline: database path is required")
	}
	if poolSize <= 0 {
		poolSize = 4
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("offline: opening %s: %w", path, err)
	}
	s := &SQLite{
		opts: getOpts(opts),
		pool: pool,
		path: path,
	}
	s.opts.log.WithFields(logrus.Fields{
		"path":      path,
		"pool_size": poolSize,
	}).Debug("offline store opened")
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("offline: %s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, schema, nil)
}

// StoreOffline satisfies the Store interface.
func (s *SQLite) StoreOffline(ctx context.Context, msg *element.Element) (err error) {
	now := s.opts.now()
	to, st, err := prepare(msg, now)
	if err != nil {
		return err
	}
	data, err := encodeRecord(st, now)
	if err != nil {
		return fmt.Errorf("offline: encoding record: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("offline: store: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("offline: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	if s.opts.limit > 0 {
		var count int
		err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM offline WHERE username = ?", &sqlitex.ExecOptions{
			Args: []any{to.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
		if err != nil {
			return fmt.Errorf("offline: counting messages: %w", err)
		}
		if count >= s.opts.limit {
			return ErrQuotaExceeded
		}
	}

	err = sqlitex.Execute(conn, "INSERT INTO offline (username, record) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{to.String(), data},
	})
	if err != nil {
		return fmt.Errorf("offline: inserting message: %w", err)
	}
	return nil
}

// Retrieve satisfies the Store interface.
func (s *SQLite) Retrieve(ctx context.Context, user jid.JID) ([]Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("offline: retrieve: %w", err)
	}
	defer s.pool.Put(conn)

	var out []Message
	err = sqlitex.Execute(conn, "SELECT id, record FROM offline WHERE username = ? ORDER BY id", &sqlitex.ExecOptions{
		Args: []any{user.Bare().String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id := stmt.ColumnInt64(0)
			data := make([]byte, stmt.ColumnLen(1))
			stmt.ColumnBytes(1, data)
			st, err := decodeRecord(data)
			if err != nil {
				s.opts.log.WithError(err).WithFields(logrus.Fields{
					"jid": user.Bare().String(),
					"id":  id,
				}).Warn("skipping corrupt offline record")
				return nil
			}
			out = append(out, Message{ID: id, Stanza: st})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("offline: querying messages: %w", err)
	}
	return out, nil
}

// Delete satisfies the Store interface.
func (s *SQLite) Delete(ctx context.Context, user jid.JID, ids ...int64) (err error) {
	if len(ids) == 0 {
		return nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("offline: delete: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("offline: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	username := user.Bare().String()
	for _, id := range ids {
		err = sqlitex.Execute(conn, "DELETE FROM offline WHERE username = ? AND id = ?", &sqlitex.ExecOptions{
			Args: []any{username, id},
		})
		if err != nil {
			return fmt.Errorf("offline: deleting messages: %w", err)
		}
	}
	return nil
}

// Close closes every connection in the pool, blocking until borrowed
// connections are returned.
func (s *SQLite) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("offline: closing %s: %w", s.path, err)
	}
	s.opts.log.WithField("path", s.path).Debug("offline store closed")
	return nil
}
