// Package docstore keeps run documents in a SQLite database.
//
// Each run is a row in runs (uid, start time, encoded start document)
// plus its documents in stream order. Document bodies are msgpack with
// sorted map keys. Inserting a run whose uid is already present is a
// no-op, so registering the same bundle twice is idempotent.
package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/justapithecus/runpack/types"
)

// ErrUnsupportedURI indicates a database URI this build cannot open.
var ErrUnsupportedURI = errors.New("unsupported database URI")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	uid   TEXT PRIMARY KEY,
	time  REAL NOT NULL DEFAULT 0,
	start BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS documents (
	run_uid TEXT NOT NULL,
	seq     INTEGER NOT NULL,
	kind    TEXT NOT NULL,
	body    BLOB NOT NULL,
	PRIMARY KEY (run_uid, seq)
);
`

// poolSize leaves room for a nested read while a run is being streamed.
const poolSize = 4

// ParseURI returns the filesystem path a database URI points at.
// Accepted forms: "sqlite:///abs/path.db", "sqlite://rel/path.db", or a
// plain path. The path is made absolute.
func ParseURI(uri string) (string, error) {
	if uri == "" {
		return "", fmt.Errorf("%w: empty", ErrUnsupportedURI)
	}
	p := uri
	if scheme, rest, ok := strings.Cut(uri, "://"); ok {
		if scheme != "sqlite" {
			return "", fmt.Errorf("%w: %s (only sqlite:// is supported)", ErrUnsupportedURI, uri)
		}
		p = rest
	}
	if p == "" {
		return "", fmt.Errorf("%w: %s has no path", ErrUnsupportedURI, uri)
	}
	return filepath.Abs(p)
}

// Store is a SQLite-backed document store.
type Store struct {
	pool *sqlitex.Pool
	path string
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("docstore: opening %s: %w", path, err)
	}
	return &Store{pool: pool, path: path}, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("docstore: %s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, schema, nil)
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the connection pool.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("docstore: closing %s: %w", s.path, err)
	}
	return nil
}

// RunRow is one indexed run.
type RunRow struct {
	UID   string
	Start types.Document
}

// Runs returns every run ordered by start time, then uid.
func (s *Store) Runs(ctx context.Context) ([]RunRow, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("docstore: runs: %w", err)
	}
	defer s.pool.Put(conn)

	var rows []RunRow
	err = sqlitex.Execute(conn, `SELECT uid, start FROM runs ORDER BY time, uid`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			start, err := decodeDocument(readBlob(stmt, 1))
			if err != nil {
				return fmt.Errorf("run %s: %w", stmt.ColumnText(0), err)
			}
			rows = append(rows, RunRow{UID: stmt.ColumnText(0), Start: start})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("docstore: runs: %w", err)
	}
	return rows, nil
}

// HasRun reports whether uid is stored.
func (s *Store) HasRun(ctx context.Context, uid string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("docstore: has run: %w", err)
	}
	defer s.pool.Put(conn)
	return hasRun(conn, uid)
}

func hasRun(conn *sqlite.Conn, uid string) (bool, error) {
	found := false
	err := sqlitex.Execute(conn, `SELECT 1 FROM runs WHERE uid = ?`, &sqlitex.ExecOptions{
		Args: []any{uid},
		ResultFunc: func(*sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	return found, err
}

// Stream calls fn with the run's documents in stored order.
func (s *Store) Stream(ctx context.Context, uid string, fn func(types.Pair) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("docstore: stream %s: %w", uid, err)
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn, `SELECT kind, body FROM documents WHERE run_uid = ? ORDER BY seq`, &sqlitex.ExecOptions{
		Args: []any{uid},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			kind, err := types.ParseDocumentKind(stmt.ColumnText(0))
			if err != nil {
				return err
			}
			doc, err := decodeDocument(readBlob(stmt, 1))
			if err != nil {
				return fmt.Errorf("run %s %s document: %w", uid, kind, err)
			}
			return fn(types.Pair{Kind: kind, Doc: doc})
		},
	})
}

// InsertRun stores a run in one IMMEDIATE transaction. stream must yield
// the run's documents starting with start. It returns false without
// writing if the run is already stored.
func (s *Store) InsertRun(ctx context.Context, start types.Document, stream func(fn func(types.Pair) error) error) (inserted bool, err error) {
	uid := start.String("uid")
	if uid == "" {
		return false, errors.New("docstore: start document has no uid")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("docstore: insert %s: %w", uid, err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return false, fmt.Errorf("docstore: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	exists, err := hasRun(conn, uid)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	startBody, err := encodeDocument(start)
	if err != nil {
		return false, err
	}
	t, _ := start.Float("time")
	if err := sqlitex.Execute(conn, `INSERT INTO runs (uid, time, start) VALUES (?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{uid, t, startBody},
	}); err != nil {
		return false, fmt.Errorf("docstore: insert run %s: %w", uid, err)
	}

	seq := 0
	err = stream(func(p types.Pair) error {
		body, err := encodeDocument(p.Doc)
		if err != nil {
			return err
		}
		seq++
		return sqlitex.Execute(conn, `INSERT INTO documents (run_uid, seq, kind, body) VALUES (?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{uid, seq, string(p.Kind), body},
		})
	})
	if err != nil {
		return false, fmt.Errorf("docstore: insert documents of %s: %w", uid, err)
	}
	return true, nil
}

func readBlob(stmt *sqlite.Stmt, col int) []byte {
	buf := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, buf)
	return buf
}

func encodeDocument(doc types.Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	enc.UseCompactInts(true)
	if err := enc.Encode(map[string]any(doc)); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeDocument(body []byte) (types.Document, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(body))
	dec.UseLooseInterfaceDecoding(true)
	v, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode document: got %T, want mapping", v)
	}
	return types.Document(m), nil
}
