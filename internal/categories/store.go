package categories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/conneroisu/strata/internal/errors"
)

const documentName = "categories"

// Backup is a previous version of the tree saved before a replacement.
type Backup struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Tree      Tree      `json:"tree"`
}

// Store persists the category tree in SQLite.
type Store struct {
	db *sql.DB

	// writeMu serialises Replace and Update
	writeMu   sync.Mutex
	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// Open opens or creates the category database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, storeError("create db dir", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, storeError("open db", err)
	}

	s := &Store{
		db:      db,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, storeError("migrate", err)
	}
	return s, nil
}

func storeError(op string, err error) error {
	return errors.NewInternalError(errors.ErrCodeStoreFailed, "category store: "+op, err)
}

func (s *Store) newID() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		name       TEXT PRIMARY KEY,
		body       TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS document_backups (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		body       TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_backups_name ON document_backups(name, id DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the stored tree, or an empty tree when nothing was saved yet.
func (s *Store) Get(ctx context.Context) (Tree, error) {
	return s.get(ctx, s.db)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) get(ctx context.Context, q queryer) (Tree, error) {
	var body string
	err := q.QueryRowContext(ctx, `SELECT body FROM documents WHERE name = ?`, documentName).Scan(&body)
	if err == sql.ErrNoRows {
		return Tree{}, nil
	}
	if err != nil {
		return nil, storeError("read tree", err)
	}

	var tree Tree
	if err := json.Unmarshal([]byte(body), &tree); err != nil {
		return nil, storeError("decode tree", err)
	}
	if tree == nil {
		tree = Tree{}
	}
	return tree, nil
}

// Replace validates tree, backs up the current version and stores tree in
// its place. It returns the backup ID, empty when there was nothing to back up.
func (s *Store) Replace(ctx context.Context, tree Tree) (string, error) {
	if tree == nil {
		tree = Tree{}
	}
	if err := tree.Validate(); err != nil {
		return "", err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", storeError("begin", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var (
		backupID string
		previous string
	)
	err = tx.QueryRowContext(ctx, `SELECT body FROM documents WHERE name = ?`, documentName).Scan(&previous)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return "", storeError("read tree", err)
	default:
		backupID = s.newID()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO document_backups (id, name, body, created_at) VALUES (?, ?, ?, ?)`,
			backupID, documentName, previous, now.Format(time.RFC3339Nano)); err != nil {
			return "", storeError("backup tree", err)
		}
	}

	if err := s.put(ctx, tx, tree, now); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", storeError("commit", err)
	}
	return backupID, nil
}

// Update applies patch to the category with id and stores the whole tree.
func (s *Store) Update(ctx context.Context, id int, patch Patch) (Tree, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeError("begin", err)
	}
	defer tx.Rollback()

	current, err := s.get(ctx, tx)
	if err != nil {
		return nil, err
	}
	updated, err := current.Apply(id, patch)
	if err != nil {
		return nil, err
	}

	if err := s.put(ctx, tx, updated, time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storeError("commit", err)
	}
	return updated, nil
}

func (s *Store) put(ctx context.Context, tx *sql.Tx, tree Tree, now time.Time) error {
	body, err := json.Marshal(tree)
	if err != nil {
		return storeError("encode tree", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (name, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		documentName, string(body), now.Format(time.RFC3339Nano))
	if err != nil {
		return storeError("write tree", err)
	}
	return nil
}

// Backups returns up to limit backups, newest first. A limit of zero or
// less returns all of them.
func (s *Store) Backups(ctx context.Context, limit int) ([]Backup, error) {
	query := `SELECT id, body, created_at FROM document_backups WHERE name = ? ORDER BY id DESC`
	args := []interface{}{documentName}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list backups", err)
	}
	defer rows.Close()

	var backups []Backup
	for rows.Next() {
		var (
			b       Backup
			body    string
			created string
		)
		if err := rows.Scan(&b.ID, &body, &created); err != nil {
			return nil, storeError("scan backup", err)
		}
		if err := json.Unmarshal([]byte(body), &b.Tree); err != nil {
			return nil, storeError(fmt.Sprintf("decode backup %s", b.ID), err)
		}
		b.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		backups = append(backups, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list backups", err)
	}
	return backups, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
