package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite is a Store persisted to a SQLite file. The relay uses it so call
// records survive restarts — the core never deletes them, they double as
// call history.
type SQLite struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
	hub  *hub
}

// OpenSQLite opens or creates the store database inside dir.
func OpenSQLite(dir string) (*SQLite, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	dbPath := filepath.Join(dir, "signaling.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			data       TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (collection, id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}

	// seq gives the total append order within one subcollection.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS subrecords (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			collection TEXT NOT NULL,
			doc_id     TEXT NOT NULL,
			sub        TEXT NOT NULL,
			data       TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_subrecords_path
			ON subrecords (collection, doc_id, sub, seq);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create subrecords table: %w", err)
	}

	return &SQLite{db: db, path: dbPath, hub: newHub()}, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

func (s *SQLite) Create(ctx context.Context, collection string, data Doc) (string, error) {
	if err := validName(collection); err != nil {
		return "", err
	}
	id := uuid.NewString()
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}

	s.mu.Lock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data) VALUES (?, ?, ?)`,
		collection, id, string(raw))
	if err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("insert document: %w", err)
	}
	s.hub.publishDoc(collection, id, data)
	s.mu.Unlock()
	return id, nil
}

func (s *SQLite) Merge(ctx context.Context, collection, id string, data Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok, err := s.readDoc(ctx, collection, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	for k, v := range data {
		doc[k] = v
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE documents SET data = ? WHERE collection = ? AND id = ?`,
		string(raw), collection, id); err != nil {
		return fmt.Errorf("update document: %w", err)
	}

	// Publish outside the write path but inside the lock so notification
	// order matches commit order.
	s.hub.publishDoc(collection, id, doc)
	return nil
}

func (s *SQLite) Get(ctx context.Context, collection, id string) (Doc, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readDoc(ctx, collection, id)
}

func (s *SQLite) readDoc(ctx context.Context, collection, id string) (Doc, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`,
		collection, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read document: %w", err)
	}
	var doc Doc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, false, fmt.Errorf("decode document: %w", err)
	}
	return doc, true, nil
}

func (s *SQLite) Append(ctx context.Context, collection, id, sub string, data Doc) error {
	if err := validName(sub); err != nil {
		return err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	s.mu.Lock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subrecords (collection, doc_id, sub, data) VALUES (?, ?, ?, ?)`,
		collection, id, sub, string(raw))
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("insert record: %w", err)
	}
	s.hub.publishAppend(collection, id, sub, data)
	s.mu.Unlock()
	return nil
}

func (s *SQLite) Subscribe(collection, id string, fn func(Snapshot)) (CancelFunc, error) {
	// Lock held across hub registration so no write can slip between the
	// snapshot read and the subscription becoming live.
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok, err := s.readDoc(context.Background(), collection, id)
	if err != nil {
		return nil, err
	}
	current := Snapshot{ID: id, Exists: ok, Data: doc}
	return s.hub.subscribeDoc(collection, id, current, fn), nil
}

func (s *SQLite) SubscribeQuery(collection string, filters []Filter, fn func(QueryChange)) (CancelFunc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(
		`SELECT id, data FROM documents WHERE collection = ? ORDER BY created_at`,
		collection)
	if err != nil {
		return nil, fmt.Errorf("scan collection: %w", err)
	}
	var existing []Snapshot
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return nil, err
		}
		var doc Doc
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			continue
		}
		if matchesAll(filters, doc) {
			existing = append(existing, Snapshot{ID: id, Exists: true, Data: doc})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return s.hub.subscribeQuery(collection, filters, existing, fn), nil
}

func (s *SQLite) SubscribeAppends(collection, id, sub string, fn func(Doc)) (CancelFunc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(
		`SELECT data FROM subrecords WHERE collection = ? AND doc_id = ? AND sub = ? ORDER BY seq`,
		collection, id, sub)
	if err != nil {
		return nil, fmt.Errorf("scan subcollection: %w", err)
	}
	var existing []Doc
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return nil, err
		}
		var doc Doc
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			continue
		}
		existing = append(existing, doc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return s.hub.subscribeAppends(collection, id, sub, existing, fn), nil
}

func (s *SQLite) Close() error {
	s.hub.close()
	return s.db.Close()
}
