// Package postgres implements the collection store contract over PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/guildworks/guildcore/internal/common"
	"github.com/guildworks/guildcore/internal/interfaces"
)

const (
	collectionsTableName = "guildcore_collections"
	operationTimeout     = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Store persists collections as rows in a single (collection, key, doc)
// table, which serves both the coarse whole-collection contract and the
// record-level operations used by high-traffic collections.
type Store struct {
	dsn       string
	tableName string
	logger    *common.Logger
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// New creates a Postgres store for the given DSN. The connection and schema
// are established lazily on first use (or explicitly via Ping).
func New(dsn string, logger *common.Logger) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	return &Store{
		dsn:       dsn,
		tableName: collectionsTableName,
		logger:    logger,
		openDB:    sql.Open,
	}, nil
}

// Ping establishes the connection and schema if necessary and verifies the
// database is reachable. Used once at startup for backend selection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Read returns the full document map for a collection. An absent collection
// is an empty map.
func (s *Store) Read(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT key, doc FROM %s WHERE collection = $1", quoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to read collection %s: %w", collection, err)
	}
	defer rows.Close()

	docs := make(map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var doc []byte
		if err := rows.Scan(&key, &doc); err != nil {
			return nil, fmt.Errorf("failed to scan collection %s: %w", collection, err)
		}
		docs[key] = json.RawMessage(doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read collection %s: %w", collection, err)
	}
	return docs, nil
}

// Write replaces the full document map for a collection in one transaction.
func (s *Store) Write(ctx context.Context, collection string, docs map[string]json.RawMessage) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin write for %s: %w", collection, err)
	}
	defer func() { _ = tx.Rollback() }()

	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE collection = $1", quoteIdentifier(s.tableName))
	if _, err := tx.ExecContext(ctx, deleteQuery, collection); err != nil {
		return fmt.Errorf("failed to clear collection %s: %w", collection, err)
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (collection, key, doc, updated_at)
		VALUES ($1, $2, $3, NOW())`, quoteIdentifier(s.tableName))
	for key, doc := range docs {
		if _, err := tx.ExecContext(ctx, insertQuery, collection, key, []byte(doc)); err != nil {
			return fmt.Errorf("failed to write %s/%s: %w", collection, key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit write for %s: %w", collection, err)
	}
	return nil
}

// GetRecord returns one document by key. interfaces.ErrNotFound when absent.
func (s *Store) GetRecord(ctx context.Context, collection, key string) (json.RawMessage, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT doc FROM %s WHERE collection = $1 AND key = $2", quoteIdentifier(s.tableName))
	var doc []byte
	err := s.db.QueryRowContext(ctx, query, collection, key).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", collection, key, err)
	}
	return json.RawMessage(doc), nil
}

// UpsertRecord inserts or replaces one document by key.
func (s *Store) UpsertRecord(ctx context.Context, collection, key string, doc json.RawMessage) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (collection, key, doc, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (collection, key)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`, quoteIdentifier(s.tableName))
	if _, err := s.db.ExecContext(ctx, query, collection, key, []byte(doc)); err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", collection, key, err)
	}
	return nil
}

// DeleteRecord removes one document by key. Deleting an absent record is not
// an error.
func (s *Store) DeleteRecord(ctx context.Context, collection, key string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE collection = $1 AND key = $2", quoteIdentifier(s.tableName))
	if _, err := s.db.ExecContext(ctx, query, collection, key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, key, err)
	}
	return nil
}

// ListByGuild returns records whose guild_id document field matches guildID,
// paginated in key order.
func (s *Store) ListByGuild(ctx context.Context, collection, guildID string, limit, offset int) (map[string]json.RawMessage, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT key, doc FROM %s
		WHERE collection = $1 AND doc ->> 'guild_id' = $2
		ORDER BY key
		LIMIT $3 OFFSET $4`, quoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, collection, guildID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s by guild %s: %w", collection, guildID, err)
	}
	defer rows.Close()

	docs := make(map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var doc []byte
		if err := rows.Scan(&key, &doc); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", collection, err)
		}
		docs[key] = json.RawMessage(doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list %s by guild %s: %w", collection, guildID, err)
	}
	return docs, nil
}

// Kind identifies the backend for the diagnostic surface.
func (s *Store) Kind() string { return "postgres" }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				collection TEXT NOT NULL,
				key TEXT NOT NULL,
				doc JSONB NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (collection, key)
			)`, quoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
