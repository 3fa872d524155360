package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
)

// SQLStore implements ObjectStore over a relational table. Etags are
// monotonic per-key versions; conditional puts compile to conditional
// UPDATEs so the database arbitrates races.
type SQLStore struct {
	db     *sqlx.DB
	bucket string
}

const objectsSchema = `
CREATE TABLE IF NOT EXISTS objects (
	bucket     TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	body       BLOB    NOT NULL,
	version    BIGINT  NOT NULL,
	updated_at BIGINT  NOT NULL,
	PRIMARY KEY (bucket, key)
)`

// postgres has no BLOB type
const objectsSchemaPostgres = `
CREATE TABLE IF NOT EXISTS objects (
	bucket     TEXT   NOT NULL,
	key        TEXT   NOT NULL,
	body       BYTEA  NOT NULL,
	version    BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (bucket, key)
)`

func newSQLStore(db *sqlx.DB, bucket string, schema string) (*SQLStore, error) {
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create objects table: %w", err)
	}
	return &SQLStore{db: db, bucket: bucket}, nil
}

// Get returns the object at key, or (nil, nil) when absent.
func (s *SQLStore) Get(ctx context.Context, key string) (*Object, error) {
	var row struct {
		Body    []byte `db:"body"`
		Version int64  `db:"version"`
	}
	query := s.db.Rebind(`SELECT body, version FROM objects WHERE bucket = ? AND key = ?`)
	err := s.db.GetContext(ctx, &row, query, s.bucket, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object %q: %w", key, err)
	}
	return &Object{Body: row.Body, ETag: strconv.FormatInt(row.Version, 10)}, nil
}

// Put writes body at key, honoring the etag precondition.
func (s *SQLStore) Put(ctx context.Context, key string, body []byte, opts *PutOptions) (string, error) {
	now := time.Now().UnixMilli()

	if opts == nil || opts.IfMatch == nil {
		query := s.db.Rebind(`
			INSERT INTO objects (bucket, key, body, version, updated_at)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT (bucket, key) DO UPDATE
			SET body = excluded.body, version = objects.version + 1, updated_at = excluded.updated_at
			RETURNING version`)
		var version int64
		if err := s.db.GetContext(ctx, &version, query, s.bucket, key, body, now); err != nil {
			return "", fmt.Errorf("failed to write object %q: %w", key, err)
		}
		return strconv.FormatInt(version, 10), nil
	}

	want := *opts.IfMatch
	if want == "" {
		// create only if absent
		query := s.db.Rebind(`
			INSERT INTO objects (bucket, key, body, version, updated_at)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT (bucket, key) DO NOTHING`)
		res, err := s.db.ExecContext(ctx, query, s.bucket, key, body, now)
		if err != nil {
			return "", fmt.Errorf("failed to create object %q: %w", key, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return "", ErrPreconditionFailed
		}
		return "1", nil
	}

	version, err := strconv.ParseInt(want, 10, 64)
	if err != nil {
		return "", ErrPreconditionFailed
	}
	query := s.db.Rebind(`
		UPDATE objects SET body = ?, version = version + 1, updated_at = ?
		WHERE bucket = ? AND key = ? AND version = ?`)
	res, err := s.db.ExecContext(ctx, query, body, now, s.bucket, key, version)
	if err != nil {
		return "", fmt.Errorf("failed to update object %q: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrPreconditionFailed
	}
	return strconv.FormatInt(version+1, 10), nil
}

// Delete removes the object at key. Missing keys are not an error.
func (s *SQLStore) Delete(ctx context.Context, key string) error {
	query := s.db.Rebind(`DELETE FROM objects WHERE bucket = ? AND key = ?`)
	if _, err := s.db.ExecContext(ctx, query, s.bucket, key); err != nil {
		return fmt.Errorf("failed to delete object %q: %w", key, err)
	}
	return nil
}

// List returns up to limit keys under prefix after cursor, sorted.
func (s *SQLStore) List(ctx context.Context, prefix string, limit int, cursor string) ([]string, string, error) {
	if limit <= 0 {
		limit = 1000
	}
	// fetch one extra to decide whether a next page exists
	query := s.db.Rebind(`
		SELECT key FROM objects
		WHERE bucket = ? AND key LIKE ? ESCAPE '\' AND key > ?
		ORDER BY key LIMIT ?`)
	var keys []string
	err := s.db.SelectContext(ctx, &keys, query, s.bucket, escapeLike(prefix)+"%", cursor, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list objects under %q: %w", prefix, err)
	}
	next := ""
	if len(keys) > limit {
		keys = keys[:limit]
		next = keys[len(keys)-1]
	}
	return keys, next, nil
}

// Close closes the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// escapeLike escapes LIKE metacharacters so prefixes match literally.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
