package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteService backs the lock service with the locks table. The upsert-or-
// steal-expired statement is atomic within SQLite's writer lock, which gives
// the compare-and-set the service contract requires. Suitable for single-
// node deployments and tests; multi-node deployments use RedisService.
type SQLiteService struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQLiteService(db *sql.DB) *SQLiteService {
	return &SQLiteService{DB: db, Now: time.Now}
}

func (s *SQLiteService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *SQLiteService) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	expires := now.Add(ttl).Format(time.RFC3339Nano)
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO locks(key, owner, expires_at) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET owner=excluded.owner, expires_at=excluded.expires_at
		WHERE locks.owner=excluded.owner OR locks.expires_at < ?`,
		key, owner, expires, now.Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("upsert lock %s: %w", key, err)
	}
	var holder string
	err = s.DB.QueryRowContext(ctx, `SELECT owner FROM locks WHERE key=?`, key).Scan(&holder)
	if err != nil {
		return false, fmt.Errorf("read lock %s: %w", key, err)
	}
	return holder == owner, nil
}

func (s *SQLiteService) Release(ctx context.Context, key, owner string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM locks WHERE key=? AND owner=?`, key, owner)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteService) GetActive(ctx context.Context, prefix string) ([]Held, error) {
	now := s.now().UTC().Format(time.RFC3339Nano)
	rows, err := s.DB.QueryContext(ctx,
		`SELECT key, owner, expires_at FROM locks WHERE key LIKE ? || '%' AND expires_at >= ? ORDER BY key`,
		prefix, now)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()
	var held []Held
	for rows.Next() {
		var h Held
		var expires string
		if err := rows.Scan(&h.Key, &h.Owner, &expires); err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, expires)
		if err != nil {
			return nil, fmt.Errorf("parse expires_at %q: %w", expires, err)
		}
		h.ExpiresAt = ts
		held = append(held, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return held, nil
}

var _ Service = (*SQLiteService)(nil)
var _ Service = (*RedisService)(nil)
