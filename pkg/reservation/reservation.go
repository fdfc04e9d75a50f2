// Package reservation implements exclusive, time-bounded claims on assets.
//
// A reservation binds an asset to an opaque session token, not a user
// identity, so anonymous contributors are supported. Stale reservations are
// tombstoned first and reaped later, so a returning holder can be told their
// claim timed out instead of silently losing work to a new holder.
package reservation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// ErrConflict marks an asset actively reserved under another token.
// The caller should request a different asset.
var ErrConflict = errors.New("asset reserved by another session")

// ErrTimedOut marks the caller's own reservation gone stale.
// The caller must request a next asset instead of resuming.
var ErrTimedOut = errors.New("reservation timed out")

// Store holds at most one active reservation per asset.
type Store struct {
	DB  *sqlx.DB
	Log *zap.Logger
	// TombstoneAfter is the heartbeat staleness window after which a
	// reservation becomes eligible for takeover.
	TombstoneAfter time.Duration
	// ReapAfter is how long tombstoned rows are kept before deletion.
	ReapAfter time.Duration
}

// Reservation is one row of the reservation table.
type Reservation struct {
	AssetID    int64     `db:"asset_id"`
	Token      string    `db:"token"`
	Tombstoned bool      `db:"tombstoned"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// CreateTable creates the reservation table.
func (s *Store) CreateTable(ctx context.Context) error {
	// language=MariaDB
	const stmt = `CREATE TABLE asset_reservations (
	asset_id BIGINT PRIMARY KEY,
	token VARCHAR(64) NOT NULL,
	tombstoned BOOL NOT NULL DEFAULT FALSE,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	KEY idx_updated (tombstoned, updated_at)
);`
	_, err := s.DB.ExecContext(ctx, stmt)
	return err
}

// Reserve claims an asset for a session token.
//
// State machine per asset:
// no row -> insert (ok); active same token -> heartbeat (ok);
// active other token -> ErrConflict; tombstoned same token -> ErrTimedOut;
// tombstoned other token -> takeover (ok).
func (s *Store) Reserve(ctx context.Context, assetID int64, token string) error {
	tx, err := s.DB.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var cur Reservation
	err = tx.GetContext(ctx, &cur,
		`SELECT asset_id, token, tombstoned, created_at, updated_at
FROM asset_reservations WHERE asset_id = ? FOR UPDATE`, assetID)
	now := time.Now()
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO asset_reservations (asset_id, token, tombstoned, created_at, updated_at)
VALUES (?, ?, FALSE, ?, ?)`, assetID, token, now, now)
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			// Two first-time reserves raced on an unreserved asset:
			// the missing row takes no lock at read committed, so both
			// reach the insert and the primary key arbitrates.
			return ErrConflict
		}
		if err != nil {
			return fmt.Errorf("failed to insert reservation: %w", err)
		}
	case err != nil:
		return err
	case !cur.Tombstoned && cur.Token == token:
		// Heartbeat.
		if _, err := tx.ExecContext(ctx,
			`UPDATE asset_reservations SET updated_at = ? WHERE asset_id = ?`,
			now, assetID); err != nil {
			return fmt.Errorf("failed to refresh reservation: %w", err)
		}
	case !cur.Tombstoned:
		return ErrConflict
	case cur.Token == token:
		return ErrTimedOut
	default:
		// Tombstoned under another token: transfer ownership.
		if _, err := tx.ExecContext(ctx,
			`UPDATE asset_reservations
SET token = ?, tombstoned = FALSE, created_at = ?, updated_at = ?
WHERE asset_id = ?`, token, now, now, assetID); err != nil {
			return fmt.Errorf("failed to take over reservation: %w", err)
		}
	}
	return tx.Commit()
}

// Release drops the reservation if the token still holds it.
// Releasing an asset not held by the token is a no-op.
func (s *Store) Release(ctx context.Context, assetID int64, token string) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM asset_reservations WHERE asset_id = ? AND token = ?`,
		assetID, token)
	return err
}

// IsReserved reports whether an asset has an active (non-tombstoned) reservation.
func (s *Store) IsReserved(ctx context.Context, assetID int64) (bool, error) {
	var n int
	err := s.DB.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM asset_reservations WHERE asset_id = ? AND NOT tombstoned`,
		assetID)
	return n > 0, err
}

// ActiveAssetIDs lists all actively reserved assets.
func (s *Store) ActiveAssetIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.DB.SelectContext(ctx, &ids,
		`SELECT asset_id FROM asset_reservations WHERE NOT tombstoned ORDER BY asset_id`)
	return ids, err
}

// TombstoneStale marks reservations without a recent heartbeat, making their
// assets eligible for takeover. Returns the number of rows tombstoned.
func (s *Store) TombstoneStale(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.TombstoneAfter)
	res, err := s.DB.ExecContext(ctx,
		`UPDATE asset_reservations SET tombstoned = TRUE
WHERE NOT tombstoned AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReapTombstoned deletes tombstoned rows past the retention window.
// Returns the number of rows deleted.
func (s *Store) ReapTombstoned(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.ReapAfter)
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM asset_reservations WHERE tombstoned AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Sweep runs tombstone and reap passes on a timer until ctx closes.
func (s *Store) Sweep(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			tombstoned, err := s.TombstoneStale(ctx)
			if err != nil {
				s.Log.Error("Tombstone pass failed", zap.Error(err))
				continue
			}
			reaped, err := s.ReapTombstoned(ctx)
			if err != nil {
				s.Log.Error("Reap pass failed", zap.Error(err))
				continue
			}
			if tombstoned > 0 || reaped > 0 {
				s.Log.Info("Swept reservations",
					zap.Int64("reservations.tombstoned", tombstoned),
					zap.Int64("reservations.reaped", reaped))
			}
		}
	}
}
