package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"go.opencrowd.net/scriptorium/pkg/assets"
)

// DefaultTargetCount is the steady-state pool size per scope.
const DefaultTargetCount = 100

// claimAttempts bounds how many stale entries one claim call will discard
// before giving up and letting the caller fall back to a direct scan.
const claimAttempts = 10

// Entry is one cached candidate asset for one scope.
type Entry struct {
	ScopeID      int64     `db:"scope_id"`
	AssetID      int64     `db:"asset_id"`
	ItemID       int64     `db:"item_id"`
	ProjectID    int64     `db:"project_id"`
	ProjectSlug  string    `db:"project_slug"`
	Sequence     int64     `db:"sequence"`
	Contributors IDSet     `db:"contributors"`
	CreatedAt    time.Time `db:"created_at"`
}

// Store is the cache table for one pool kind.
type Store struct {
	DB          *sqlx.DB
	Kind        Kind
	TargetCount int
	Log         *zap.Logger
}

// CreateTable creates the cache table for this pool kind.
func (s *Store) CreateTable(ctx context.Context) error {
	// language=MariaDB
	const template = `CREATE TABLE %s (
	scope_id BIGINT NOT NULL,
	asset_id BIGINT NOT NULL,
	item_id BIGINT NOT NULL,
	project_id BIGINT NOT NULL,
	project_slug VARCHAR(80) NOT NULL,
	sequence BIGINT NOT NULL,
	contributors JSON,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (scope_id, asset_id),
	KEY idx_scope_seq (scope_id, sequence)
);`
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(template, s.Kind.TableName()))
	return err
}

const entryColumns = `scope_id, asset_id, item_id, project_id, project_slug,
	sequence, contributors, created_at`

// Count returns the current pool size for a scope.
func (s *Store) Count(ctx context.Context, scopeID int64) (int, error) {
	var n int
	err := s.DB.GetContext(ctx, &n,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE scope_id = ?`, s.Kind.TableName()),
		scopeID)
	return n, err
}

// Needed returns how many entries a refill should add to reach the target.
func (s *Store) Needed(ctx context.Context, scopeID int64) (int, error) {
	n, err := s.Count(ctx, scopeID)
	if err != nil {
		return 0, err
	}
	if n >= s.TargetCount {
		return 0, nil
	}
	return s.TargetCount - n, nil
}

// AssetIDs lists the assets currently pooled for a scope.
func (s *Store) AssetIDs(ctx context.Context, scopeID int64) ([]int64, error) {
	var ids []int64
	err := s.DB.SelectContext(ctx, &ids,
		fmt.Sprintf(`SELECT asset_id FROM %s WHERE scope_id = ? ORDER BY asset_id`,
			s.Kind.TableName()),
		scopeID)
	return ids, err
}

// List returns all entries for a scope in refill order.
func (s *Store) List(ctx context.Context, scopeID int64) ([]Entry, error) {
	var entries []Entry
	err := s.DB.SelectContext(ctx, &entries,
		fmt.Sprintf(`SELECT %s FROM %s WHERE scope_id = ? ORDER BY sequence, asset_id`,
			entryColumns, s.Kind.TableName()),
		scopeID)
	return entries, err
}

// ContributorIDs returns the union of contributor sets across a scope's
// entries. Only meaningful for reviewable pools.
func (s *Store) ContributorIDs(ctx context.Context, scopeID int64) (IDSet, error) {
	var sets []IDSet
	err := s.DB.SelectContext(ctx, &sets,
		fmt.Sprintf(`SELECT contributors FROM %s WHERE scope_id = ? AND contributors IS NOT NULL`,
			s.Kind.TableName()),
		scopeID)
	if err != nil {
		return nil, err
	}
	var union IDSet
	for _, set := range sets {
		for _, id := range set {
			if !union.Contains(id) {
				union = append(union, id)
			}
		}
	}
	return union, nil
}

// TopUp inserts new entries for a scope, capped at the currently needed
// count. Entries already present are skipped. The batch is all-or-nothing.
// Returns the number of entries written.
func (s *Store) TopUp(ctx context.Context, scopeID int64, entries []Entry) (int, error) {
	needed, err := s.Needed(ctx, scopeID)
	if err != nil {
		return 0, err
	}
	if needed == 0 || len(entries) == 0 {
		return 0, nil
	}
	if len(entries) > needed {
		entries = entries[:needed]
	}
	now := time.Now()
	for i := range entries {
		entries[i].ScopeID = scopeID
		entries[i].CreatedAt = now
	}
	tx, err := s.DB.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	// language=MariaDB
	const template = `INSERT IGNORE INTO %s
	(scope_id, asset_id, item_id, project_id, project_slug, sequence, contributors, created_at)
VALUES (:scope_id, :asset_id, :item_id, :project_id, :project_slug, :sequence, :contributors, :created_at)`
	res, err := tx.NamedExecContext(ctx, fmt.Sprintf(template, s.Kind.TableName()), entries)
	if err != nil {
		return 0, fmt.Errorf("failed to insert pool entries: %w", err)
	}
	written, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(written), tx.Commit()
}

// Remove deletes one entry. Used by cleanup, which logs per-row failures
// without aborting its batch.
func (s *Store) Remove(ctx context.Context, scopeID, assetID int64) error {
	_, err := s.DB.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE scope_id = ? AND asset_id = ?`, s.Kind.TableName()),
		scopeID, assetID)
	return err
}

// Claim picks the best entry for a requester under a row lock that skips
// entries locked by concurrent claimants, re-validates the underlying asset,
// and removes the entry from the pool. Entries whose asset turned ineligible
// or reserved since refill are discarded along the way. Returns nil when the
// pool has nothing claimable for this requester.
func (s *Store) Claim(
	ctx context.Context,
	scopeID, requester int64,
	tie assets.TieBreak,
) (*Entry, error) {
	tx, err := s.DB.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	for attempt := 0; attempt < claimAttempts; attempt++ {
		entry, err := s.lockNext(ctx, tx, scopeID, requester, tie)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			// Keep any stale-entry deletions made along the way.
			return nil, tx.Commit()
		}
		ok, err := s.validate(ctx, tx, entry.AssetID)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE scope_id = ? AND asset_id = ?`, s.Kind.TableName()),
			scopeID, entry.AssetID); err != nil {
			return nil, fmt.Errorf("failed to remove claimed entry: %w", err)
		}
		if !ok {
			// Stale entry, drop it and keep looking.
			continue
		}
		return entry, tx.Commit()
	}
	return nil, tx.Commit()
}

// lockNext selects the highest-ranked unlocked entry for the requester.
func (s *Store) lockNext(
	ctx context.Context,
	tx *sqlx.Tx,
	scopeID, requester int64,
	tie assets.TieBreak,
) (*Entry, error) {
	where := []string{"scope_id = ?"}
	args := []interface{}{scopeID}
	if s.Kind.Mode == assets.ModeReview && requester != 0 {
		// Self-review exclusion against the denormalized contributor set.
		where = append(where,
			"(contributors IS NULL OR NOT JSON_CONTAINS(contributors, ?))")
		args = append(args, strconv.FormatInt(requester, 10))
	}
	order := []string{
		"(item_id = ?) DESC",
		"(project_slug = ?) DESC",
		"(asset_id > ?) DESC",
		"sequence ASC",
		"asset_id ASC",
	}
	args = append(args, tie.ItemID, tie.ProjectSlug, tie.AfterAssetID)
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE %s
ORDER BY %s
LIMIT 1
FOR UPDATE SKIP LOCKED`,
		entryColumns, s.Kind.TableName(),
		strings.Join(where, " AND "), strings.Join(order, ", "))
	var entry Entry
	err := tx.GetContext(ctx, &entry, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &entry, nil
}

// validate re-checks the underlying asset under the claim transaction:
// still in a qualifying status and not actively reserved.
func (s *Store) validate(ctx context.Context, tx *sqlx.Tx, assetID int64) (bool, error) {
	var row struct {
		Status   assets.Status `db:"status"`
		Reserved bool          `db:"reserved"`
	}
	err := tx.GetContext(ctx, &row, `SELECT a.status,
	EXISTS (SELECT 1 FROM asset_reservations r WHERE r.asset_id = a.id AND NOT r.tombstoned) AS reserved
FROM assets a WHERE a.id = ?`, assetID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return !row.Reserved && s.Kind.Mode.Eligible(row.Status), nil
}
