package assets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Scope identifies one candidate pool's grouping: a single campaign or topic.
type Scope struct {
	Kind ScopeKind
	ID   int64
}

// String returns the scope in lock-key form, e.g. "campaign/42".
func (s Scope) String() string {
	return fmt.Sprintf("%s/%d", s.Kind, s.ID)
}

// TieBreak carries the request context used to order eligible assets.
// Zero values mean "no preference" for that dimension.
type TieBreak struct {
	ItemID       int64  // prefer assets in this item
	ProjectSlug  string // then assets in this project
	AfterAssetID int64  // then assets after the one just acted upon
}

// EligibleFilter narrows an eligibility scan.
type EligibleFilter struct {
	// ExcludeAssets removes specific asset IDs (e.g. already pooled).
	ExcludeAssets []int64
	// Requester excludes review assets whose only contributor is this user.
	// Ignored for transcribable scans and when zero.
	Requester int64
	// ExcludeContributors removes review assets any of these users
	// contributed to. Used for pool contributor diversity.
	ExcludeContributors []int64
}

const assetColumns = `a.id, a.item_id, p.id AS project_id, p.slug AS project_slug,
	p.campaign_id, a.sequence, a.status`

// statusClause returns the asset status predicate for a work mode.
// Values follow the Status constants.
func statusClause(mode Mode) string {
	if mode == ModeTranscribe {
		return "a.status IN (0, 1)"
	}
	return "a.status = 2"
}

// buildEligible assembles the shared eligibility query: published ancestry,
// scope membership, no active reservation, mode status filter.
func buildEligible(mode Mode, scope Scope, f EligibleFilter) (from string, where []string, args []interface{}) {
	from = `FROM assets a
JOIN items i ON i.id = a.item_id AND i.published
JOIN projects p ON p.id = i.project_id AND p.published
`
	switch scope.Kind {
	case ScopeCampaign:
		from += "JOIN campaigns c ON c.id = p.campaign_id AND c.active\n"
		where = append(where, "p.campaign_id = ?")
		args = append(args, scope.ID)
	case ScopeTopic:
		from += `JOIN project_topics pt ON pt.project_id = p.id
JOIN topics tp ON tp.id = pt.topic_id AND tp.published
`
		where = append(where, "pt.topic_id = ?")
		args = append(args, scope.ID)
	}
	from += "LEFT JOIN asset_reservations r ON r.asset_id = a.id AND NOT r.tombstoned\n"
	where = append(where, "r.asset_id IS NULL", "a.published", statusClause(mode))
	if mode == ModeReview && f.Requester != 0 {
		where = append(where,
			"EXISTS (SELECT 1 FROM transcriptions t WHERE t.asset_id = a.id AND t.user_id <> ?)")
		args = append(args, f.Requester)
	}
	if len(f.ExcludeAssets) > 0 {
		where = append(where, "a.id NOT IN (?)")
		args = append(args, f.ExcludeAssets)
	}
	if mode == ModeReview && len(f.ExcludeContributors) > 0 {
		where = append(where,
			"NOT EXISTS (SELECT 1 FROM transcriptions tx WHERE tx.asset_id = a.id AND tx.user_id IN (?))")
		args = append(args, f.ExcludeContributors)
	}
	return from, where, args
}

// tieBreakOrder renders the deterministic selection order:
// same item, then same project, then after the last-seen asset,
// then (transcribable) not-started before in-progress, then sequence.
func tieBreakOrder(mode Mode, tie TieBreak) (string, []interface{}) {
	clauses := []string{
		"(a.item_id = ?) DESC",
		"(p.slug = ?) DESC",
		"(a.id > ?) DESC",
	}
	args := []interface{}{tie.ItemID, tie.ProjectSlug, tie.AfterAssetID}
	if mode == ModeTranscribe {
		clauses = append(clauses, "(a.status = 0) DESC")
	}
	clauses = append(clauses, "a.sequence ASC", "a.id ASC")
	return "ORDER BY " + strings.Join(clauses, ", "), args
}

func (s *Store) getAsset(ctx context.Context, query string, args []interface{}) (*Asset, error) {
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to expand query: %w", err)
	}
	var asset Asset
	err = s.DB.GetContext(ctx, &asset, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &asset, nil
}

// NextInItem returns the next eligible asset in an item with sequence
// strictly greater than the one just acted upon, or the lowest sequence when
// afterAssetID is zero. Returns nil when the item has nothing left.
func (s *Store) NextInItem(
	ctx context.Context,
	mode Mode,
	scope Scope,
	itemID, afterAssetID, requester int64,
) (*Asset, error) {
	from, where, args := buildEligible(mode, scope, EligibleFilter{Requester: requester})
	where = append(where, "a.item_id = ?")
	args = append(args, itemID)
	if afterAssetID != 0 {
		where = append(where, "a.sequence > (SELECT sequence FROM assets prev WHERE prev.id = ?)")
		args = append(args, afterAssetID)
	}
	query := "SELECT " + assetColumns + "\n" + from +
		"WHERE " + strings.Join(where, " AND ") +
		"\nORDER BY a.sequence ASC LIMIT 1"
	return s.getAsset(ctx, query, args)
}

// NextInProject returns the next eligible asset anywhere in a project,
// ordered by item then sequence, skipping the asset just acted upon.
// Returns nil when the project has nothing left.
func (s *Store) NextInProject(
	ctx context.Context,
	mode Mode,
	scope Scope,
	projectSlug string,
	afterAssetID, requester int64,
) (*Asset, error) {
	from, where, args := buildEligible(mode, scope, EligibleFilter{Requester: requester})
	where = append(where, "p.slug = ?")
	args = append(args, projectSlug)
	if afterAssetID != 0 {
		where = append(where, "a.id <> ?")
		args = append(args, afterAssetID)
	}
	query := "SELECT " + assetColumns + "\n" + from +
		"WHERE " + strings.Join(where, " AND ") +
		"\nORDER BY a.item_id ASC, a.sequence ASC LIMIT 1"
	return s.getAsset(ctx, query, args)
}

// FindEligible scans the scope for eligible assets. With a nil tie break the
// result is ordered by ascending sequence (refill order); otherwise the full
// tie-break order applies (direct fallback order).
func (s *Store) FindEligible(
	ctx context.Context,
	mode Mode,
	scope Scope,
	filter EligibleFilter,
	tie *TieBreak,
	limit int,
) ([]Asset, error) {
	from, where, args := buildEligible(mode, scope, filter)
	order := "ORDER BY a.sequence ASC, a.id ASC"
	if tie != nil {
		var orderArgs []interface{}
		order, orderArgs = tieBreakOrder(mode, *tie)
		args = append(args, orderArgs...)
	}
	query := fmt.Sprintf("SELECT %s\n%sWHERE %s\n%s LIMIT %d",
		assetColumns, from, strings.Join(where, " AND "), order, limit)
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to expand query: %w", err)
	}
	var found []Asset
	if err := s.DB.SelectContext(ctx, &found, query, args...); err != nil {
		return nil, err
	}
	return found, nil
}

// ClaimOne locks the first still-eligible asset of candidateIDs under a row
// lock, skipping rows locked by concurrent claimants, and re-validates status
// and reservation state. Returns zero when every candidate is gone or busy.
// The lock is held until tx commits.
func (s *Store) ClaimOne(
	ctx context.Context,
	tx *sqlx.Tx,
	mode Mode,
	candidateIDs []int64,
) (int64, error) {
	if len(candidateIDs) == 0 {
		return 0, nil
	}
	// language=MariaDB
	const template = `SELECT a.id FROM assets a
LEFT JOIN asset_reservations r ON r.asset_id = a.id AND NOT r.tombstoned
WHERE a.id IN (?) AND r.asset_id IS NULL AND %s
ORDER BY FIELD(a.id, ?)
LIMIT 1
FOR UPDATE SKIP LOCKED`
	query, args, err := sqlx.In(fmt.Sprintf(template, statusClause(mode)),
		candidateIDs, candidateIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to expand query: %w", err)
	}
	var id int64
	err = tx.GetContext(ctx, &id, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return id, nil
}

// AssetByID reads one asset with its denormalized ancestry.
func (s *Store) AssetByID(ctx context.Context, id int64) (*Asset, error) {
	const query = `SELECT ` + assetColumns + `
FROM assets a
JOIN items i ON i.id = a.item_id
JOIN projects p ON p.id = i.project_id
WHERE a.id = ?`
	return s.getAsset(ctx, query, []interface{}{id})
}

// Contributors returns the de-duplicated set of user IDs that contributed a
// transcription to each of the given assets.
func (s *Store) Contributors(ctx context.Context, assetIDs []int64) (map[int64][]int64, error) {
	contributors := make(map[int64][]int64, len(assetIDs))
	if len(assetIDs) == 0 {
		return contributors, nil
	}
	query, args, err := sqlx.In(
		`SELECT DISTINCT asset_id, user_id FROM transcriptions WHERE asset_id IN (?)`,
		assetIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to expand query: %w", err)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var assetID, userID int64
		if err := rows.Scan(&assetID, &userID); err != nil {
			return nil, fmt.Errorf("failed to scan contributor: %w", err)
		}
		contributors[assetID] = append(contributors[assetID], userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan contributors: %w", err)
	}
	return contributors, nil
}

// ActiveCampaignIDs lists campaigns that currently accept work.
func (s *Store) ActiveCampaignIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.DB.SelectContext(ctx, &ids, `SELECT id FROM campaigns WHERE active ORDER BY id`)
	return ids, err
}

// PublishedTopicIDs lists topics that currently accept work.
func (s *Store) PublishedTopicIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.DB.SelectContext(ctx, &ids, `SELECT id FROM topics WHERE published ORDER BY id`)
	return ids, err
}
