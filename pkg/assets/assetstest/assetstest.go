// Package assetstest seeds work item fixtures for allocator unit tests.
package assetstest

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"go.opencrowd.net/scriptorium/pkg/assets"
	"go.opencrowd.net/scriptorium/pkg/pool"
	"go.opencrowd.net/scriptorium/pkg/reservation"
)

// CreateAll creates every allocator table on a fresh database.
func CreateAll(ctx context.Context, t testing.TB, db *sqlx.DB) {
	store := assets.Store{DB: db}
	require.NoError(t, store.CreateTables(ctx), "Creating work item tables")
	reservations := reservation.Store{DB: db}
	require.NoError(t, reservations.CreateTable(ctx), "Creating reservation table")
	require.NoError(t, pool.CreateTables(ctx, db), "Creating pool tables")
}

func insert(ctx context.Context, t testing.TB, db *sqlx.DB, stmt string, args ...interface{}) int64 {
	res, err := db.ExecContext(ctx, stmt, args...)
	require.NoError(t, err, "Seeding fixture")
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

// Campaign seeds a campaign and returns its ID.
func Campaign(ctx context.Context, t testing.TB, db *sqlx.DB, slug string, active bool) int64 {
	return insert(ctx, t, db,
		`INSERT INTO campaigns (slug, active) VALUES (?, ?)`, slug, active)
}

// Topic seeds a topic and returns its ID.
func Topic(ctx context.Context, t testing.TB, db *sqlx.DB, slug string, published bool) int64 {
	return insert(ctx, t, db,
		`INSERT INTO topics (slug, published) VALUES (?, ?)`, slug, published)
}

// Project seeds a project and returns its ID.
func Project(ctx context.Context, t testing.TB, db *sqlx.DB, campaignID int64, slug string, published bool) int64 {
	return insert(ctx, t, db,
		`INSERT INTO projects (campaign_id, slug, published) VALUES (?, ?, ?)`,
		campaignID, slug, published)
}

// ProjectTopic attaches a project to a topic.
func ProjectTopic(ctx context.Context, t testing.TB, db *sqlx.DB, projectID, topicID int64) {
	insert(ctx, t, db,
		`INSERT INTO project_topics (project_id, topic_id) VALUES (?, ?)`,
		projectID, topicID)
}

// Item seeds an item and returns its ID.
func Item(ctx context.Context, t testing.TB, db *sqlx.DB, projectID int64, published bool) int64 {
	return insert(ctx, t, db,
		`INSERT INTO items (project_id, published) VALUES (?, ?)`, projectID, published)
}

// Asset seeds an asset and returns its ID.
func Asset(ctx context.Context, t testing.TB, db *sqlx.DB, itemID, seq int64, status assets.Status) int64 {
	return insert(ctx, t, db,
		`INSERT INTO assets (item_id, sequence, status) VALUES (?, ?, ?)`,
		itemID, seq, status)
}

// Transcription records a user's contribution to an asset.
func Transcription(ctx context.Context, t testing.TB, db *sqlx.DB, assetID, userID int64) {
	insert(ctx, t, db,
		`INSERT INTO transcriptions (asset_id, user_id) VALUES (?, ?)`, assetID, userID)
}

// SetStatus moves an asset to a new workflow status.
func SetStatus(ctx context.Context, t testing.TB, db *sqlx.DB, assetID int64, status assets.Status) {
	_, err := db.ExecContext(ctx,
		`UPDATE assets SET status = ? WHERE id = ?`, status, assetID)
	require.NoError(t, err, "Updating asset status")
}

// World is a minimal campaign with one project, one item and a run of
// sequential assets, for tests that just need "some eligible work".
type World struct {
	CampaignID int64
	ProjectID  int64
	ItemID     int64
	AssetIDs   []int64
}

// SeedWorld seeds one active campaign/project/item with n not-started assets.
func SeedWorld(ctx context.Context, t testing.TB, db *sqlx.DB, n int) *World {
	campaignID := Campaign(ctx, t, db, "letters", true)
	projectID := Project(ctx, t, db, campaignID, "box-1", true)
	itemID := Item(ctx, t, db, projectID, true)
	w := &World{CampaignID: campaignID, ProjectID: projectID, ItemID: itemID}
	for seq := int64(1); seq <= int64(n); seq++ {
		w.AssetIDs = append(w.AssetIDs, Asset(ctx, t, db, itemID, seq, assets.StatusNotStarted))
	}
	return w
}
