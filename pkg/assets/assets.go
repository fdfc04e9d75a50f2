// Package assets exposes the read-mostly view of crowd work that the
// allocation core consumes: campaigns, topics, projects, items and assets,
// plus the transcription records used to derive per-asset contributor sets.
//
// Asset status mutation happens in collaborating subsystems; this package
// only reads it. The allocator must tolerate statuses changing mid-flight.
package assets

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// Status is the workflow status of an asset.
type Status uint8

// Workflow statuses.
const (
	StatusNotStarted Status = iota
	StatusInProgress
	StatusSubmitted
	StatusCompleted
)

// String returns the status name used in logs.
func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusInProgress:
		return "in_progress"
	case StatusSubmitted:
		return "submitted"
	case StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Mode is the kind of work a contributor is asking for.
type Mode uint8

// Work modes.
const (
	ModeTranscribe Mode = iota
	ModeReview
)

// String returns the mode name used in lock keys and logs.
func (m Mode) String() string {
	switch m {
	case ModeTranscribe:
		return "transcribe"
	case ModeReview:
		return "review"
	default:
		return "unknown"
	}
}

// Eligible returns whether an asset with the given status can be handed out
// for this mode of work.
func (m Mode) Eligible(s Status) bool {
	switch m {
	case ModeTranscribe:
		return s == StatusNotStarted || s == StatusInProgress
	case ModeReview:
		return s == StatusSubmitted
	default:
		return false
	}
}

// ScopeKind selects the grouping a candidate pool operates under.
type ScopeKind uint8

// Scope kinds.
const (
	ScopeCampaign ScopeKind = iota
	ScopeTopic
)

// String returns the scope kind name used in lock keys and logs.
func (k ScopeKind) String() string {
	switch k {
	case ScopeCampaign:
		return "campaign"
	case ScopeTopic:
		return "topic"
	default:
		return "unknown"
	}
}

// Asset is one unit of crowd work.
type Asset struct {
	ID          int64  `db:"id"`
	ItemID      int64  `db:"item_id"`
	ProjectID   int64  `db:"project_id"`
	ProjectSlug string `db:"project_slug"`
	CampaignID  int64  `db:"campaign_id"`
	Sequence    int64  `db:"sequence"`
	Status      Status `db:"status"`
}

// Store reads the work item hierarchy from MySQL.
type Store struct {
	DB *sqlx.DB
}

// CreateTables creates the work item hierarchy tables.
// The wider product owns this schema; the allocator creates it for tests
// and fresh deployments.
func (s *Store) CreateTables(ctx context.Context) error {
	stmts := []string{
		// language=MariaDB
		`CREATE TABLE campaigns (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	slug VARCHAR(80) NOT NULL UNIQUE,
	active BOOL NOT NULL DEFAULT FALSE
);`,
		// language=MariaDB
		`CREATE TABLE topics (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	slug VARCHAR(80) NOT NULL UNIQUE,
	published BOOL NOT NULL DEFAULT FALSE
);`,
		// language=MariaDB
		`CREATE TABLE projects (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	campaign_id BIGINT NOT NULL,
	slug VARCHAR(80) NOT NULL,
	published BOOL NOT NULL DEFAULT FALSE,
	UNIQUE KEY uniq_campaign_slug (campaign_id, slug),
	KEY idx_campaign (campaign_id)
);`,
		// language=MariaDB
		`CREATE TABLE project_topics (
	project_id BIGINT NOT NULL,
	topic_id BIGINT NOT NULL,
	PRIMARY KEY (project_id, topic_id),
	KEY idx_topic (topic_id)
);`,
		// language=MariaDB
		`CREATE TABLE items (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	project_id BIGINT NOT NULL,
	published BOOL NOT NULL DEFAULT FALSE,
	KEY idx_project (project_id)
);`,
		// language=MariaDB
		`CREATE TABLE assets (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	item_id BIGINT NOT NULL,
	sequence BIGINT NOT NULL,
	status TINYINT UNSIGNED NOT NULL DEFAULT 0,
	published BOOL NOT NULL DEFAULT TRUE,
	UNIQUE KEY uniq_item_seq (item_id, sequence),
	KEY idx_status (status)
);`,
		// language=MariaDB
		`CREATE TABLE transcriptions (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	asset_id BIGINT NOT NULL,
	user_id BIGINT NOT NULL,
	KEY idx_asset (asset_id),
	KEY idx_user (user_id)
);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
