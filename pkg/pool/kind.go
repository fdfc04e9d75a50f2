// Package pool implements the candidate pool cache: bounded, pre-computed
// sets of assets believed eligible for one kind of work in one scope.
//
// There are four pools, one table each: transcribable and reviewable work,
// each grouped by campaign or by topic. Entries carry enough denormalized
// context (item, project slug, sequence, contributor IDs) to rank candidates
// without joins on the hot path.
package pool

import (
	"fmt"

	"go.opencrowd.net/scriptorium/pkg/assets"
)

// Kind identifies one of the four candidate pools.
type Kind struct {
	Mode      assets.Mode
	ScopeKind assets.ScopeKind
}

// The four pool kinds.
var (
	TranscribableCampaign = Kind{assets.ModeTranscribe, assets.ScopeCampaign}
	TranscribableTopic    = Kind{assets.ModeTranscribe, assets.ScopeTopic}
	ReviewableCampaign    = Kind{assets.ModeReview, assets.ScopeCampaign}
	ReviewableTopic       = Kind{assets.ModeReview, assets.ScopeTopic}
)

// Kinds lists all pools in sweep order.
var Kinds = []Kind{
	TranscribableCampaign,
	TranscribableTopic,
	ReviewableCampaign,
	ReviewableTopic,
}

// TableName returns the cache table backing this pool kind.
func (k Kind) TableName() string {
	mode := "transcribable"
	if k.Mode == assets.ModeReview {
		mode = "reviewable"
	}
	return "pool_" + mode + "_" + k.ScopeKind.String()
}

// String returns the pool kind in lock-key form, e.g. "transcribable/campaign".
func (k Kind) String() string {
	mode := "transcribable"
	if k.Mode == assets.ModeReview {
		mode = "reviewable"
	}
	return mode + "/" + k.ScopeKind.String()
}

// Scope binds a scope ID to this kind's scope kind.
func (k Kind) Scope(id int64) assets.Scope {
	return assets.Scope{Kind: k.ScopeKind, ID: id}
}

// ParseKind resolves the form produced by Kind.String,
// e.g. "reviewable/topic".
func ParseKind(s string) (Kind, error) {
	for _, kind := range Kinds {
		if kind.String() == s {
			return kind, nil
		}
	}
	return Kind{}, fmt.Errorf("unknown pool kind: %q", s)
}
