// Package persistence snapshots rotator usage state to durable storage.
//
// One JSON document per provider, written atomically and coalesced by the
// Snapshotter. Storage failures are logged and swallowed: a missed write is
// retried on the next flush tick, never propagated to request paths.
package persistence

import (
	"context"
	"time"

	"github.com/vitaliisemenov/llm-rotator/internal/core/usage"
)

// SchemaVersion is the current snapshot schema.
const SchemaVersion = 2

// Snapshot is the persisted usage document for one provider.
type Snapshot struct {
	SchemaVersion int       `json:"schema_version"`
	UpdatedAt     time.Time `json:"updated_at"`

	// AccessorIndex maps stable ID to the current accessor.
	AccessorIndex map[string]string `json:"accessor_index"`

	// Credentials maps stable ID to the full credential state.
	Credentials map[string]*usage.CredentialState `json:"credentials"`

	// FairCycleGlobal maps tracking key to the provider-wide cycle state.
	FairCycleGlobal map[string]usage.GlobalFairCycleState `json:"fair_cycle_global"`
}

// NewSnapshot creates an empty snapshot at the current schema.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		SchemaVersion:   SchemaVersion,
		AccessorIndex:   map[string]string{},
		Credentials:     map[string]*usage.CredentialState{},
		FairCycleGlobal: map[string]usage.GlobalFairCycleState{},
	}
}

// Store persists per-provider snapshots. Implementations must be safe for
// concurrent use and must guarantee readers see either the old or the new
// snapshot, never a partial one.
type Store interface {
	// Load reads the snapshot for a provider. A missing snapshot returns
	// (nil, nil).
	Load(ctx context.Context, provider string) (*Snapshot, error)

	// Save writes the snapshot for a provider atomically.
	Save(ctx context.Context, provider string, snapshot *Snapshot) error
}

// Migrate upgrades an older-schema snapshot in memory. Unknown future
// schemas are rejected; missing maps are backfilled. Returns false when the
// snapshot cannot be used.
func Migrate(snapshot *Snapshot) bool {
	if snapshot == nil {
		return false
	}
	if snapshot.SchemaVersion > SchemaVersion {
		return false
	}

	if snapshot.AccessorIndex == nil {
		snapshot.AccessorIndex = map[string]string{}
	}
	if snapshot.Credentials == nil {
		snapshot.Credentials = map[string]*usage.CredentialState{}
	}
	if snapshot.FairCycleGlobal == nil {
		snapshot.FairCycleGlobal = map[string]usage.GlobalFairCycleState{}
	}

	// Schema 1 predates nested per-credential maps; backfill them.
	for _, state := range snapshot.Credentials {
		if state.ModelUsage == nil {
			state.ModelUsage = map[string]*usage.ScopeStats{}
		}
		if state.GroupUsage == nil {
			state.GroupUsage = map[string]*usage.ScopeStats{}
		}
		if state.Cooldowns == nil {
			state.Cooldowns = map[string]*usage.Cooldown{}
		}
		if state.FairCycle == nil {
			state.FairCycle = map[string]*usage.FairCycleState{}
		}
	}

	snapshot.SchemaVersion = SchemaVersion
	return true
}
