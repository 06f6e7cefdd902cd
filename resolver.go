package taskmesh

import (
	"fmt"
	"sort"
	"time"
)

// ConflictStrategy selects how concurrent edits to the same record are
// settled.
type ConflictStrategy string

const (
	// StrategyLastWriteWins keeps the record with the later
	// modification timestamp.
	StrategyLastWriteWins ConflictStrategy = "lastWriteWins"
	// StrategyHighestVersionWins keeps the record with the higher
	// version, falling back to last write wins on equal versions.
	StrategyHighestVersionWins ConflictStrategy = "highestVersionWins"
	// StrategyManualResolve is accepted for configuration
	// compatibility. No review queue exists, so it resolves as last
	// write wins and the resolution rationale records the fallback.
	StrategyManualResolve ConflictStrategy = "manualResolve"
)

// Conflict classifications carried in resolution records.
const (
	ConflictUpdateUpdate = "updateUpdate"
	ConflictUpdateDelete = "updateDelete"
	ConflictDeleteDelete = "deleteDelete"
)

// ConflictResolution documents one settled conflict. LocalData and
// RemoteData snapshot both inputs so the losing edit stays inspectable.
type ConflictResolution struct {
	ConflictType string    `json:"conflictType"`
	ResolvedData Syncable  `json:"resolvedData"`
	LocalData    Syncable  `json:"localData"`
	RemoteData   Syncable  `json:"remoteData"`
	Resolution   string    `json:"resolution"`
	ResolvedAt   time.Time `json:"resolvedAt"`
}

// ConflictResolver settles record-level divergence between two devices.
// It is stateless and safe for concurrent use.
type ConflictResolver struct {
	strategy ConflictStrategy
}

// NewConflictResolver returns a resolver for the given strategy. The
// empty string selects last write wins.
func NewConflictResolver(strategy ConflictStrategy) *ConflictResolver {
	if strategy == "" {
		strategy = StrategyLastWriteWins
	}
	return &ConflictResolver{strategy: strategy}
}

// Strategy returns the configured strategy.
func (r *ConflictResolver) Strategy() ConflictStrategy { return r.strategy }

// Resolve merges one remote record against its local counterpart and
// returns the record to keep. The second return value is non-nil only
// when a true conflict was settled.
//
// A true conflict requires both sides past their initial version and
// modified by different devices. Everything else is plain version
// precedence: the higher version wins outright, and on equal versions
// the local record is kept so re-resolving already-synced data is a
// no-op.
func (r *ConflictResolver) Resolve(local, remote Syncable) (Syncable, *ConflictResolution) {
	if remote == nil {
		return local, nil
	}
	if local == nil {
		return remote, nil
	}

	lm, rm := local.Meta(), remote.Meta()
	inConflict := lm.Version > 1 && rm.Version > 1 && lm.LastModifiedBy != rm.LastModifiedBy
	if !inConflict {
		if rm.Version > lm.Version {
			return remote, nil
		}
		return local, nil
	}

	switch {
	case lm.IsDeleted && rm.IsDeleted:
		return local, &ConflictResolution{
			ConflictType: ConflictDeleteDelete,
			ResolvedData: local,
			LocalData:    local,
			RemoteData:   remote,
			Resolution:   "both sides deleted, kept local tombstone",
			ResolvedAt:   time.Now().UTC(),
		}
	case lm.IsDeleted != rm.IsDeleted:
		resolved := local
		rationale := "deletion wins over concurrent update, kept local tombstone"
		if rm.IsDeleted {
			resolved = remote
			rationale = "deletion wins over concurrent update, kept remote tombstone"
		}
		return resolved, &ConflictResolution{
			ConflictType: ConflictUpdateDelete,
			ResolvedData: resolved,
			LocalData:    local,
			RemoteData:   remote,
			Resolution:   rationale,
			ResolvedAt:   time.Now().UTC(),
		}
	default:
		resolved, rationale := r.resolveUpdateUpdate(local, remote)
		return resolved, &ConflictResolution{
			ConflictType: ConflictUpdateUpdate,
			ResolvedData: resolved,
			LocalData:    local,
			RemoteData:   remote,
			Resolution:   rationale,
			ResolvedAt:   time.Now().UTC(),
		}
	}
}

func (r *ConflictResolver) resolveUpdateUpdate(local, remote Syncable) (Syncable, string) {
	switch r.strategy {
	case StrategyHighestVersionWins:
		lm, rm := local.Meta(), remote.Meta()
		if rm.Version > lm.Version {
			return remote, fmt.Sprintf("highest version wins, kept remote at version %d", rm.Version)
		}
		if lm.Version > rm.Version {
			return local, fmt.Sprintf("highest version wins, kept local at version %d", lm.Version)
		}
		resolved, rationale := lastWriteWins(local, remote)
		return resolved, "equal versions, " + rationale
	case StrategyManualResolve:
		resolved, rationale := lastWriteWins(local, remote)
		return resolved, "manual resolution unavailable, fell back to " + rationale
	default:
		return lastWriteWins(local, remote)
	}
}

// lastWriteWins keeps the remote record only when it is strictly newer.
// Timestamp ties keep local, which together with the per-record
// monotonic clock makes resolution deterministic on both devices.
func lastWriteWins(local, remote Syncable) (Syncable, string) {
	lt, rt := local.Meta().LastModifiedAt, remote.Meta().LastModifiedAt
	if rt.After(lt) {
		return remote, fmt.Sprintf("last write wins, kept remote modified at %s", rt.Format(time.RFC3339Nano))
	}
	return local, fmt.Sprintf("last write wins, kept local modified at %s", lt.Format(time.RFC3339Nano))
}

// ResolveSet merges a remote record set into the local one. local is
// keyed by record id; remote records missing locally are adopted as-is.
// The merged set is returned sorted by record id together with the
// resolutions for every true conflict.
func (r *ConflictResolver) ResolveSet(local map[string]Syncable, remote []Syncable) ([]Syncable, []*ConflictResolution) {
	merged := make(map[string]Syncable, len(local)+len(remote))
	for id, rec := range local {
		merged[id] = rec
	}

	var resolutions []*ConflictResolution
	for _, rec := range remote {
		if rec == nil {
			continue
		}
		id := rec.SyncID()
		resolved, resolution := r.Resolve(merged[id], rec)
		merged[id] = resolved
		if resolution != nil {
			resolutions = append(resolutions, resolution)
		}
	}

	out := make([]Syncable, 0, len(merged))
	for _, rec := range merged {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SyncID() < out[j].SyncID() })
	return out, resolutions
}
