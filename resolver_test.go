package taskmesh

import (
	"strings"
	"testing"
	"time"
)

// testItem builds a todo item with explicit conflict-relevant metadata.
func testItem(id, title string, version int64, modifiedBy string, modifiedAt time.Time) SyncableTodoItem {
	return SyncableTodoItem{
		ID:    id,
		Title: title,
		Metadata: SyncMetadata{
			LastModifiedAt: modifiedAt,
			LastModifiedBy: modifiedBy,
			Version:        version,
		},
	}
}

func TestResolveAdoptsRemoteWhenLocalMissing(t *testing.T) {
	r := NewConflictResolver(StrategyLastWriteWins)
	remote := testItem("x", "new", 1, "device-b", time.Now())

	resolved, resolution := r.Resolve(nil, remote)
	if resolution != nil {
		t.Errorf("expected no conflict for unknown record, got %s", resolution.ConflictType)
	}
	if resolved.SyncID() != "x" {
		t.Errorf("expected remote adopted, got %s", resolved.SyncID())
	}
}

func TestResolveVersionPrecedence(t *testing.T) {
	r := NewConflictResolver(StrategyLastWriteWins)
	base := time.Now().UTC()

	tests := []struct {
		name          string
		localVersion  int64
		remoteVersion int64
		localBy       string
		remoteBy      string
		wantTitle     string
	}{
		// One side still at version 1 means no true conflict: plain
		// version precedence applies.
		{"remote ahead", 1, 3, "device-a", "device-b", "remote"},
		{"local ahead", 3, 1, "device-a", "device-b", "local"},
		{"equal versions keep local", 1, 1, "device-a", "device-b", "local"},
		// Same modifier on both sides is a stale replay, not a
		// conflict, whatever the versions say.
		{"same modifier remote ahead", 2, 4, "device-a", "device-a", "remote"},
		{"same modifier equal", 3, 3, "device-a", "device-a", "local"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := testItem("x", "local", tt.localVersion, tt.localBy, base)
			remote := testItem("x", "remote", tt.remoteVersion, tt.remoteBy, base.Add(time.Hour))

			resolved, resolution := r.Resolve(local, remote)
			if resolution != nil {
				t.Errorf("expected no conflict, got %s", resolution.ConflictType)
			}
			got := resolved.(SyncableTodoItem).Title
			if got != tt.wantTitle {
				t.Errorf("expected %s record kept, got %s", tt.wantTitle, got)
			}
		})
	}
}

func TestResolveLastWriteWins(t *testing.T) {
	r := NewConflictResolver(StrategyLastWriteWins)
	base := time.Now().UTC()

	local := testItem("x", "local", 2, "device-a", base)
	remote := testItem("x", "remote", 2, "device-b", base.Add(time.Second))

	resolved, resolution := r.Resolve(local, remote)
	if resolution == nil {
		t.Fatal("expected a conflict")
	}
	if resolution.ConflictType != ConflictUpdateUpdate {
		t.Errorf("expected updateUpdate, got %s", resolution.ConflictType)
	}
	if resolved.(SyncableTodoItem).Title != "remote" {
		t.Errorf("expected newer remote kept, got %s", resolved.(SyncableTodoItem).Title)
	}

	// The other direction: local is newer.
	local = testItem("x", "local", 2, "device-a", base.Add(time.Second))
	remote = testItem("x", "remote", 2, "device-b", base)
	resolved, resolution = r.Resolve(local, remote)
	if resolution == nil {
		t.Fatal("expected a conflict")
	}
	if resolved.(SyncableTodoItem).Title != "local" {
		t.Errorf("expected newer local kept, got %s", resolved.(SyncableTodoItem).Title)
	}
}

func TestResolveTimestampTieKeepsLocal(t *testing.T) {
	r := NewConflictResolver(StrategyLastWriteWins)
	at := time.Now().UTC()

	local := testItem("x", "local", 2, "device-a", at)
	remote := testItem("x", "remote", 2, "device-b", at)

	resolved, resolution := r.Resolve(local, remote)
	if resolution == nil {
		t.Fatal("expected a conflict")
	}
	if resolved.(SyncableTodoItem).Title != "local" {
		t.Errorf("expected tie to keep local, got %s", resolved.(SyncableTodoItem).Title)
	}
}

func TestResolveHighestVersionWins(t *testing.T) {
	r := NewConflictResolver(StrategyHighestVersionWins)
	base := time.Now().UTC()

	// Remote has the higher version but the older timestamp.
	local := testItem("x", "local", 2, "device-a", base.Add(time.Hour))
	remote := testItem("x", "remote", 5, "device-b", base)
	resolved, resolution := r.Resolve(local, remote)
	if resolution == nil {
		t.Fatal("expected a conflict")
	}
	if resolved.(SyncableTodoItem).Title != "remote" {
		t.Errorf("expected higher remote version kept, got %s", resolved.(SyncableTodoItem).Title)
	}

	// Equal versions fall back to last write wins.
	local = testItem("x", "local", 3, "device-a", base)
	remote = testItem("x", "remote", 3, "device-b", base.Add(time.Second))
	resolved, resolution = r.Resolve(local, remote)
	if resolution == nil {
		t.Fatal("expected a conflict")
	}
	if resolved.(SyncableTodoItem).Title != "remote" {
		t.Errorf("expected fallback to keep newer remote, got %s", resolved.(SyncableTodoItem).Title)
	}
	if !strings.HasPrefix(resolution.Resolution, "equal versions,") {
		t.Errorf("expected fallback rationale, got %q", resolution.Resolution)
	}
}

func TestResolveManualFallsBackToLastWriteWins(t *testing.T) {
	r := NewConflictResolver(StrategyManualResolve)
	base := time.Now().UTC()

	local := testItem("x", "local", 2, "device-a", base)
	remote := testItem("x", "remote", 2, "device-b", base.Add(time.Second))

	resolved, resolution := r.Resolve(local, remote)
	if resolution == nil {
		t.Fatal("expected a conflict")
	}
	if resolved.(SyncableTodoItem).Title != "remote" {
		t.Errorf("expected newer remote kept, got %s", resolved.(SyncableTodoItem).Title)
	}
	if !strings.HasPrefix(resolution.Resolution, "manual resolution unavailable") {
		t.Errorf("expected fallback rationale, got %q", resolution.Resolution)
	}
}

func TestResolveUpdateDelete(t *testing.T) {
	base := time.Now().UTC()
	r := NewConflictResolver(StrategyLastWriteWins)

	// Remote deleted, local edited: the deletion wins even though the
	// local edit is newer.
	local := testItem("x", "edited", 3, "device-a", base.Add(time.Hour))
	remote := testItem("x", "gone", 2, "device-b", base)
	remote.Metadata.IsDeleted = true

	resolved, resolution := r.Resolve(local, remote)
	if resolution == nil {
		t.Fatal("expected a conflict")
	}
	if resolution.ConflictType != ConflictUpdateDelete {
		t.Errorf("expected updateDelete, got %s", resolution.ConflictType)
	}
	if !resolved.Meta().IsDeleted {
		t.Error("expected deletion to win over concurrent update")
	}

	// Local deleted, remote edited.
	local = testItem("x", "gone", 2, "device-a", base)
	local.Metadata.IsDeleted = true
	remote = testItem("x", "edited", 3, "device-b", base.Add(time.Hour))

	resolved, resolution = r.Resolve(local, remote)
	if resolution == nil {
		t.Fatal("expected a conflict")
	}
	if !resolved.Meta().IsDeleted {
		t.Error("expected local tombstone to win over remote update")
	}
}

func TestResolveDeleteDelete(t *testing.T) {
	base := time.Now().UTC()
	r := NewConflictResolver(StrategyLastWriteWins)

	local := testItem("x", "gone", 2, "device-a", base)
	local.Metadata.IsDeleted = true
	remote := testItem("x", "gone", 3, "device-b", base.Add(time.Hour))
	remote.Metadata.IsDeleted = true

	resolved, resolution := r.Resolve(local, remote)
	if resolution == nil {
		t.Fatal("expected a conflict")
	}
	if resolution.ConflictType != ConflictDeleteDelete {
		t.Errorf("expected deleteDelete, got %s", resolution.ConflictType)
	}
	if resolved.Meta().LastModifiedBy != "device-a" {
		t.Errorf("expected local tombstone kept, got %s", resolved.Meta().LastModifiedBy)
	}
}

func TestResolveIdempotent(t *testing.T) {
	r := NewConflictResolver(StrategyLastWriteWins)
	base := time.Now().UTC()

	local := testItem("x", "local", 2, "device-a", base)
	remote := testItem("x", "remote", 2, "device-b", base.Add(time.Second))

	first, resolution := r.Resolve(local, remote)
	if resolution == nil {
		t.Fatal("expected a conflict on first resolution")
	}

	// Resolving the already-merged record against the same remote must
	// change nothing and report no conflict.
	second, resolution := r.Resolve(first, remote)
	if resolution != nil {
		t.Errorf("expected re-resolution to be a no-op, got %s", resolution.ConflictType)
	}
	if second.(SyncableTodoItem).Title != first.(SyncableTodoItem).Title {
		t.Errorf("expected stable result, got %s then %s",
			first.(SyncableTodoItem).Title, second.(SyncableTodoItem).Title)
	}
}

func TestResolveSet(t *testing.T) {
	r := NewConflictResolver(StrategyLastWriteWins)
	base := time.Now().UTC()

	localOnly := testItem("a", "local only", 1, "device-a", base)
	contestedLocal := testItem("b", "local edit", 2, "device-a", base)
	contestedRemote := testItem("b", "remote edit", 2, "device-b", base.Add(time.Second))
	remoteOnly := testItem("c", "remote only", 1, "device-b", base)

	local := map[string]Syncable{
		"a": localOnly,
		"b": contestedLocal,
	}
	merged, resolutions := r.ResolveSet(local, []Syncable{contestedRemote, remoteOnly})

	if len(merged) != 3 {
		t.Fatalf("expected 3 merged records, got %d", len(merged))
	}
	for i, want := range []string{"a", "b", "c"} {
		if merged[i].SyncID() != want {
			t.Errorf("expected merged[%d] = %s, got %s", i, want, merged[i].SyncID())
		}
	}
	if len(resolutions) != 1 {
		t.Fatalf("expected 1 resolution, got %d", len(resolutions))
	}
	if merged[1].(SyncableTodoItem).Title != "remote edit" {
		t.Errorf("expected contested record resolved to remote, got %s",
			merged[1].(SyncableTodoItem).Title)
	}
}
