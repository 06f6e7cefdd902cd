package taskmesh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskmesh/taskmesh/internal/testutil"
)

func openTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	_, path := testutil.TempStorePath(t)
	s, err := NewSQLiteStore(DefaultSQLiteStoreConfig(path))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(SQLiteStoreConfig{}); err == nil {
		t.Fatal("expected an error without a path")
	}
}

func TestSQLiteStoreRecordRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	due := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	item := SyncableTodoItem{
		ID:       "todo-1",
		ListID:   "list-1",
		Title:    "buy milk",
		Notes:    "2 liters",
		DueDate:  &due,
		Priority: 2,
		Metadata: NewSyncMetadata("device-a"),
	}
	if err := s.ApplyResolved(ctx, DataTypeTodoItems, []Syncable{item}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	rec, err := s.GetRecord(ctx, DataTypeTodoItems, "todo-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got := rec.(SyncableTodoItem)
	if got.Title != "buy milk" || got.ListID != "list-1" || got.Priority != 2 {
		t.Errorf("expected record round trip, got %+v", got)
	}
	if got.DueDate == nil || !got.DueDate.Equal(due) {
		t.Errorf("expected due date %s, got %v", due, got.DueDate)
	}
	if got.Metadata.Version != 1 || got.Metadata.LastModifiedBy != "device-a" {
		t.Errorf("expected metadata preserved, got %+v", got.Metadata)
	}

	if _, err := s.GetRecord(ctx, DataTypeTodoItems, "missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestSQLiteStoreListSorted(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	records := []Syncable{
		SyncableTodoList{ID: "c", Name: "Work", Metadata: NewSyncMetadata("device-a")},
		SyncableTodoList{ID: "a", Name: "Home", Metadata: NewSyncMetadata("device-a")},
		SyncableTodoList{ID: "b", Name: "Errands", Metadata: NewSyncMetadata("device-a")},
	}
	if err := s.ApplyResolved(ctx, DataTypeTodoLists, records); err != nil {
		t.Fatalf("apply: %v", err)
	}

	listed, err := s.ListRecords(ctx, DataTypeTodoLists)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("expected 3 lists, got %d", len(listed))
	}
	for i, want := range []string{"a", "b", "c"} {
		if listed[i].SyncID() != want {
			t.Errorf("expected listed[%d] = %s, got %s", i, want, listed[i].SyncID())
		}
	}
}

func TestSQLiteStoreTombstone(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	item := SyncableTodoItem{ID: "todo-1", Title: "done with this", Metadata: NewSyncMetadata("device-a")}
	item.Metadata.MarkDeleted("device-a")
	if err := s.ApplyResolved(ctx, DataTypeTodoItems, []Syncable{item}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	rec, err := s.GetRecord(ctx, DataTypeTodoItems, "todo-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !rec.Meta().IsDeleted {
		t.Error("expected tombstone preserved")
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	_, path := testutil.TempStorePath(t)
	ctx := context.Background()

	s, err := NewSQLiteStore(DefaultSQLiteStoreConfig(path))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	item := SyncableTodoItem{ID: "todo-1", Title: "persisted", Metadata: NewSyncMetadata("device-a")}
	if err := s.ApplyResolved(ctx, DataTypeTodoItems, []Syncable{item}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := s.AppendTimerOp(ctx, timerOp("device-a", "writing", TimerOpStart, 1, time.Now().UTC())); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.SaveDeviceIdentity(ctx, DeviceInfo{DeviceID: "device-a", DeviceName: "Laptop"}); err != nil {
		t.Fatalf("save identity: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewSQLiteStore(DefaultSQLiteStoreConfig(path))
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	rec, err := reopened.GetRecord(ctx, DataTypeTodoItems, "todo-1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if rec.(SyncableTodoItem).Title != "persisted" {
		t.Errorf("expected record persisted, got %s", rec.(SyncableTodoItem).Title)
	}

	ops, err := reopened.AllTimerOps(ctx)
	if err != nil {
		t.Fatalf("timer ops after reopen: %v", err)
	}
	if len(ops) != 1 || ops[0].ActivityID != "writing" {
		t.Errorf("expected 1 writing op persisted, got %+v", ops)
	}

	dev, err := reopened.LoadDeviceIdentity(ctx)
	if err != nil {
		t.Fatalf("load identity after reopen: %v", err)
	}
	if dev.DeviceID != "device-a" {
		t.Errorf("expected identity persisted, got %+v", dev)
	}
}

func TestSQLiteStoreTimerOpDedup(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	op := timerOp("device-a", "writing", TimerOpStart, 1, time.Now().UTC())
	if err := s.AppendTimerOp(ctx, op); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendTimerOp(ctx, op); err != nil {
		t.Fatalf("append dup: %v", err)
	}

	ops, err := s.TimerOps(ctx, "writing")
	if err != nil {
		t.Fatalf("timer ops: %v", err)
	}
	if len(ops) != 1 {
		t.Errorf("expected duplicate ignored, got %d ops", len(ops))
	}
}

func TestSQLiteStoreTimerOpsOrdered(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	// Insert out of order; reads come back in sequence order.
	s.AppendTimerOp(ctx, timerOp("device-a", "writing", TimerOpStop, 2, base.Add(time.Minute)))
	s.AppendTimerOp(ctx, timerOp("device-a", "writing", TimerOpStart, 1, base))
	s.AppendTimerOp(ctx, timerOp("device-a", "reading", TimerOpStart, 1, base))

	ops, err := s.TimerOps(ctx, "writing")
	if err != nil {
		t.Fatalf("timer ops: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected 2 writing ops, got %d", len(ops))
	}
	if ops[0].SequenceNumber != 1 || ops[1].SequenceNumber != 2 {
		t.Errorf("expected sequence order, got [%d %d]", ops[0].SequenceNumber, ops[1].SequenceNumber)
	}

	all, err := s.AllTimerOps(ctx)
	if err != nil {
		t.Fatalf("all timer ops: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 ops total, got %d", len(all))
	}
}

func TestSQLiteStoreIdentityNotFound(t *testing.T) {
	s, _ := openTestStore(t)
	if _, err := s.LoadDeviceIdentity(context.Background()); !errors.Is(err, ErrIdentityNotFound) {
		t.Errorf("expected ErrIdentityNotFound, got %v", err)
	}
}

func TestSQLiteStoreStats(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()

	item := SyncableTodoItem{ID: "todo-1", Title: "counted", Metadata: NewSyncMetadata("device-a")}
	s.ApplyResolved(ctx, DataTypeTodoItems, []Syncable{item})
	s.AppendTimerOp(ctx, timerOp("device-a", "writing", TimerOpStart, 1, time.Now().UTC()))

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Path != path {
		t.Errorf("expected path %s, got %s", path, stats.Path)
	}
	if stats.RecordCount != 1 || stats.TimerOpCount != 1 {
		t.Errorf("expected 1 record and 1 op, got %d and %d", stats.RecordCount, stats.TimerOpCount)
	}
	if stats.SizeBytes <= 0 {
		t.Errorf("expected positive database size, got %d", stats.SizeBytes)
	}
}

func TestSQLiteStoreClosed(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := s.ListRecords(ctx, DataTypeTodoItems); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
	if err := s.AppendTimerOp(ctx, TimerOperationRecord{OperationID: "op"}); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
	if _, err := s.Stats(ctx); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}

	// Close is idempotent.
	if err := s.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
