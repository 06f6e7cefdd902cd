package taskmesh

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists synced records, the timer reflog and the device
// identity. Implementations must be safe for concurrent use.
type Store interface {
	// ListRecords returns every record of one data type, sorted by id.
	ListRecords(ctx context.Context, dataType string) ([]Syncable, error)
	// GetRecord returns one record or ErrRecordNotFound.
	GetRecord(ctx context.Context, dataType, id string) (Syncable, error)
	// ApplyResolved upserts a merged record set in one transaction, so
	// a crash mid-merge never leaves a half-applied sync.
	ApplyResolved(ctx context.Context, dataType string, records []Syncable) error
	// AppendTimerOp persists one reflog entry. Appending a duplicate
	// operation id is a no-op.
	AppendTimerOp(ctx context.Context, op TimerOperationRecord) error
	// TimerOps returns one activity's reflog in sequence order.
	TimerOps(ctx context.Context, activityID string) ([]TimerOperationRecord, error)
	// AllTimerOps returns the full reflog across activities.
	AllTimerOps(ctx context.Context) ([]TimerOperationRecord, error)
	// SaveDeviceIdentity persists this device's identity.
	SaveDeviceIdentity(ctx context.Context, device DeviceInfo) error
	// LoadDeviceIdentity returns the stored identity or
	// ErrIdentityNotFound.
	LoadDeviceIdentity(ctx context.Context) (DeviceInfo, error)
	// Close releases the store. Operations after Close return
	// ErrStoreClosed.
	Close() error
}

// MemoryStore is the in-process Store used by tests and by apps that
// handle persistence themselves.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]map[string]Syncable
	timerOps []TimerOperationRecord
	seenOps  map[string]struct{}
	identity *DeviceInfo
	closed   bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[string]Syncable),
		seenOps: make(map[string]struct{}),
	}
}

func (s *MemoryStore) ListRecords(ctx context.Context, dataType string) ([]Syncable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	set := s.records[dataType]
	out := make([]Syncable, 0, len(set))
	for _, rec := range set {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SyncID() < out[j].SyncID() })
	return out, nil
}

func (s *MemoryStore) GetRecord(ctx context.Context, dataType, id string) (Syncable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rec, ok := s.records[dataType][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, dataType, id)
	}
	return rec, nil
}

func (s *MemoryStore) ApplyResolved(ctx context.Context, dataType string, records []Syncable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	set := s.records[dataType]
	if set == nil {
		set = make(map[string]Syncable, len(records))
		s.records[dataType] = set
	}
	for _, rec := range records {
		if rec == nil {
			continue
		}
		set[rec.SyncID()] = rec
	}
	return nil
}

func (s *MemoryStore) AppendTimerOp(ctx context.Context, op TimerOperationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, dup := s.seenOps[op.OperationID]; dup {
		return nil
	}
	s.seenOps[op.OperationID] = struct{}{}
	s.timerOps = append(s.timerOps, op)
	return nil
}

func (s *MemoryStore) TimerOps(ctx context.Context, activityID string) ([]TimerOperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []TimerOperationRecord
	for _, op := range s.timerOps {
		if op.ActivityID == activityID {
			out = append(out, op)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	return out, nil
}

func (s *MemoryStore) AllTimerOps(ctx context.Context) ([]TimerOperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]TimerOperationRecord, len(s.timerOps))
	copy(out, s.timerOps)
	return out, nil
}

func (s *MemoryStore) SaveDeviceIdentity(ctx context.Context, device DeviceInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.identity = &device
	return nil
}

func (s *MemoryStore) LoadDeviceIdentity(ctx context.Context) (DeviceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return DeviceInfo{}, ErrStoreClosed
	}
	if s.identity == nil {
		return DeviceInfo{}, ErrIdentityNotFound
	}
	return *s.identity, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
