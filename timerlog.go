package taskmesh

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TimerOperationType classifies one reflog entry.
type TimerOperationType string

const (
	TimerOpStart  TimerOperationType = "start"
	TimerOpStop   TimerOperationType = "stop"
	TimerOpPause  TimerOperationType = "pause"
	TimerOpResume TimerOperationType = "resume"
)

// TimerOperationRecord is one append-only reflog entry. SequenceNumber
// is assigned by the originating device and increases monotonically per
// activity on that device; OperationTime is when the user acted,
// ActualTime when the state change took effect locally (they differ for
// operations applied late, such as a force stop).
type TimerOperationRecord struct {
	OperationID    string             `json:"operationId"`
	ActivityID     string             `json:"activityId"`
	ActivityName   string             `json:"activityName,omitempty"`
	OperationType  TimerOperationType `json:"operationType"`
	OperationTime  time.Time          `json:"operationTime"`
	ActualTime     *time.Time         `json:"actualTime,omitempty"`
	DeviceID       string             `json:"deviceId"`
	DeviceName     string             `json:"deviceName,omitempty"`
	SequenceNumber int64              `json:"sequenceNumber"`
	LinkedTodoID   string             `json:"linkedTodoId,omitempty"`
	IsSynced       bool               `json:"isSynced"`
}

// TimerStateSnapshot is the derived per-activity state kept current as
// operations append, so run-state queries never rescan the log.
type TimerStateSnapshot struct {
	ActivityID          string             `json:"activityId"`
	LastOperation       TimerOperationType `json:"lastOperation"`
	LastOperationTime   time.Time          `json:"lastOperationTime"`
	LastOperationDevice string             `json:"lastOperationDevice"`
	LastSequenceNumber  int64              `json:"lastSequenceNumber"`
}

// Running reports whether the snapshot describes a timer in its running
// state.
func (s TimerStateSnapshot) Running() bool {
	return s.LastOperation == TimerOpStart || s.LastOperation == TimerOpResume
}

// TimerLogStats summarizes the in-memory reflog.
type TimerLogStats struct {
	Activities int `json:"activities"`
	Operations int `json:"operations"`
	Running    int `json:"running"`
}

// TimerLog is the in-memory timer reflog: per-activity operation
// histories plus a derived state index. Appends are idempotent by
// operation id, so replaying a peer's log during catch-up is safe.
type TimerLog struct {
	mu      sync.RWMutex
	ops     map[string][]TimerOperationRecord
	seen    map[string]struct{}
	latest  map[string]TimerStateSnapshot
	nextSeq map[string]int64
}

// NewTimerLog returns an empty reflog.
func NewTimerLog() *TimerLog {
	return &TimerLog{
		ops:     make(map[string][]TimerOperationRecord),
		seen:    make(map[string]struct{}),
		latest:  make(map[string]TimerStateSnapshot),
		nextSeq: make(map[string]int64),
	}
}

// NewOperation builds a reflog entry for a local user action and
// assigns it the next sequence number for the activity on this device.
// The entry is not appended; callers pass it through conflict detection
// first.
func (l *TimerLog) NewOperation(device DeviceInfo, activityID, activityName string, opType TimerOperationType) TimerOperationRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq := l.nextSeq[activityID] + 1
	l.nextSeq[activityID] = seq
	return TimerOperationRecord{
		OperationID:    uuid.NewString(),
		ActivityID:     activityID,
		ActivityName:   activityName,
		OperationType:  opType,
		OperationTime:  time.Now().UTC(),
		DeviceID:       device.DeviceID,
		DeviceName:     device.DeviceName,
		SequenceNumber: seq,
	}
}

// Append adds an operation to the log. Duplicate operation ids are
// ignored and reported with a false return.
func (l *TimerLog) Append(op TimerOperationRecord) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(op)
}

func (l *TimerLog) appendLocked(op TimerOperationRecord) bool {
	if _, dup := l.seen[op.OperationID]; dup {
		return false
	}
	l.seen[op.OperationID] = struct{}{}

	history := append(l.ops[op.ActivityID], op)
	sort.SliceStable(history, func(i, j int) bool {
		if history[i].SequenceNumber != history[j].SequenceNumber {
			return history[i].SequenceNumber < history[j].SequenceNumber
		}
		return history[i].OperationTime.Before(history[j].OperationTime)
	})
	l.ops[op.ActivityID] = history

	if op.SequenceNumber > l.nextSeq[op.ActivityID] {
		l.nextSeq[op.ActivityID] = op.SequenceNumber
	}

	cur, ok := l.latest[op.ActivityID]
	if !ok || supersedes(op, cur) {
		l.latest[op.ActivityID] = TimerStateSnapshot{
			ActivityID:          op.ActivityID,
			LastOperation:       op.OperationType,
			LastOperationTime:   op.OperationTime,
			LastOperationDevice: op.DeviceID,
			LastSequenceNumber:  op.SequenceNumber,
		}
	}
	return true
}

// supersedes reports whether op is more recent than the current
// snapshot. Sequence number decides first, then operation time, then
// device id as the final deterministic tie-break so every device
// converges on the same winner.
func supersedes(op TimerOperationRecord, cur TimerStateSnapshot) bool {
	if op.SequenceNumber != cur.LastSequenceNumber {
		return op.SequenceNumber > cur.LastSequenceNumber
	}
	if !op.OperationTime.Equal(cur.LastOperationTime) {
		return op.OperationTime.After(cur.LastOperationTime)
	}
	return op.DeviceID > cur.LastOperationDevice
}

// Snapshot returns the derived state for one activity.
func (l *TimerLog) Snapshot(activityID string) (TimerStateSnapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	snap, ok := l.latest[activityID]
	return snap, ok
}

// Operations returns a copy of the ordered history for one activity.
func (l *TimerLog) Operations(activityID string) []TimerOperationRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	history := l.ops[activityID]
	out := make([]TimerOperationRecord, len(history))
	copy(out, history)
	return out
}

// Activities returns the ids of every activity with at least one
// operation, sorted.
func (l *TimerLog) Activities() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.ops))
	for id := range l.ops {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RunningActivities returns the snapshots of every activity currently
// in a running state.
func (l *TimerLog) RunningActivities() []TimerStateSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []TimerStateSnapshot
	for _, snap := range l.latest {
		if snap.Running() {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActivityID < out[j].ActivityID })
	return out
}

// Load replays persisted operations into an empty log, typically at
// startup.
func (l *TimerLog) Load(ops []TimerOperationRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, op := range ops {
		l.appendLocked(op)
	}
}

// Stats summarizes the log.
func (l *TimerLog) Stats() TimerLogStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := TimerLogStats{Activities: len(l.ops)}
	for _, history := range l.ops {
		s.Operations += len(history)
	}
	for _, snap := range l.latest {
		if snap.Running() {
			s.Running++
		}
	}
	return s
}

// TimerConflictType classifies a divergence between the local timer
// state and an incoming remote operation.
type TimerConflictType string

const (
	// TimerConflictRemoteStopped means a peer stopped a timer this
	// device believes is running.
	TimerConflictRemoteStopped TimerConflictType = "remoteStopped"
	// TimerConflictRemoteRunning means a peer started a timer this
	// device believes is idle.
	TimerConflictRemoteRunning TimerConflictType = "remoteRunning"
	// TimerConflictMultipleRunning means both devices have the same
	// activity running at once.
	TimerConflictMultipleRunning TimerConflictType = "multipleRunning"
	// TimerConflictSequenceOutOfOrder is reserved for gap detection in
	// a peer's sequence numbers. Nothing emits it yet.
	TimerConflictSequenceOutOfOrder TimerConflictType = "sequenceOutOfOrder"
)

// TimerConflictAction is the prescribed reaction to a timer conflict.
type TimerConflictAction string

const (
	TimerActionStopLocal    TimerConflictAction = "stopLocal"
	TimerActionAcceptRemote TimerConflictAction = "acceptRemote"
	TimerActionKeepLatest   TimerConflictAction = "keepLatest"
)

// TimerConflict describes one detected divergence and how to settle it.
// For keepLatest, RemoteWins reports which side's timer survives.
type TimerConflict struct {
	Type       TimerConflictType    `json:"type"`
	Action     TimerConflictAction  `json:"action"`
	ActivityID string               `json:"activityId"`
	LocalState *TimerStateSnapshot  `json:"localState,omitempty"`
	RemoteOp   TimerOperationRecord `json:"remoteOp"`
	RemoteWins bool                 `json:"remoteWins"`
	DetectedAt time.Time            `json:"detectedAt"`
}

// DetectConflict compares an incoming remote operation against the
// current local state and returns the conflict to act on, or nil when
// the operation applies cleanly. It must be called before Append, which
// would otherwise fold the remote operation into the state it is being
// compared against.
func (l *TimerLog) DetectConflict(remote TimerOperationRecord) *TimerConflict {
	l.mu.RLock()
	cur, ok := l.latest[remote.ActivityID]
	l.mu.RUnlock()

	remoteRunning := remote.OperationType == TimerOpStart || remote.OperationType == TimerOpResume

	if !ok || !cur.Running() {
		if remoteRunning {
			return &TimerConflict{
				Type:       TimerConflictRemoteRunning,
				Action:     TimerActionAcceptRemote,
				ActivityID: remote.ActivityID,
				LocalState: snapshotPtr(cur, ok),
				RemoteOp:   remote,
				RemoteWins: true,
				DetectedAt: time.Now().UTC(),
			}
		}
		return nil
	}

	if cur.LastOperationDevice == remote.DeviceID {
		return nil
	}

	if !remoteRunning {
		return &TimerConflict{
			Type:       TimerConflictRemoteStopped,
			Action:     TimerActionStopLocal,
			ActivityID: remote.ActivityID,
			LocalState: snapshotPtr(cur, true),
			RemoteOp:   remote,
			RemoteWins: true,
			DetectedAt: time.Now().UTC(),
		}
	}

	return &TimerConflict{
		Type:       TimerConflictMultipleRunning,
		Action:     TimerActionKeepLatest,
		ActivityID: remote.ActivityID,
		LocalState: snapshotPtr(cur, true),
		RemoteOp:   remote,
		RemoteWins: supersedes(remote, cur),
		DetectedAt: time.Now().UTC(),
	}
}

func snapshotPtr(snap TimerStateSnapshot, ok bool) *TimerStateSnapshot {
	if !ok {
		return nil
	}
	return &snap
}
