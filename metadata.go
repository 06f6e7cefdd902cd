package taskmesh

import (
	"encoding/json"
	"fmt"
	"time"
)

// Data type identifiers shared by sync requests, responses and updates.
const (
	DataTypeTodoLists = "todoLists"
	DataTypeTodoItems = "todoItems"
	DataTypeTimeLogs  = "timeLogs"

	// DataTypeTimerOps names the reflog stream exchanged during full sync
	// sessions. Reflog entries are append-only operations, not versioned
	// records, so they bypass the conflict resolver.
	DataTypeTimerOps = "timerOperations"
)

// SyncDataTypes lists the versioned record sets exchanged during a sync
// session.
var SyncDataTypes = []string{DataTypeTodoLists, DataTypeTodoItems, DataTypeTimeLogs}

// SyncMetadata is the modification history every record carries for
// conflict resolution. Version starts at 1 and increases by one on every
// local mutation, soft deletion included; it never decreases.
type SyncMetadata struct {
	LastModifiedAt time.Time `json:"lastModifiedAt"`
	LastModifiedBy string    `json:"lastModifiedBy"`
	Version        int64     `json:"version"`
	IsDeleted      bool      `json:"isDeleted"`
}

// NewSyncMetadata returns metadata for a freshly created record.
func NewSyncMetadata(deviceID string) SyncMetadata {
	return SyncMetadata{
		LastModifiedAt: time.Now().UTC(),
		LastModifiedBy: deviceID,
		Version:        1,
	}
}

// Update records a local mutation. The timestamp is strictly monotonic
// per record: when the wall clock has not moved past the previous
// modification time, the new timestamp is nudged one millisecond forward
// so last-write-wins comparisons never see a tie from rapid edits.
func (m *SyncMetadata) Update(deviceID string) {
	now := time.Now().UTC()
	if !now.After(m.LastModifiedAt) {
		now = m.LastModifiedAt.Add(time.Millisecond)
	}
	m.LastModifiedAt = now
	m.LastModifiedBy = deviceID
	m.Version++
}

// MarkDeleted turns the record into a tombstone. Tombstones are retained
// so a later sync compares versions instead of treating the deletion as
// an unknown record.
func (m *SyncMetadata) MarkDeleted(deviceID string) {
	m.Update(deviceID)
	m.IsDeleted = true
}

// Syncable is the capability shared by every record variant that
// participates in synchronization. The conflict resolver operates on this
// interface alone and never inspects the domain payload.
type Syncable interface {
	// SyncID returns the stable record identifier.
	SyncID() string
	// Meta returns the record's sync metadata.
	Meta() SyncMetadata
}

// SyncableTodoItem is one todo entry plus its sync metadata.
type SyncableTodoItem struct {
	ID        string       `json:"id"`
	ListID    string       `json:"listId,omitempty"`
	Title     string       `json:"title"`
	Notes     string       `json:"notes,omitempty"`
	Completed bool         `json:"completed"`
	DueDate   *time.Time   `json:"dueDate,omitempty"`
	Priority  int          `json:"priority,omitempty"`
	Metadata  SyncMetadata `json:"metadata"`
}

func (t SyncableTodoItem) SyncID() string     { return t.ID }
func (t SyncableTodoItem) Meta() SyncMetadata { return t.Metadata }

// SyncableTodoList is a named collection of todo items.
type SyncableTodoList struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Color     string       `json:"color,omitempty"`
	SortOrder int          `json:"sortOrder,omitempty"`
	Metadata  SyncMetadata `json:"metadata"`
}

func (l SyncableTodoList) SyncID() string     { return l.ID }
func (l SyncableTodoList) Meta() SyncMetadata { return l.Metadata }

// SyncableTimeLog is one completed tracking interval. DurationMillis is
// the tracked span in milliseconds.
type SyncableTimeLog struct {
	ID             string       `json:"id"`
	ActivityID     string       `json:"activityId"`
	ActivityName   string       `json:"activityName,omitempty"`
	StartTime      time.Time    `json:"startTime"`
	EndTime        *time.Time   `json:"endTime,omitempty"`
	DurationMillis int64        `json:"durationMillis,omitempty"`
	LinkedTodoID   string       `json:"linkedTodoId,omitempty"`
	Metadata       SyncMetadata `json:"metadata"`
}

func (t SyncableTimeLog) SyncID() string     { return t.ID }
func (t SyncableTimeLog) Meta() SyncMetadata { return t.Metadata }

// DecodeSyncable decodes one raw JSON record into the concrete variant
// for the given data type.
func DecodeSyncable(dataType string, raw json.RawMessage) (Syncable, error) {
	switch dataType {
	case DataTypeTodoItems:
		var v SyncableTodoItem
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s record: %w", dataType, err)
		}
		return v, nil
	case DataTypeTodoLists:
		var v SyncableTodoList
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s record: %w", dataType, err)
		}
		return v, nil
	case DataTypeTimeLogs:
		var v SyncableTimeLog
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s record: %w", dataType, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown data type %q", dataType)
	}
}

// DecodeSyncableSet decodes a JSON array of records for one data type.
func DecodeSyncableSet(dataType string, raw json.RawMessage) ([]Syncable, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode %s record set: %w", dataType, err)
	}
	out := make([]Syncable, 0, len(items))
	for _, item := range items {
		rec, err := DecodeSyncable(dataType, item)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
