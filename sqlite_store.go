package taskmesh

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStoreConfig tunes the embedded database.
type SQLiteStoreConfig struct {
	// Path is the database file location.
	Path string `json:"path" yaml:"path"`
	// CacheSize is the SQLite page cache size in pages.
	CacheSize int `json:"cache_size" yaml:"cache_size"`
	// JournalMode selects the SQLite journal mode.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`
	// Synchronous selects the SQLite synchronous level.
	Synchronous string `json:"synchronous" yaml:"synchronous"`
	// BusyTimeout is the SQLite busy timeout in milliseconds.
	BusyTimeout int `json:"busy_timeout" yaml:"busy_timeout"`
	// MaxConnections caps the connection pool.
	MaxConnections int `json:"max_connections" yaml:"max_connections"`
}

// DefaultSQLiteStoreConfig returns settings suited to a single-user
// device database.
func DefaultSQLiteStoreConfig(path string) SQLiteStoreConfig {
	return SQLiteStoreConfig{
		Path:           path,
		CacheSize:      2000,
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeout:    5000,
		MaxConnections: 10,
	}
}

// SQLiteStore is the durable Store backed by an embedded SQLite
// database. The driver is pure Go, so the database needs no cgo and no
// external service.
type SQLiteStore struct {
	db     *sql.DB
	config SQLiteStoreConfig
	mu     sync.RWMutex
	closed bool

	stmts struct {
		upsertRecord      *sql.Stmt
		selectRecords     *sql.Stmt
		selectRecord      *sql.Stmt
		insertTimerOp     *sql.Stmt
		selectTimerOps    *sql.Stmt
		selectAllTimerOps *sql.Stmt
		saveIdentity      *sql.Stmt
		loadIdentity      *sql.Stmt
	}
}

// NewSQLiteStore opens or creates the database at config.Path and
// prepares the schema.
func NewSQLiteStore(config SQLiteStoreConfig) (*SQLiteStore, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("sqlite store requires a path")
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 2000
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}

	dsn := fmt.Sprintf("%s?_cache_size=%d&_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.CacheSize, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	s := &SQLiteStore{db: db, config: config}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_records (
		data_type        TEXT NOT NULL,
		id               TEXT NOT NULL,
		payload          TEXT NOT NULL,
		version          INTEGER NOT NULL,
		last_modified_at TEXT NOT NULL,
		last_modified_by TEXT NOT NULL,
		is_deleted       INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (data_type, id)
	);
	CREATE INDEX IF NOT EXISTS idx_records_type ON sync_records(data_type);

	CREATE TABLE IF NOT EXISTS timer_operations (
		operation_id    TEXT PRIMARY KEY,
		activity_id     TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		operation_type  TEXT NOT NULL,
		operation_time  TEXT NOT NULL,
		device_id       TEXT NOT NULL,
		payload         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_timer_activity_seq ON timer_operations(activity_id, sequence_number);

	CREATE TABLE IF NOT EXISTS device_identity (
		id          INTEGER PRIMARY KEY CHECK (id = 1),
		device_id   TEXT NOT NULL,
		device_name TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) prepareStatements() error {
	var err error
	s.stmts.upsertRecord, err = s.db.Prepare(`
		INSERT OR REPLACE INTO sync_records
		(data_type, id, payload, version, last_modified_at, last_modified_by, is_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	s.stmts.selectRecords, err = s.db.Prepare(`
		SELECT payload FROM sync_records WHERE data_type = ? ORDER BY id`)
	if err != nil {
		return err
	}
	s.stmts.selectRecord, err = s.db.Prepare(`
		SELECT payload FROM sync_records WHERE data_type = ? AND id = ?`)
	if err != nil {
		return err
	}
	s.stmts.insertTimerOp, err = s.db.Prepare(`
		INSERT OR IGNORE INTO timer_operations
		(operation_id, activity_id, sequence_number, operation_type, operation_time, device_id, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	s.stmts.selectTimerOps, err = s.db.Prepare(`
		SELECT payload FROM timer_operations WHERE activity_id = ?
		ORDER BY sequence_number, operation_time`)
	if err != nil {
		return err
	}
	s.stmts.selectAllTimerOps, err = s.db.Prepare(`
		SELECT payload FROM timer_operations ORDER BY activity_id, sequence_number, operation_time`)
	if err != nil {
		return err
	}
	s.stmts.saveIdentity, err = s.db.Prepare(`
		INSERT OR REPLACE INTO device_identity (id, device_id, device_name) VALUES (1, ?, ?)`)
	if err != nil {
		return err
	}
	s.stmts.loadIdentity, err = s.db.Prepare(`
		SELECT device_id, device_name FROM device_identity WHERE id = 1`)
	return err
}

func (s *SQLiteStore) ListRecords(ctx context.Context, dataType string) ([]Syncable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rows, err := s.stmts.selectRecords.QueryContext(ctx, dataType)
	if err != nil {
		return nil, fmt.Errorf("query %s records: %w", dataType, err)
	}
	defer rows.Close()

	var out []Syncable
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan %s record: %w", dataType, err)
		}
		rec, err := DecodeSyncable(dataType, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetRecord(ctx context.Context, dataType, id string) (Syncable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var payload []byte
	err := s.stmts.selectRecord.QueryRowContext(ctx, dataType, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, dataType, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query %s record: %w", dataType, err)
	}
	return DecodeSyncable(dataType, payload)
}

func (s *SQLiteStore) ApplyResolved(ctx context.Context, dataType string, records []Syncable) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt := tx.StmtContext(ctx, s.stmts.upsertRecord)
	for _, rec := range records {
		if rec == nil {
			continue
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal %s record: %w", dataType, err)
		}
		meta := rec.Meta()
		deleted := 0
		if meta.IsDeleted {
			deleted = 1
		}
		_, err = stmt.ExecContext(ctx, dataType, rec.SyncID(), payload,
			meta.Version, meta.LastModifiedAt.UTC().Format(time.RFC3339Nano), meta.LastModifiedBy, deleted)
		if err != nil {
			return fmt.Errorf("upsert %s record: %w", dataType, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit records: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendTimerOp(ctx context.Context, op TimerOperationRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal timer operation: %w", err)
	}
	_, err = s.stmts.insertTimerOp.ExecContext(ctx, op.OperationID, op.ActivityID,
		op.SequenceNumber, string(op.OperationType),
		op.OperationTime.UTC().Format(time.RFC3339Nano), op.DeviceID, payload)
	if err != nil {
		return fmt.Errorf("insert timer operation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TimerOps(ctx context.Context, activityID string) ([]TimerOperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return scanTimerOps(s.stmts.selectTimerOps.QueryContext(ctx, activityID))
}

func (s *SQLiteStore) AllTimerOps(ctx context.Context) ([]TimerOperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return scanTimerOps(s.stmts.selectAllTimerOps.QueryContext(ctx))
}

func scanTimerOps(rows *sql.Rows, err error) ([]TimerOperationRecord, error) {
	if err != nil {
		return nil, fmt.Errorf("query timer operations: %w", err)
	}
	defer rows.Close()

	var out []TimerOperationRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan timer operation: %w", err)
		}
		var op TimerOperationRecord
		if err := json.Unmarshal(payload, &op); err != nil {
			return nil, fmt.Errorf("decode timer operation: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveDeviceIdentity(ctx context.Context, device DeviceInfo) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := s.stmts.saveIdentity.ExecContext(ctx, device.DeviceID, device.DeviceName)
	if err != nil {
		return fmt.Errorf("save device identity: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadDeviceIdentity(ctx context.Context) (DeviceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return DeviceInfo{}, ErrStoreClosed
	}
	var device DeviceInfo
	err := s.stmts.loadIdentity.QueryRowContext(ctx).Scan(&device.DeviceID, &device.DeviceName)
	if err == sql.ErrNoRows {
		return DeviceInfo{}, ErrIdentityNotFound
	}
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("load device identity: %w", err)
	}
	return device, nil
}

// Close closes the database. Subsequent operations return
// ErrStoreClosed.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// SQLiteStoreStats reports database size figures.
type SQLiteStoreStats struct {
	Path         string `json:"path"`
	SizeBytes    int64  `json:"size_bytes"`
	RecordCount  int64  `json:"record_count"`
	TimerOpCount int64  `json:"timer_op_count"`
}

// Stats returns current database statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (SQLiteStoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return SQLiteStoreStats{}, ErrStoreClosed
	}
	stats := SQLiteStoreStats{Path: s.config.Path}
	if err := s.db.QueryRowContext(ctx, `SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`).Scan(&stats.SizeBytes); err != nil {
		return stats, fmt.Errorf("query database size: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_records`).Scan(&stats.RecordCount); err != nil {
		return stats, fmt.Errorf("count records: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM timer_operations`).Scan(&stats.TimerOpCount); err != nil {
		return stats, fmt.Errorf("count timer operations: %w", err)
	}
	return stats, nil
}
