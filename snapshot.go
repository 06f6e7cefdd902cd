package taskmesh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SnapshotConfig controls periodic full-state backups.
type SnapshotConfig struct {
	// Enabled turns periodic snapshots on.
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Interval is the time between automatic snapshots.
	Interval time.Duration `json:"interval" yaml:"interval"`
	// Retention is how many snapshots to keep before pruning the
	// oldest.
	Retention int `json:"retention" yaml:"retention"`
	// Codec compresses archives: "snappy", "deflate" or "none".
	Codec string `json:"codec" yaml:"codec"`
	// Dir is the local snapshot directory, used unless S3 is
	// configured.
	Dir string `json:"dir" yaml:"dir"`
	// S3 stores snapshots in object storage when Bucket is set.
	S3 S3SnapshotConfig `json:"s3" yaml:"s3"`
}

// DefaultSnapshotConfig returns snapshot settings with snapshots off.
func DefaultSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{
		Interval:  6 * time.Hour,
		Retention: 10,
		Codec:     "snappy",
		Dir:       "snapshots",
	}
}

// SnapshotManifest describes one stored snapshot.
type SnapshotManifest struct {
	ID             string         `json:"id"`
	CreatedAt      time.Time      `json:"created_at"`
	DeviceID       string         `json:"device_id"`
	Codec          string         `json:"codec"`
	RecordCounts   map[string]int `json:"record_counts"`
	TimerOps       int            `json:"timer_ops"`
	OriginalSize   int            `json:"original_size"`
	CompressedSize int            `json:"compressed_size"`
	Checksum       string         `json:"checksum"`
}

// snapshotArchive is the serialized full state: every record set plus
// the timer reflog.
type snapshotArchive struct {
	Records  map[string][]json.RawMessage `json:"records"`
	TimerOps []TimerOperationRecord       `json:"timerOps"`
}

const (
	archiveSuffix  = ".archive"
	manifestSuffix = ".manifest"
)

// SnapshotBackend stores snapshot blobs by name.
type SnapshotBackend interface {
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name string, data []byte) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

// DirSnapshotBackend stores snapshots as files in a local directory.
type DirSnapshotBackend struct {
	dir string
}

// NewDirSnapshotBackend creates the directory if needed.
func NewDirSnapshotBackend(dir string) (*DirSnapshotBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("snapshot directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	return &DirSnapshotBackend{dir: dir}, nil
}

func (b *DirSnapshotBackend) Read(ctx context.Context, name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(b.dir, name))
}

// Write lands the blob atomically so a crash never leaves a partial
// snapshot under its final name.
func (b *DirSnapshotBackend) Write(ctx context.Context, name string, data []byte) error {
	path := filepath.Join(b.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (b *DirSnapshotBackend) Delete(ctx context.Context, name string) error {
	err := os.Remove(filepath.Join(b.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (b *DirSnapshotBackend) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

func (b *DirSnapshotBackend) Close() error { return nil }

// SnapshotManager creates, lists, prunes and restores full-state
// snapshots of the store.
type SnapshotManager struct {
	store    Store
	backend  SnapshotBackend
	config   SnapshotConfig
	codec    ArchiveCodec
	deviceID string
}

// NewSnapshotManager wires a manager to a store and a backend.
func NewSnapshotManager(store Store, backend SnapshotBackend, config SnapshotConfig, deviceID string) (*SnapshotManager, error) {
	codec, err := ParseArchiveCodec(config.Codec)
	if err != nil {
		return nil, err
	}
	if config.Retention <= 0 {
		config.Retention = 10
	}
	return &SnapshotManager{
		store:    store,
		backend:  backend,
		config:   config,
		codec:    codec,
		deviceID: deviceID,
	}, nil
}

// Create captures the full current state into a new snapshot and prunes
// old ones past the retention limit.
func (m *SnapshotManager) Create(ctx context.Context) (*SnapshotManifest, error) {
	archive := snapshotArchive{Records: make(map[string][]json.RawMessage)}
	counts := make(map[string]int)
	for _, dataType := range SyncDataTypes {
		records, err := m.store.ListRecords(ctx, dataType)
		if err != nil {
			return nil, fmt.Errorf("collect %s: %w", dataType, err)
		}
		raws := make([]json.RawMessage, 0, len(records))
		for _, rec := range records {
			raw, err := json.Marshal(rec)
			if err != nil {
				return nil, fmt.Errorf("marshal %s record: %w", dataType, err)
			}
			raws = append(raws, raw)
		}
		archive.Records[dataType] = raws
		counts[dataType] = len(raws)
	}
	ops, err := m.store.AllTimerOps(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect timer operations: %w", err)
	}
	archive.TimerOps = ops

	blob, err := json.Marshal(archive)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	compressed, err := m.codec.Compress(blob)
	if err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	sum := sha256.Sum256(compressed)

	now := time.Now().UTC()
	manifest := &SnapshotManifest{
		ID:             now.Format("20060102T150405") + "-" + uuid.NewString()[:8],
		CreatedAt:      now,
		DeviceID:       m.deviceID,
		Codec:          m.codec.String(),
		RecordCounts:   counts,
		TimerOps:       len(ops),
		OriginalSize:   len(blob),
		CompressedSize: len(compressed),
		Checksum:       hex.EncodeToString(sum[:]),
	}

	if err := m.backend.Write(ctx, manifest.ID+archiveSuffix, compressed); err != nil {
		return nil, fmt.Errorf("write snapshot archive: %w", err)
	}
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := m.backend.Write(ctx, manifest.ID+manifestSuffix, manifestData); err != nil {
		return nil, fmt.Errorf("write snapshot manifest: %w", err)
	}

	if err := m.prune(ctx); err != nil {
		slog.Warn("snapshot prune failed", "err", err)
	}
	slog.Info("snapshot created",
		"id", manifest.ID,
		"timer_ops", manifest.TimerOps,
		"size", manifest.CompressedSize)
	return manifest, nil
}

// List returns known snapshots, newest first.
func (m *SnapshotManager) List(ctx context.Context) ([]SnapshotManifest, error) {
	names, err := m.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var out []SnapshotManifest
	for _, name := range names {
		if !strings.HasSuffix(name, manifestSuffix) {
			continue
		}
		data, err := m.backend.Read(ctx, name)
		if err != nil {
			slog.Warn("snapshot manifest unreadable", "name", name, "err", err)
			continue
		}
		var manifest SnapshotManifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			slog.Warn("snapshot manifest invalid", "name", name, "err", err)
			continue
		}
		out = append(out, manifest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Restore loads a snapshot back into the store. Restored records
// overwrite current ones outright; reflog entries merge in by operation
// id.
func (m *SnapshotManager) Restore(ctx context.Context, id string) error {
	manifestData, err := m.backend.Read(ctx, id+manifestSuffix)
	if err != nil {
		return fmt.Errorf("read snapshot manifest %s: %w", id, err)
	}
	var manifest SnapshotManifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return fmt.Errorf("decode snapshot manifest %s: %w", id, err)
	}

	compressed, err := m.backend.Read(ctx, id+archiveSuffix)
	if err != nil {
		return fmt.Errorf("read snapshot archive %s: %w", id, err)
	}
	sum := sha256.Sum256(compressed)
	if hex.EncodeToString(sum[:]) != manifest.Checksum {
		return fmt.Errorf("%w: snapshot %s checksum mismatch", ErrPayloadCorrupted, id)
	}

	codec, err := ParseArchiveCodec(manifest.Codec)
	if err != nil {
		return err
	}
	blob, err := codec.Decompress(compressed)
	if err != nil {
		return fmt.Errorf("decompress snapshot %s: %w", id, err)
	}
	var archive snapshotArchive
	if err := json.Unmarshal(blob, &archive); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", id, err)
	}

	for dataType, raws := range archive.Records {
		records := make([]Syncable, 0, len(raws))
		for _, raw := range raws {
			rec, err := DecodeSyncable(dataType, raw)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		if err := m.store.ApplyResolved(ctx, dataType, records); err != nil {
			return fmt.Errorf("restore %s: %w", dataType, err)
		}
	}
	for _, op := range archive.TimerOps {
		if err := m.store.AppendTimerOp(ctx, op); err != nil {
			return fmt.Errorf("restore timer operations: %w", err)
		}
	}

	slog.Info("snapshot restored", "id", id, "timer_ops", len(archive.TimerOps))
	return nil
}

// prune deletes snapshots beyond the retention count, oldest first.
func (m *SnapshotManager) prune(ctx context.Context) error {
	manifests, err := m.List(ctx)
	if err != nil {
		return err
	}
	if len(manifests) <= m.config.Retention {
		return nil
	}
	for _, old := range manifests[m.config.Retention:] {
		if err := m.backend.Delete(ctx, old.ID+archiveSuffix); err != nil {
			return err
		}
		if err := m.backend.Delete(ctx, old.ID+manifestSuffix); err != nil {
			return err
		}
		slog.Info("snapshot pruned", "id", old.ID)
	}
	return nil
}

// Close releases the backend.
func (m *SnapshotManager) Close() error {
	return m.backend.Close()
}
