// Package taskmesh provides peer-to-peer synchronization for personal
// productivity data across devices on a local network.
//
// Taskmesh keeps todo lists, time logs and timer state consistent
// between a user's devices without a central server. Devices find each
// other through UDP broadcast announcements, open WebSocket sessions to
// exchange data, and settle concurrent edits with versioned metadata
// and a shared timer operation log.
//
// # Basic Usage
//
// Start an engine with default configuration:
//
//	engine, err := taskmesh.NewEngine(taskmesh.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := engine.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
// Publish local edits:
//
//	item := taskmesh.SyncableTodoItem{
//	    ID:    "todo-1",
//	    Title: "water the plants",
//	}
//	item.Metadata.Update(engine.Device().DeviceID)
//	err := engine.PushRecords(ctx, taskmesh.DataTypeTodoItems,
//	    []taskmesh.Syncable{item})
//
// Track time against an activity:
//
//	op, err := engine.StartTimer("activity-1", "deep work")
//	...
//	op, err = engine.StopTimer("activity-1")
//
// Watch engine activity:
//
//	sub := engine.Events()
//	defer sub.Close()
//	for ev := range sub.C() {
//	    fmt.Println(ev.Type, ev.PeerID)
//	}
//
// # Features
//
// Discovery & Transport:
//   - UDP broadcast presence announcements with stale peer sweeping
//   - WebSocket sessions with handshake identification and keepalive
//   - Request/response correlation over a message envelope protocol
//   - Payload compression, FNV-1a integrity seals and optional
//     AES-256-GCM encryption derived from a shared passphrase
//
// Data Reconciliation:
//   - Version and last-writer metadata on every record
//   - Last-write-wins, highest-version and manual strategies
//   - Tombstone-based deletes so removals propagate
//   - Per-peer sync locks with stale takeover
//
// Timer State:
//   - Append-only operation log with per-device sequence numbers
//   - Deterministic supersede ordering for concurrent timers
//   - Conflict detection with force-stop arbitration between devices
//
// Persistence & Backup:
//   - In-memory and SQLite stores with a pluggable [Store] interface
//   - Full-state snapshots to a local directory or S3, with snappy or
//     deflate archive compression and checksum verification
//
// # Configuration
//
// Use [Config] to customize behavior:
//
//	cfg := taskmesh.DefaultConfig()
//	cfg.DeviceName = "laptop"
//	cfg.SyncPassphrase = "shared-secret"
//	cfg.Storage = taskmesh.StorageConfig{
//	    Backend: "sqlite",
//	    Path:    "taskmesh.db",
//	}
//
// Or load it from YAML with [LoadConfig].
package taskmesh
