package taskmesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// conflictHistoryLimit caps the in-memory resolution history.
const conflictHistoryLimit = 256

// EngineStats is a point-in-time snapshot of engine activity.
type EngineStats struct {
	Device            DeviceInfo     `json:"device"`
	StartedAt         time.Time      `json:"started_at"`
	SyncsCompleted    int64          `json:"syncs_completed"`
	SyncsFailed       int64          `json:"syncs_failed"`
	ConflictsResolved int64          `json:"conflicts_resolved"`
	TimerConflicts    int64          `json:"timer_conflicts"`
	Discovery         DiscoveryStats `json:"discovery"`
	Transport         TransportStats `json:"transport"`
	Timers            TimerLogStats  `json:"timers"`
}

// Engine is the peer-to-peer sync engine: it discovers peers on the
// LAN, keeps sessions to them, and reconciles records and timer state
// in both directions. One Engine serves one device.
type Engine struct {
	config   Config
	device   DeviceInfo
	store    Store
	ownStore bool

	discovery *Discovery
	sessions  *SessionManager
	resolver  *ConflictResolver
	timers    *TimerLog
	locks     *SyncLockManager
	events    *EventBus
	snapshots *SnapshotManager

	historyMu sync.Mutex
	history   []*ConflictResolution

	dialMu  sync.Mutex
	dialing map[string]bool

	statsMu           sync.Mutex
	syncsCompleted    int64
	syncsFailed       int64
	conflictsResolved int64
	timerConflicts    int64

	startedAt time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewEngine assembles an engine from the configuration. The device
// identity is loaded from the store or created on first run.
func NewEngine(config Config) (*Engine, error) {
	if config.DeviceName == "" {
		config.DeviceName = DefaultConfig().DeviceName
	}
	if config.DiscoveryPort <= 0 {
		config.DiscoveryPort = DefaultDiscoveryPort
	}
	if config.SyncPort < 0 {
		config.SyncPort = DefaultSyncPort
	}
	if config.Strategy == "" {
		config.Strategy = StrategyLastWriteWins
	}

	store := config.Store
	ownStore := false
	if store == nil {
		switch config.Storage.Backend {
		case "", "memory":
			store = NewMemoryStore()
		case "sqlite":
			s, err := NewSQLiteStore(DefaultSQLiteStoreConfig(config.Storage.Path))
			if err != nil {
				return nil, err
			}
			store = s
		default:
			return nil, fmt.Errorf("unknown storage backend %q", config.Storage.Backend)
		}
		ownStore = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	fail := func(err error) (*Engine, error) {
		cancel()
		if ownStore {
			store.Close()
		}
		return nil, err
	}

	device, err := LoadOrCreateIdentity(ctx, store, config.DeviceName)
	if err != nil {
		return fail(err)
	}

	var encryptor *PayloadEncryptor
	if config.SyncPassphrase != "" {
		encryptor, err = NewPayloadEncryptor(config.SyncPassphrase)
		if err != nil {
			return fail(err)
		}
	}

	timers := NewTimerLog()
	ops, err := store.AllTimerOps(ctx)
	if err != nil {
		return fail(fmt.Errorf("load timer reflog: %w", err))
	}
	timers.Load(ops)

	e := &Engine{
		config:   config,
		device:   device,
		store:    store,
		ownStore: ownStore,
		resolver: NewConflictResolver(config.Strategy),
		timers:   timers,
		locks:    NewSyncLockManager(config.LockStaleAfter),
		events:   NewEventBus(config.EventBuffer),
		dialing:  make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}

	e.discovery = NewDiscovery(DiscoveryConfig{
		Device:            device,
		Port:              config.DiscoveryPort,
		SyncPort:          config.SyncPort,
		BroadcastEnabled:  !config.DisableBroadcast,
		BroadcastInterval: config.BroadcastInterval,
		SweepInterval:     config.SweepInterval,
		StaleAfter:        config.PeerStaleAfter,
	})

	tcfg := config.Transport
	if tcfg.ListenAddr == "" {
		tcfg.ListenAddr = fmt.Sprintf(":%d", config.SyncPort)
	}
	e.sessions = NewSessionManager(tcfg, e.localDevice, encryptor)

	e.discovery.OnPeersChanged = e.onPeersChanged
	e.sessions.Handler = e.handleEnvelope
	e.sessions.OnSessionOpened = func(s *Session) {
		remote := s.Remote()
		e.discovery.AddPeer(remote)
		e.discovery.SetConnected(remote.DeviceID, true)
	}
	e.sessions.OnSessionClosed = func(s *Session) {
		e.discovery.SetConnected(s.Remote().DeviceID, false)
	}
	e.sessions.OnIntegrityFailure = func(peerID string, err error) {
		e.events.Publish(Event{Type: EventIntegrityFailure, PeerID: peerID, Error: err.Error()})
	}

	if config.Snapshot.Enabled {
		var backend SnapshotBackend
		if config.Snapshot.S3.Bucket != "" {
			backend, err = NewS3SnapshotBackend(ctx, config.Snapshot.S3)
		} else {
			backend, err = NewDirSnapshotBackend(config.Snapshot.Dir)
		}
		if err != nil {
			return fail(err)
		}
		e.snapshots, err = NewSnapshotManager(store, backend, config.Snapshot, device.DeviceID)
		if err != nil {
			return fail(err)
		}
	}

	return e, nil
}

// localDevice is this device's identity with the currently bound sync
// port filled in.
func (e *Engine) localDevice() DeviceInfo {
	device := e.device
	device.Port = e.sessions.Port()
	return device
}

// Device returns this device's identity.
func (e *Engine) Device() DeviceInfo { return e.device }

// Store returns the record store the engine syncs.
func (e *Engine) Store() Store { return e.store }

// Start brings the transport and discovery up. Peers on the LAN see
// this device within one broadcast interval.
func (e *Engine) Start() error {
	if e.running.Swap(true) {
		return nil
	}
	if err := e.sessions.Start(); err != nil {
		e.running.Store(false)
		return &SyncError{Type: SyncErrorFatal, Message: "transport listener failed", Cause: err}
	}
	e.discovery.UpdateSyncPort(e.sessions.Port())
	if err := e.discovery.Start(); err != nil {
		e.sessions.Stop()
		e.running.Store(false)
		return &SyncError{Type: SyncErrorFatal, Message: "discovery socket failed", Cause: err}
	}
	e.startedAt = time.Now()

	e.wg.Add(1)
	go e.maintenanceLoop()

	slog.Info("sync engine started",
		"device", e.device.DeviceID,
		"name", e.device.DeviceName,
		"sync_port", e.sessions.Port(),
		"auto_sync", e.config.AutoSync)
	return nil
}

// Stop shuts everything down in dependency order and closes stores the
// engine opened itself.
func (e *Engine) Stop() error {
	if !e.running.Swap(false) {
		return nil
	}
	e.cancel()
	e.wg.Wait()
	e.discovery.Stop()
	e.sessions.Stop()
	if e.snapshots != nil {
		e.snapshots.Close()
	}
	if e.ownStore {
		e.store.Close()
	}
	e.events.Close()
	slog.Info("sync engine stopped", "device", e.device.DeviceID)
	return nil
}

func (e *Engine) maintenanceLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	lastSnapshot := time.Now()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if released := e.locks.Sweep(); released > 0 {
				slog.Warn("released stale sync locks", "count", released)
			}
			if e.snapshots != nil && time.Since(lastSnapshot) >= e.config.Snapshot.Interval {
				if _, err := e.snapshots.Create(e.ctx); err != nil {
					slog.Warn("scheduled snapshot failed", "err", err)
				}
				lastSnapshot = time.Now()
			}
		}
	}
}

// handleEnvelope dispatches every inbound sync message.
func (e *Engine) handleEnvelope(s *Session, env *Envelope) {
	e.discovery.Touch(env.SenderID)

	switch env.Type {
	case MessageHandshake:
		// mid-session identity refresh
		var device DeviceInfo
		if err := env.DecodeData(&device); err == nil && device.DeviceID != "" {
			e.discovery.AddPeer(device)
		}
	case MessagePing:
		pong, err := NewEnvelope(MessagePong, e.device.DeviceID, nil)
		if err != nil {
			return
		}
		if err := s.Send(pong); err != nil {
			slog.Warn("pong send failed", "peer", env.SenderID, "err", err)
		}
	case MessagePong:
		// late reply after a timed-out ping; nothing waits for it
	case MessageDataRequest:
		e.handleDataRequest(s, env)
	case MessageDataResponse, MessageDataUpdate:
		e.handleDataPayload(s, env)
	case MessageTimerStart, MessageTimerStop:
		e.handleTimerOperation(s, env)
	case MessageTimerUpdate:
		e.handleTimerProgress(env)
	case MessageTimerForceStop:
		e.handleTimerForceStop(env)
	case MessageError:
		var payload ErrorPayload
		if err := env.DecodeData(&payload); err != nil {
			payload.Message = "unreadable error payload"
		}
		slog.Warn("peer reported error", "peer", env.SenderID, "message", payload.Message)
		e.events.Publish(Event{Type: EventSyncFailed, PeerID: env.SenderID, Error: payload.Message})
	}
}

func (e *Engine) sendError(s *Session, message string) {
	env, err := NewEnvelope(MessageError, e.device.DeviceID, ErrorPayload{Message: message})
	if err != nil {
		return
	}
	if err := s.Send(env); err != nil {
		slog.Warn("error report send failed", "peer", s.Remote().DeviceID, "err", err)
	}
}

func validDataType(dataType string) bool {
	return dataType == DataTypeTimerOps || slices.Contains(SyncDataTypes, dataType)
}

// collectData serializes one data set for the wire and reports how many
// entries it holds.
func (e *Engine) collectData(ctx context.Context, dataType string) (json.RawMessage, int, error) {
	if dataType == DataTypeTimerOps {
		ops, err := e.store.AllTimerOps(ctx)
		if err != nil {
			return nil, 0, err
		}
		data, err := json.Marshal(ops)
		return data, len(ops), err
	}
	records, err := e.store.ListRecords(ctx, dataType)
	if err != nil {
		return nil, 0, err
	}
	data, err := json.Marshal(records)
	return data, len(records), err
}

func (e *Engine) handleDataRequest(s *Session, env *Envelope) {
	var req DataRequestPayload
	if err := env.DecodeData(&req); err != nil {
		e.sendError(s, fmt.Sprintf("bad data request: %v", err))
		return
	}
	if !validDataType(req.DataType) {
		e.sendError(s, fmt.Sprintf("unknown data type %q", req.DataType))
		return
	}
	data, _, err := e.collectData(e.ctx, req.DataType)
	if err != nil {
		slog.Warn("data request failed", "peer", env.SenderID, "data_type", req.DataType, "err", err)
		e.sendError(s, fmt.Sprintf("%s unavailable", req.DataType))
		return
	}
	resp, err := NewEnvelope(MessageDataResponse, e.device.DeviceID, DataPayload{DataType: req.DataType, Data: data})
	if err != nil {
		return
	}
	if err := s.Send(resp); err != nil {
		slog.Warn("data response send failed", "peer", env.SenderID, "err", err)
	}
}

func (e *Engine) handleDataPayload(s *Session, env *Envelope) {
	var payload DataPayload
	if err := env.DecodeData(&payload); err != nil {
		e.sendError(s, fmt.Sprintf("bad data payload: %v", err))
		return
	}
	if payload.DataType == DataTypeTimerOps {
		var ops []TimerOperationRecord
		if err := json.Unmarshal(payload.Data, &ops); err != nil {
			e.sendError(s, fmt.Sprintf("bad timer operations payload: %v", err))
			return
		}
		e.absorbTimerBatch(env.SenderID, ops, nil)
		return
	}
	remote, err := DecodeSyncableSet(payload.DataType, payload.Data)
	if err != nil {
		e.sendError(s, fmt.Sprintf("bad %s payload: %v", payload.DataType, err))
		return
	}
	if _, err := e.mergeRemote(e.ctx, env.SenderID, payload.DataType, remote); err != nil {
		slog.Warn("merge failed", "peer", env.SenderID, "data_type", payload.DataType, "err", err)
	}
}

// mergeRemote folds a peer's record set into the local store and
// returns how many true conflicts were settled.
func (e *Engine) mergeRemote(ctx context.Context, peerID, dataType string, remote []Syncable) (int, error) {
	locals, err := e.store.ListRecords(ctx, dataType)
	if err != nil {
		return 0, err
	}
	localByID := make(map[string]Syncable, len(locals))
	for _, rec := range locals {
		localByID[rec.SyncID()] = rec
	}

	merged, resolutions := e.resolver.ResolveSet(localByID, remote)
	if err := e.store.ApplyResolved(ctx, dataType, merged); err != nil {
		return 0, err
	}

	e.recordConflicts(resolutions)
	e.events.Publish(Event{Type: EventDataUpdated, PeerID: peerID, DataType: dataType})
	return len(resolutions), nil
}

func (e *Engine) recordConflicts(resolutions []*ConflictResolution) {
	if len(resolutions) == 0 {
		return
	}
	e.statsMu.Lock()
	e.conflictsResolved += int64(len(resolutions))
	e.statsMu.Unlock()

	e.historyMu.Lock()
	e.history = append(e.history, resolutions...)
	if over := len(e.history) - conflictHistoryLimit; over > 0 {
		e.history = append(e.history[:0:0], e.history[over:]...)
	}
	e.historyMu.Unlock()

	for _, res := range resolutions {
		slog.Info("conflict resolved",
			"type", res.ConflictType,
			"record", res.ResolvedData.SyncID(),
			"resolution", res.Resolution)
	}
}

// absorbTimerOp folds one remote reflog entry into the log and store.
// Returns false for duplicates.
func (e *Engine) absorbTimerOp(op TimerOperationRecord) bool {
	op.IsSynced = true
	if !e.timers.Append(op) {
		return false
	}
	if err := e.store.AppendTimerOp(e.ctx, op); err != nil {
		slog.Warn("persist timer operation failed", "operation", op.OperationID, "err", err)
	}
	return true
}

// handleTimerOperation processes one live timer operation from a peer.
// Conflict detection runs against the state as it was before the
// operation lands in the log.
func (e *Engine) handleTimerOperation(s *Session, env *Envelope) {
	var op TimerOperationRecord
	if err := env.DecodeData(&op); err != nil {
		e.sendError(s, fmt.Sprintf("bad timer operation: %v", err))
		return
	}
	if op.OperationID == "" || op.ActivityID == "" {
		e.sendError(s, "timer operation missing ids")
		return
	}
	conflict := e.timers.DetectConflict(op)
	if !e.absorbTimerOp(op) || conflict == nil {
		return
	}

	e.statsMu.Lock()
	e.timerConflicts++
	e.statsMu.Unlock()
	e.events.Publish(Event{Type: EventTimerConflict, PeerID: env.SenderID, Conflict: conflict})

	if conflict.Type == TimerConflictMultipleRunning && !conflict.RemoteWins {
		// our timer stands; tell the peer so its display stops now
		// instead of waiting for our operations to reach it
		payload := TimerForceStopPayload{
			ActivityID:   conflict.ActivityID,
			ActivityName: op.ActivityName,
			Reason:       "superseded by " + e.device.DeviceID,
		}
		force, err := NewEnvelope(MessageTimerForceStop, e.device.DeviceID, payload)
		if err == nil {
			if err := s.Send(force); err != nil {
				slog.Warn("force stop send failed", "peer", env.SenderID, "err", err)
			}
		}
	}

	slog.Info("timer conflict handled",
		"type", conflict.Type,
		"action", conflict.Action,
		"activity", conflict.ActivityID,
		"remote_wins", conflict.RemoteWins)
}

// absorbTimerBatch folds a peer's reflog into the local one. Historical
// entries backfill silently; conflicts are reported per activity by
// comparing the run state before and after the batch, so replaying an
// old start/stop pair does not masquerade as a live conflict.
func (e *Engine) absorbTimerBatch(peerID string, ops []TimerOperationRecord, progress *SyncProgress) int {
	type preState struct {
		snap TimerStateSnapshot
		ok   bool
	}
	before := make(map[string]preState)
	fresh := 0
	for _, op := range ops {
		if op.DeviceID == e.device.DeviceID || op.OperationID == "" || op.ActivityID == "" {
			continue
		}
		if _, seen := before[op.ActivityID]; !seen {
			snap, ok := e.timers.Snapshot(op.ActivityID)
			before[op.ActivityID] = preState{snap: snap, ok: ok}
		}
		if e.absorbTimerOp(op) {
			fresh++
			if progress != nil {
				progress.Received++
			}
		}
	}
	if fresh == 0 {
		return 0
	}

	for activityID, pre := range before {
		post, ok := e.timers.Snapshot(activityID)
		if !ok {
			continue
		}
		ranLocally := pre.ok && pre.snap.Running() && pre.snap.LastOperationDevice == e.device.DeviceID
		remoteRunning := post.Running() && post.LastOperationDevice != e.device.DeviceID

		var conflict *TimerConflict
		switch {
		case ranLocally && !post.Running():
			conflict = &TimerConflict{
				Type:       TimerConflictRemoteStopped,
				Action:     TimerActionStopLocal,
				ActivityID: activityID,
				LocalState: &pre.snap,
				RemoteWins: true,
			}
		case ranLocally && remoteRunning:
			conflict = &TimerConflict{
				Type:       TimerConflictMultipleRunning,
				Action:     TimerActionKeepLatest,
				ActivityID: activityID,
				LocalState: &pre.snap,
				RemoteWins: true,
			}
		case !pre.ok || !pre.snap.Running():
			if remoteRunning {
				conflict = &TimerConflict{
					Type:       TimerConflictRemoteRunning,
					Action:     TimerActionAcceptRemote,
					ActivityID: activityID,
					RemoteWins: true,
				}
			}
		}
		if conflict == nil {
			continue
		}
		conflict.DetectedAt = time.Now().UTC()
		e.statsMu.Lock()
		e.timerConflicts++
		e.statsMu.Unlock()
		e.events.Publish(Event{Type: EventTimerConflict, PeerID: peerID, Conflict: conflict})
		if progress != nil {
			progress.Conflicts++
		}
	}
	return fresh
}

func (e *Engine) handleTimerProgress(env *Envelope) {
	var payload TimerUpdatePayload
	if err := env.DecodeData(&payload); err != nil {
		return
	}
	e.events.Publish(Event{Type: EventTimerProgress, PeerID: env.SenderID, Timer: &payload})
}

// handleTimerForceStop reacts to a peer declaring its timer the winner
// for an activity we have running. The shared log converges on its own
// once the winning operations arrive; the event tells the app layer to
// stop its running display now.
func (e *Engine) handleTimerForceStop(env *Envelope) {
	var payload TimerForceStopPayload
	if err := env.DecodeData(&payload); err != nil {
		return
	}
	snap, ok := e.timers.Snapshot(payload.ActivityID)
	if !ok || !snap.Running() {
		return
	}
	e.statsMu.Lock()
	e.timerConflicts++
	e.statsMu.Unlock()
	e.events.Publish(Event{
		Type:   EventTimerConflict,
		PeerID: env.SenderID,
		Conflict: &TimerConflict{
			Type:       TimerConflictMultipleRunning,
			Action:     TimerActionStopLocal,
			ActivityID: payload.ActivityID,
			LocalState: &snap,
			RemoteWins: true,
			DetectedAt: time.Now().UTC(),
		},
	})
	slog.Info("timer force stop received",
		"activity", payload.ActivityID,
		"peer", env.SenderID,
		"reason", payload.Reason)
}

// StartTimer records a local timer start and announces it to peers.
func (e *Engine) StartTimer(activityID, activityName string) (TimerOperationRecord, error) {
	if snap, ok := e.timers.Snapshot(activityID); ok && snap.Running() {
		return TimerOperationRecord{}, fmt.Errorf("activity %s is already running", activityID)
	}
	op := e.timers.NewOperation(e.device, activityID, activityName, TimerOpStart)
	return e.commitTimerOp(op)
}

// StopTimer records a local timer stop and announces it to peers.
func (e *Engine) StopTimer(activityID string) (TimerOperationRecord, error) {
	snap, ok := e.timers.Snapshot(activityID)
	if !ok || !snap.Running() {
		return TimerOperationRecord{}, fmt.Errorf("activity %s is not running", activityID)
	}
	op := e.timers.NewOperation(e.device, activityID, e.activityName(activityID), TimerOpStop)
	return e.commitTimerOp(op)
}

// PauseTimer records a local pause. The activity stays attributable, so
// a later resume continues the same tracking session.
func (e *Engine) PauseTimer(activityID string) (TimerOperationRecord, error) {
	snap, ok := e.timers.Snapshot(activityID)
	if !ok || !snap.Running() {
		return TimerOperationRecord{}, fmt.Errorf("activity %s is not running", activityID)
	}
	op := e.timers.NewOperation(e.device, activityID, e.activityName(activityID), TimerOpPause)
	return e.commitTimerOp(op)
}

// ResumeTimer records a local resume of a paused activity.
func (e *Engine) ResumeTimer(activityID string) (TimerOperationRecord, error) {
	snap, ok := e.timers.Snapshot(activityID)
	if !ok || snap.LastOperation != TimerOpPause {
		return TimerOperationRecord{}, fmt.Errorf("activity %s is not paused", activityID)
	}
	op := e.timers.NewOperation(e.device, activityID, e.activityName(activityID), TimerOpResume)
	return e.commitTimerOp(op)
}

// activityName recovers the display name from the most recent operation
// that carried one.
func (e *Engine) activityName(activityID string) string {
	history := e.timers.Operations(activityID)
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].ActivityName != "" {
			return history[i].ActivityName
		}
	}
	return ""
}

func (e *Engine) commitTimerOp(op TimerOperationRecord) (TimerOperationRecord, error) {
	if e.ctx.Err() != nil {
		return op, ErrEngineClosed
	}
	e.timers.Append(op)
	if err := e.store.AppendTimerOp(e.ctx, op); err != nil {
		return op, fmt.Errorf("persist timer operation: %w", err)
	}
	e.broadcastTimerOp(op)
	return op, nil
}

// broadcastTimerOp sends a local operation to every connected peer. The
// envelope type mirrors the operation's run-state effect.
func (e *Engine) broadcastTimerOp(op TimerOperationRecord) {
	msgType := MessageTimerStop
	if op.OperationType == TimerOpStart || op.OperationType == TimerOpResume {
		msgType = MessageTimerStart
	}
	env, err := NewEnvelope(msgType, e.device.DeviceID, op)
	if err != nil {
		slog.Warn("timer broadcast encode failed", "err", err)
		return
	}
	e.sessions.Broadcast(env)
}

// PublishTimerProgress sends a live elapsed-time heartbeat for a
// running activity. Heartbeats are advisory and never touch the reflog.
func (e *Engine) PublishTimerProgress(activityID, activityName string, elapsed time.Duration) {
	payload := TimerUpdatePayload{
		ActivityID:      activityID,
		ActivityName:    activityName,
		DeviceID:        e.device.DeviceID,
		CurrentDuration: elapsed.Milliseconds(),
		Timestamp:       time.Now().UTC(),
	}
	env, err := NewEnvelope(MessageTimerUpdate, e.device.DeviceID, payload)
	if err != nil {
		return
	}
	e.sessions.Broadcast(env)
}

// TimerState returns the derived run state for one activity.
func (e *Engine) TimerState(activityID string) (TimerStateSnapshot, bool) {
	return e.timers.Snapshot(activityID)
}

// RunningTimers returns every activity currently in a running state.
func (e *Engine) RunningTimers() []TimerStateSnapshot {
	return e.timers.RunningActivities()
}

// SyncWith runs a full bidirectional sync session with one peer. At
// most one session per peer runs at a time; a busy lock skips the sync
// without error.
func (e *Engine) SyncWith(ctx context.Context, deviceID string) error {
	session, ok := e.sessions.Session(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, deviceID)
	}
	ran, err := e.locks.WithLock(deviceID, e.device.DeviceID, func() error {
		return e.runSyncSession(ctx, session)
	})
	if !ran {
		slog.Info("sync already in progress, skipping", "peer", deviceID)
		return nil
	}
	if err != nil {
		e.statsMu.Lock()
		e.syncsFailed++
		e.statsMu.Unlock()
		syncErr := &SyncError{Type: SyncErrorTransient, Message: "sync failed", PeerID: deviceID, Cause: err}
		e.events.Publish(Event{Type: EventSyncFailed, PeerID: deviceID, Error: syncErr.Error()})
		return syncErr
	}
	e.statsMu.Lock()
	e.syncsCompleted++
	e.statsMu.Unlock()
	return nil
}

func (e *Engine) runSyncSession(ctx context.Context, session *Session) error {
	peerID := session.Remote().DeviceID
	start := time.Now()
	e.events.Publish(Event{Type: EventSyncStarted, PeerID: peerID})
	var progress SyncProgress

	publishProgress := func(phase, dataType string) {
		progress.Phase = phase
		snapshot := progress
		e.events.Publish(Event{Type: EventSyncProgress, PeerID: peerID, DataType: dataType, Progress: &snapshot})
	}

	for _, dataType := range SyncDataTypes {
		payload, err := session.RequestData(ctx, dataType)
		if err != nil {
			return fmt.Errorf("pull %s: %w", dataType, err)
		}
		remote, err := DecodeSyncableSet(dataType, payload.Data)
		if err != nil {
			return fmt.Errorf("pull %s: %w", dataType, err)
		}
		conflicts, err := e.mergeRemote(ctx, peerID, dataType, remote)
		if err != nil {
			return fmt.Errorf("merge %s: %w", dataType, err)
		}
		progress.Received += len(remote)
		progress.Conflicts += conflicts
		publishProgress("pull", dataType)
	}

	payload, err := session.RequestData(ctx, DataTypeTimerOps)
	if err != nil {
		return fmt.Errorf("pull timer operations: %w", err)
	}
	var ops []TimerOperationRecord
	if err := json.Unmarshal(payload.Data, &ops); err != nil {
		return fmt.Errorf("pull timer operations: %w", err)
	}
	e.absorbTimerBatch(peerID, ops, &progress)
	publishProgress("pull", DataTypeTimerOps)

	push := append(slices.Clone(SyncDataTypes), DataTypeTimerOps)
	for _, dataType := range push {
		data, count, err := e.collectData(ctx, dataType)
		if err != nil {
			return fmt.Errorf("push %s: %w", dataType, err)
		}
		env, err := NewEnvelope(MessageDataUpdate, e.device.DeviceID, DataPayload{DataType: dataType, Data: data})
		if err != nil {
			return err
		}
		if err := session.Send(env); err != nil {
			return fmt.Errorf("push %s: %w", dataType, err)
		}
		progress.Sent += count
		publishProgress("push", dataType)
	}

	snapshot := progress
	e.events.Publish(Event{Type: EventSyncCompleted, PeerID: peerID, Progress: &snapshot})
	slog.Info("sync completed",
		"peer", peerID,
		"duration", time.Since(start),
		"sent", progress.Sent,
		"received", progress.Received,
		"conflicts", progress.Conflicts)
	return nil
}

// SyncAll syncs with every connected peer, collecting per-peer
// failures.
func (e *Engine) SyncAll(ctx context.Context) error {
	var errs []error
	for _, session := range e.sessions.Sessions() {
		if err := e.SyncWith(ctx, session.Remote().DeviceID); err != nil {
			errs = append(errs, fmt.Errorf("sync %s: %w", session.Remote().DeviceID, err))
		}
	}
	return errors.Join(errs...)
}

// PushRecords stores locally edited records and announces them to every
// connected peer. Callers bump each record's metadata before pushing.
func (e *Engine) PushRecords(ctx context.Context, dataType string, records []Syncable) error {
	if !slices.Contains(SyncDataTypes, dataType) {
		return fmt.Errorf("unknown data type %q", dataType)
	}
	if len(records) == 0 {
		return nil
	}
	if err := e.store.ApplyResolved(ctx, dataType, records); err != nil {
		return err
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal %s records: %w", dataType, err)
	}
	env, err := NewEnvelope(MessageDataUpdate, e.device.DeviceID, DataPayload{DataType: dataType, Data: data})
	if err != nil {
		return err
	}
	e.sessions.Broadcast(env)
	e.events.Publish(Event{Type: EventDataUpdated, DataType: dataType})
	return nil
}

// ConnectPeer dials a peer by address and returns its identity.
func (e *Engine) ConnectPeer(ctx context.Context, addr string) (DeviceInfo, error) {
	session, err := e.sessions.Connect(ctx, addr)
	if err != nil {
		return DeviceInfo{}, err
	}
	return session.Remote(), nil
}

// RemovePeer closes any session with the peer and forgets it.
func (e *Engine) RemovePeer(deviceID string) {
	if session, ok := e.sessions.Session(deviceID); ok {
		session.Close()
	}
	e.discovery.RemovePeer(deviceID)
}

// CheckPeer verifies a peer end to end through the sync protocol.
func (e *Engine) CheckPeer(ctx context.Context, deviceID string) error {
	session, ok := e.sessions.Session(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, deviceID)
	}
	return session.Ping(ctx)
}

// Devices returns the known peers.
func (e *Engine) Devices() []DeviceInfo {
	return e.discovery.Peers()
}

// Events returns a new subscription to engine notifications. Close it
// when done.
func (e *Engine) Events() *EventSubscription {
	return e.events.Subscribe()
}

// ConflictHistory returns the most recent record conflict resolutions,
// newest last.
func (e *Engine) ConflictHistory() []*ConflictResolution {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	out := make([]*ConflictResolution, len(e.history))
	copy(out, e.history)
	return out
}

// CreateSnapshot captures a full-state snapshot now.
func (e *Engine) CreateSnapshot(ctx context.Context) (*SnapshotManifest, error) {
	if e.snapshots == nil {
		return nil, fmt.Errorf("snapshots not configured")
	}
	return e.snapshots.Create(ctx)
}

// ListSnapshots returns stored snapshots, newest first.
func (e *Engine) ListSnapshots(ctx context.Context) ([]SnapshotManifest, error) {
	if e.snapshots == nil {
		return nil, fmt.Errorf("snapshots not configured")
	}
	return e.snapshots.List(ctx)
}

// RestoreSnapshot loads a snapshot back into the store.
func (e *Engine) RestoreSnapshot(ctx context.Context, id string) error {
	if e.snapshots == nil {
		return fmt.Errorf("snapshots not configured")
	}
	return e.snapshots.Restore(ctx, id)
}

// Stats returns a snapshot of engine counters and component stats.
func (e *Engine) Stats() EngineStats {
	e.statsMu.Lock()
	stats := EngineStats{
		Device:            e.device,
		StartedAt:         e.startedAt,
		SyncsCompleted:    e.syncsCompleted,
		SyncsFailed:       e.syncsFailed,
		ConflictsResolved: e.conflictsResolved,
		TimerConflicts:    e.timerConflicts,
	}
	e.statsMu.Unlock()
	stats.Discovery = e.discovery.Stats()
	stats.Transport = e.sessions.Stats()
	stats.Timers = e.timers.Stats()
	return stats
}

// onPeersChanged reacts to discovery updates: it republishes the peer
// list and, with auto sync on, connects and syncs with new peers.
func (e *Engine) onPeersChanged(peers []DeviceInfo) {
	e.events.Publish(Event{Type: EventPeersChanged, Peers: peers})
	if !e.config.AutoSync || !e.running.Load() {
		return
	}
	for _, peer := range peers {
		if peer.IPAddress == "" || peer.Port <= 0 {
			continue
		}
		if _, connected := e.sessions.Session(peer.DeviceID); connected {
			continue
		}
		if !e.markDialing(peer.DeviceID) {
			continue
		}
		e.wg.Add(1)
		go e.connectAndSync(peer)
	}
}

func (e *Engine) markDialing(deviceID string) bool {
	e.dialMu.Lock()
	defer e.dialMu.Unlock()
	if e.dialing[deviceID] {
		return false
	}
	e.dialing[deviceID] = true
	return true
}

func (e *Engine) clearDialing(deviceID string) {
	e.dialMu.Lock()
	delete(e.dialing, deviceID)
	e.dialMu.Unlock()
}

func (e *Engine) connectAndSync(peer DeviceInfo) {
	defer e.wg.Done()
	defer e.clearDialing(peer.DeviceID)

	ctx, cancel := context.WithTimeout(e.ctx, time.Minute)
	defer cancel()
	if _, err := e.sessions.Connect(ctx, peer.Addr()); err != nil {
		slog.Warn("auto connect failed", "peer", peer.DeviceID, "addr", peer.Addr(), "err", err)
		return
	}
	if err := e.SyncWith(ctx, peer.DeviceID); err != nil {
		slog.Warn("auto sync failed", "peer", peer.DeviceID, "err", err)
	}
}
