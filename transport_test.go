package taskmesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

// waitFor polls cond until it holds or the deadline passes. Transport
// and engine callbacks land on background goroutines, so tests observe
// their effects by polling.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testTransportConfig() TransportConfig {
	cfg := DefaultTransportConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.RequestTimeout = 2 * time.Second
	cfg.DialRetries = 1
	return cfg
}

func startTransport(t *testing.T, deviceID string, cfg TransportConfig, passphrase string) *SessionManager {
	t.Helper()
	var enc *PayloadEncryptor
	if passphrase != "" {
		var err error
		enc, err = NewPayloadEncryptor(passphrase)
		if err != nil {
			t.Fatalf("new encryptor: %v", err)
		}
	}
	m := NewSessionManager(cfg, func() DeviceInfo {
		return DeviceInfo{DeviceID: deviceID, DeviceName: deviceID, IPAddress: "127.0.0.1"}
	}, enc)
	if err := m.Start(); err != nil {
		t.Fatalf("start transport: %v", err)
	}
	t.Cleanup(func() { m.Stop() })
	return m
}

func connectPeers(t *testing.T, from, to *SessionManager) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := from.Connect(ctx, fmt.Sprintf("127.0.0.1:%d", to.Port()))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return sess
}

func TestTransportConnectHandshake(t *testing.T) {
	a := startTransport(t, "device-a", testTransportConfig(), "")
	b := startTransport(t, "device-b", testTransportConfig(), "")

	sess := connectPeers(t, a, b)
	if sess.Remote().DeviceID != "device-b" {
		t.Errorf("expected remote device-b, got %s", sess.Remote().DeviceID)
	}

	waitFor(t, 2*time.Second, "inbound session on device-b", func() bool {
		_, ok := b.Session("device-a")
		return ok
	})
	inbound, _ := b.Session("device-a")
	if inbound.Remote().DeviceID != "device-a" {
		t.Errorf("expected inbound remote device-a, got %s", inbound.Remote().DeviceID)
	}
	if inbound.Remote().IPAddress == "" {
		t.Error("expected peer address learned from the connection")
	}

	if got := a.Stats().SessionCount; got != 1 {
		t.Errorf("expected 1 session on device-a, got %d", got)
	}
}

func TestTransportPing(t *testing.T) {
	a := startTransport(t, "device-a", testTransportConfig(), "")

	bCfg := testTransportConfig()
	b := NewSessionManager(bCfg, func() DeviceInfo {
		return DeviceInfo{DeviceID: "device-b", IPAddress: "127.0.0.1"}
	}, nil)
	b.Handler = func(s *Session, env *Envelope) {
		if env.Type == MessagePing {
			resp, err := NewEnvelope(MessagePong, "device-b", nil)
			if err == nil {
				s.Send(resp)
			}
		}
	}
	if err := b.Start(); err != nil {
		t.Fatalf("start transport: %v", err)
	}
	t.Cleanup(func() { b.Stop() })

	sess := connectPeers(t, a, b)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sess.Ping(ctx); err != nil {
		t.Errorf("ping: %v", err)
	}
}

func TestTransportRequestData(t *testing.T) {
	a := startTransport(t, "device-a", testTransportConfig(), "")

	records, err := json.Marshal([]SyncableTodoItem{
		{ID: "todo-1", Title: "from device-b", Metadata: NewSyncMetadata("device-b")},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	bCfg := testTransportConfig()
	b := NewSessionManager(bCfg, func() DeviceInfo {
		return DeviceInfo{DeviceID: "device-b", IPAddress: "127.0.0.1"}
	}, nil)
	b.Handler = func(s *Session, env *Envelope) {
		if env.Type != MessageDataRequest {
			return
		}
		var req DataRequestPayload
		if err := env.DecodeData(&req); err != nil {
			return
		}
		resp, err := NewEnvelope(MessageDataResponse, "device-b", DataPayload{
			DataType: req.DataType,
			Data:     records,
		})
		if err == nil {
			s.Send(resp)
		}
	}
	if err := b.Start(); err != nil {
		t.Fatalf("start transport: %v", err)
	}
	t.Cleanup(func() { b.Stop() })

	sess := connectPeers(t, a, b)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	payload, err := sess.RequestData(ctx, DataTypeTodoItems)
	if err != nil {
		t.Fatalf("request data: %v", err)
	}
	if payload.DataType != DataTypeTodoItems {
		t.Errorf("expected todoItems, got %s", payload.DataType)
	}
	items, err := DecodeSyncableSet(DataTypeTodoItems, payload.Data)
	if err != nil {
		t.Fatalf("decode set: %v", err)
	}
	if len(items) != 1 || items[0].SyncID() != "todo-1" {
		t.Errorf("expected todo-1 back, got %+v", items)
	}
}

func TestTransportRequestTimeout(t *testing.T) {
	aCfg := testTransportConfig()
	aCfg.RequestTimeout = 200 * time.Millisecond
	a := startTransport(t, "device-a", aCfg, "")
	// device-b has no handler, so requests go unanswered.
	b := startTransport(t, "device-b", testTransportConfig(), "")

	sess := connectPeers(t, a, b)
	_, err := sess.RequestData(context.Background(), DataTypeTodoItems)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Errorf("expected ErrRequestTimeout, got %v", err)
	}
}

func TestTransportBroadcast(t *testing.T) {
	a := startTransport(t, "device-a", testTransportConfig(), "")

	got := make(chan *Envelope, 1)
	bCfg := testTransportConfig()
	b := NewSessionManager(bCfg, func() DeviceInfo {
		return DeviceInfo{DeviceID: "device-b", IPAddress: "127.0.0.1"}
	}, nil)
	b.Handler = func(s *Session, env *Envelope) {
		if env.Type == MessageDataUpdate {
			select {
			case got <- env:
			default:
			}
		}
	}
	if err := b.Start(); err != nil {
		t.Fatalf("start transport: %v", err)
	}
	t.Cleanup(func() { b.Stop() })

	connectPeers(t, a, b)

	env, err := NewEnvelope(MessageDataUpdate, "device-a", DataPayload{
		DataType: DataTypeTodoLists,
		Data:     json.RawMessage(`[]`),
	})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if sent := a.Broadcast(env); sent != 1 {
		t.Errorf("expected broadcast to reach 1 peer, got %d", sent)
	}

	select {
	case received := <-got:
		if received.SenderID != "device-a" {
			t.Errorf("expected sender device-a, got %s", received.SenderID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected broadcast delivered")
	}
}

func TestTransportEncryptedPair(t *testing.T) {
	a := startTransport(t, "device-a", testTransportConfig(), "household-secret")

	bCfg := testTransportConfig()
	b := NewSessionManager(bCfg, func() DeviceInfo {
		return DeviceInfo{DeviceID: "device-b", IPAddress: "127.0.0.1"}
	}, mustEncryptor(t, "household-secret"))
	b.Handler = func(s *Session, env *Envelope) {
		if env.Type == MessagePing {
			resp, err := NewEnvelope(MessagePong, "device-b", nil)
			if err == nil {
				s.Send(resp)
			}
		}
	}
	if err := b.Start(); err != nil {
		t.Fatalf("start transport: %v", err)
	}
	t.Cleanup(func() { b.Stop() })

	sess := connectPeers(t, a, b)
	if sess.Remote().DeviceID != "device-b" {
		t.Errorf("expected encrypted handshake to identify device-b, got %s", sess.Remote().DeviceID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sess.Ping(ctx); err != nil {
		t.Errorf("encrypted ping: %v", err)
	}
}

func mustEncryptor(t *testing.T, passphrase string) *PayloadEncryptor {
	t.Helper()
	enc, err := NewPayloadEncryptor(passphrase)
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	return enc
}

func TestTransportPassphraseMismatch(t *testing.T) {
	a := startTransport(t, "device-a", testTransportConfig(), "alpha-secret")
	b := startTransport(t, "device-b", testTransportConfig(), "beta-secret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := a.Connect(ctx, fmt.Sprintf("127.0.0.1:%d", b.Port())); err == nil {
		t.Fatal("expected handshake to fail across passphrases")
	}
	if got := len(a.Sessions()); got != 0 {
		t.Errorf("expected no session after failed handshake, got %d", got)
	}
}

func TestTransportConnectRequiresStart(t *testing.T) {
	m := NewSessionManager(testTransportConfig(), func() DeviceInfo {
		return DeviceInfo{DeviceID: "device-a"}
	}, nil)
	if _, err := m.Connect(context.Background(), "127.0.0.1:1"); err == nil {
		t.Fatal("expected an error before Start")
	}
}

func TestTransportSessionClose(t *testing.T) {
	a := startTransport(t, "device-a", testTransportConfig(), "")
	b := startTransport(t, "device-b", testTransportConfig(), "")

	sess := connectPeers(t, a, b)
	if err := sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}

	env, err := NewEnvelope(MessagePing, "device-a", nil)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if err := sess.Send(env); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}

	waitFor(t, 2*time.Second, "session torn down on both sides", func() bool {
		_, aHas := a.Session("device-b")
		_, bHas := b.Session("device-a")
		return !aHas && !bHas
	})
}

func TestTransportStatsCounts(t *testing.T) {
	a := startTransport(t, "device-a", testTransportConfig(), "")

	bCfg := testTransportConfig()
	b := NewSessionManager(bCfg, func() DeviceInfo {
		return DeviceInfo{DeviceID: "device-b", IPAddress: "127.0.0.1"}
	}, nil)
	b.Handler = func(s *Session, env *Envelope) {
		if env.Type == MessagePing {
			resp, err := NewEnvelope(MessagePong, "device-b", nil)
			if err == nil {
				s.Send(resp)
			}
		}
	}
	if err := b.Start(); err != nil {
		t.Fatalf("start transport: %v", err)
	}
	t.Cleanup(func() { b.Stop() })

	sess := connectPeers(t, a, b)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sess.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	stats := a.Stats()
	if stats.SessionCount != 1 {
		t.Errorf("expected 1 session, got %d", stats.SessionCount)
	}
	if stats.MessagesSent < 1 || stats.BytesSent <= 0 {
		t.Errorf("expected outbound traffic counted, got %+v", stats)
	}
	if stats.MessagesReceived < 1 || stats.BytesReceived <= 0 {
		t.Errorf("expected inbound traffic counted, got %+v", stats)
	}
}

func TestTransportSessionLifecycleCallbacks(t *testing.T) {
	opened := make(chan string, 2)
	closed := make(chan string, 2)

	aCfg := testTransportConfig()
	a := NewSessionManager(aCfg, func() DeviceInfo {
		return DeviceInfo{DeviceID: "device-a", IPAddress: "127.0.0.1"}
	}, nil)
	a.OnSessionOpened = func(s *Session) { opened <- s.Remote().DeviceID }
	a.OnSessionClosed = func(s *Session) { closed <- s.Remote().DeviceID }
	if err := a.Start(); err != nil {
		t.Fatalf("start transport: %v", err)
	}
	t.Cleanup(func() { a.Stop() })

	b := startTransport(t, "device-b", testTransportConfig(), "")
	sess := connectPeers(t, a, b)

	select {
	case id := <-opened:
		if id != "device-b" {
			t.Errorf("expected opened callback for device-b, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected opened callback")
	}

	sess.Close()
	select {
	case id := <-closed:
		if id != "device-b" {
			t.Errorf("expected closed callback for device-b, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected closed callback")
	}
}
