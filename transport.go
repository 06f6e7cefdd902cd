package taskmesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultHandshakeTimeout bounds how long a new connection may take
	// to identify itself.
	DefaultHandshakeTimeout = 5 * time.Second
	// DefaultWriteTimeout bounds each outbound frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultPongWait is how long a session survives without any frame
	// from the peer.
	DefaultPongWait = 30 * time.Second
	// DefaultRequestTimeout bounds request/response exchanges.
	DefaultRequestTimeout = 10 * time.Second
	// DefaultMaxMessageSize caps inbound frames.
	DefaultMaxMessageSize = 8 << 20

	syncEndpoint = "/sync"
)

// TransportConfig controls the sync session layer.
type TransportConfig struct {
	// ListenAddr is the TCP address the sync server binds. When the
	// port is busy the next few ports are tried; port 0 binds an
	// ephemeral port.
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	// HandshakeTimeout bounds connection identification.
	HandshakeTimeout time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	// PongWait is the read deadline window refreshed by any traffic.
	PongWait time.Duration `json:"pong_wait" yaml:"pong_wait"`
	// PingInterval is how often keepalive pings go out. It must be
	// shorter than PongWait.
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`
	// RequestTimeout bounds request/response exchanges.
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	// MaxMessageSize caps inbound frame size in bytes.
	MaxMessageSize int64 `json:"max_message_size" yaml:"max_message_size"`
	// DialRetries is how many connection attempts an outbound dial
	// gets.
	DialRetries int `json:"dial_retries" yaml:"dial_retries"`
}

// DefaultTransportConfig returns the standard transport settings.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		ListenAddr:       fmt.Sprintf(":%d", DefaultSyncPort),
		HandshakeTimeout: DefaultHandshakeTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		PongWait:         DefaultPongWait,
		RequestTimeout:   DefaultRequestTimeout,
		MaxMessageSize:   DefaultMaxMessageSize,
		DialRetries:      3,
	}
}

// EnvelopeHandler receives every inbound envelope that is not consumed
// as the response to an outstanding request.
type EnvelopeHandler func(*Session, *Envelope)

// TransportStats counts transport activity.
type TransportStats struct {
	SessionCount     int   `json:"session_count"`
	MessagesSent     int64 `json:"messages_sent"`
	MessagesReceived int64 `json:"messages_received"`
	BytesSent        int64 `json:"bytes_sent"`
	BytesReceived    int64 `json:"bytes_received"`
}

// Session is one established sync connection to a peer. Frames pass
// through the full wire codec: compression framing, integrity seal and
// optional encryption.
type Session struct {
	manager *SessionManager
	conn    *websocket.Conn
	remote  DeviceInfo
	inbound bool

	sendCh chan []byte

	pendingMu sync.Mutex
	pending   map[string]chan *Envelope

	closed atomic.Bool
	done   chan struct{}
}

func newSession(m *SessionManager, conn *websocket.Conn, remote DeviceInfo, inbound bool) *Session {
	return &Session{
		manager: m,
		conn:    conn,
		remote:  remote,
		inbound: inbound,
		sendCh:  make(chan []byte, 64),
		pending: make(map[string]chan *Envelope),
		done:    make(chan struct{}),
	}
}

// Remote returns the peer's identity from the handshake.
func (s *Session) Remote() DeviceInfo { return s.remote }

// Send queues an envelope for delivery. It blocks only while the send
// queue is full and the session is alive.
func (s *Session) Send(env *Envelope) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	data, err := s.manager.encode(env)
	if err != nil {
		return err
	}
	select {
	case s.sendCh <- data:
		s.manager.countSent(len(data))
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// enqueue queues pre-encoded frame bytes without waiting.
func (s *Session) enqueue(data []byte) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.sendCh <- data:
		return true
	default:
		return false
	}
}

// pendingKey correlates responses to requests. Envelopes carry no
// reply-to reference, so correlation is by response type, and for data
// responses by data type; one request per key may be in flight at a
// time.
func pendingKey(t MessageType, dataType string) string {
	if dataType == "" {
		return string(t)
	}
	return string(t) + ":" + dataType
}

// Request sends env and waits for the matching response type.
func (s *Session) Request(ctx context.Context, env *Envelope, respType MessageType, dataType string) (*Envelope, error) {
	key := pendingKey(respType, dataType)
	ch := make(chan *Envelope, 1)

	s.pendingMu.Lock()
	if _, busy := s.pending[key]; busy {
		s.pendingMu.Unlock()
		return nil, fmt.Errorf("request for %s already in flight", key)
	}
	s.pending[key] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, key)
		s.pendingMu.Unlock()
	}()

	if err := s.Send(env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.manager.config.RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no %s from %s", ErrRequestTimeout, respType, s.remote.DeviceID)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSessionClosed
	}
}

// Ping checks the peer end to end through the sync protocol, not just
// the socket.
func (s *Session) Ping(ctx context.Context) error {
	env, err := NewEnvelope(MessagePing, s.manager.localDevice().DeviceID, nil)
	if err != nil {
		return err
	}
	_, err = s.Request(ctx, env, MessagePong, "")
	return err
}

// RequestData asks the peer for its full record set of one data type.
func (s *Session) RequestData(ctx context.Context, dataType string) (*DataPayload, error) {
	env, err := NewEnvelope(MessageDataRequest, s.manager.localDevice().DeviceID, DataRequestPayload{DataType: dataType})
	if err != nil {
		return nil, err
	}
	resp, err := s.Request(ctx, env, MessageDataResponse, dataType)
	if err != nil {
		return nil, err
	}
	var payload DataPayload
	if err := resp.DecodeData(&payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)
	err := s.conn.Close()
	s.manager.dropSession(s)
	return err
}

func (s *Session) readPump() {
	defer s.manager.wg.Done()
	defer s.Close()

	cfg := s.manager.config
	s.conn.SetReadLimit(cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("session read failed", "peer", s.remote.DeviceID, "err", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		s.manager.countReceived(len(data))

		env, err := s.manager.decode(data)
		if err != nil {
			switch {
			case errors.Is(err, ErrPayloadCorrupted):
				slog.Warn("session payload corrupted, frame dropped", "peer", s.remote.DeviceID, "err", err)
				if s.manager.OnIntegrityFailure != nil {
					s.manager.OnIntegrityFailure(s.remote.DeviceID, &SyncError{
						Type:    SyncErrorIntegrity,
						Message: "inbound frame failed integrity check",
						PeerID:  s.remote.DeviceID,
						Cause:   err,
					})
				}
				continue
			case errors.Is(err, ErrUnknownMessageType):
				// a peer speaking a newer protocol; closing beats
				// misinterpreting its frames
				slog.Warn("session protocol mismatch, closing", "peer", s.remote.DeviceID, "err", err)
				return
			default:
				slog.Warn("session decode failed, frame dropped", "peer", s.remote.DeviceID, "err", err)
				continue
			}
		}

		if s.resolvePending(env) {
			continue
		}
		if handler := s.manager.Handler; handler != nil {
			handler(s, env)
		}
	}
}

// resolvePending routes an envelope to a waiting Request, if any.
func (s *Session) resolvePending(env *Envelope) bool {
	var key string
	switch env.Type {
	case MessagePong:
		key = pendingKey(MessagePong, "")
	case MessageDataResponse:
		var payload DataPayload
		if err := env.DecodeData(&payload); err != nil {
			return false
		}
		key = pendingKey(MessageDataResponse, payload.DataType)
	default:
		return false
	}

	s.pendingMu.Lock()
	ch, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}

func (s *Session) writePump() {
	defer s.manager.wg.Done()

	cfg := s.manager.config
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(time.Second))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-s.sendCh:
			s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := s.conn.WriteMessage(s.manager.frameType(), data); err != nil {
				slog.Warn("session write failed", "peer", s.remote.DeviceID, "err", err)
				s.Close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}

// SessionManager owns the WebSocket server and every peer session, one
// per peer with the newest connection winning.
type SessionManager struct {
	config      TransportConfig
	localDevice func() DeviceInfo
	encryptor   *PayloadEncryptor

	// Handler receives inbound envelopes. Set before Start.
	Handler EnvelopeHandler
	// OnSessionOpened and OnSessionClosed observe session lifecycle.
	OnSessionOpened func(*Session)
	OnSessionClosed func(*Session)
	// OnIntegrityFailure is called when a frame fails its integrity or
	// authentication check. The frame is dropped, the session stays up.
	OnIntegrityFailure func(peerID string, err error)

	mu       sync.Mutex
	sessions map[string]*Session

	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	retryer  *Retryer

	statsMu sync.Mutex
	stats   TransportStats

	wg      sync.WaitGroup
	running atomic.Bool
}

// NewSessionManager creates the transport. localDevice supplies the
// identity sent in handshakes; encryptor may be nil for plaintext
// frames.
func NewSessionManager(config TransportConfig, localDevice func() DeviceInfo, encryptor *PayloadEncryptor) *SessionManager {
	if config.ListenAddr == "" {
		config.ListenAddr = fmt.Sprintf(":%d", DefaultSyncPort)
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	if config.PongWait <= 0 {
		config.PongWait = DefaultPongWait
	}
	if config.PingInterval <= 0 || config.PingInterval >= config.PongWait {
		config.PingInterval = config.PongWait * 9 / 10
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.DialRetries <= 0 {
		config.DialRetries = 3
	}
	return &SessionManager{
		config:      config,
		localDevice: localDevice,
		encryptor:   encryptor,
		sessions:    make(map[string]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// peers are LAN devices, not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:    config.DialRetries,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			RetryIf:        IsRetryable,
		}),
	}
}

// Start binds the listener and begins accepting peers. When the
// configured port is busy, nearby ports are tried; check Port for the
// bound one.
func (m *SessionManager) Start() error {
	if m.running.Swap(true) {
		return nil
	}
	listener, err := listenWithFallback(m.config.ListenAddr, 5)
	if err != nil {
		m.running.Store(false)
		return err
	}
	m.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(syncEndpoint, m.handleUpgrade)
	m.server = &http.Server{Handler: mux}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("sync server failed", "err", err)
		}
	}()

	slog.Info("sync transport listening", "addr", listener.Addr(), "encrypted", m.encryptor != nil)
	return nil
}

// Stop closes every session and shuts the server down.
func (m *SessionManager) Stop() error {
	if !m.running.Swap(false) {
		return nil
	}
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.server.Shutdown(ctx)
	}
	m.wg.Wait()
	slog.Info("sync transport stopped")
	return nil
}

// Port returns the bound listen port, or 0 before Start.
func (m *SessionManager) Port() int {
	if m.listener == nil {
		return 0
	}
	if addr, ok := m.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// listenWithFallback binds addr, stepping to the next few ports when
// the preferred one is taken by another instance.
func listenWithFallback(addr string, attempts int) (net.Listener, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parse listen port %q: %w", portStr, err)
	}
	if port == 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port+i)))
		if err == nil {
			if i > 0 {
				slog.Warn("preferred sync port busy, bound fallback", "addr", listener.Addr())
			}
			return listener, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("bind sync listener near %s: %w", addr, lastErr)
}

func (m *SessionManager) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	if err := m.acceptSession(conn); err != nil {
		slog.Warn("inbound session rejected", "remote", r.RemoteAddr, "err", err)
		conn.Close()
	}
}

// acceptSession runs the inbound side of the handshake: the dialer
// identifies itself first, then we reply with our own identity.
func (m *SessionManager) acceptSession(conn *websocket.Conn) error {
	conn.SetReadLimit(m.config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(m.config.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	remote, err := m.decodeHandshake(data)
	if err != nil {
		return err
	}
	if remote.IPAddress == "" {
		if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
			remote.IPAddress = host
		}
	}

	hello, err := m.helloFrame()
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(m.config.WriteTimeout))
	if err := conn.WriteMessage(m.frameType(), hello); err != nil {
		return fmt.Errorf("send handshake reply: %w", err)
	}

	m.startSession(newSession(m, conn, remote, true))
	return nil
}

// Connect dials a peer's sync endpoint and runs the outbound handshake.
func (m *SessionManager) Connect(ctx context.Context, addr string) (*Session, error) {
	if !m.running.Load() {
		return nil, fmt.Errorf("transport not started")
	}
	url := "ws://" + addr + syncEndpoint
	conn, err := DoWithResult(ctx, m.retryer, func(ctx context.Context) (*websocket.Conn, error) {
		c, _, err := m.dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	session, err := m.openSession(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return session, nil
}

func (m *SessionManager) openSession(conn *websocket.Conn) (*Session, error) {
	conn.SetReadLimit(m.config.MaxMessageSize)

	hello, err := m.helloFrame()
	if err != nil {
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(m.config.WriteTimeout))
	if err := conn.WriteMessage(m.frameType(), hello); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(m.config.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read handshake reply: %w", err)
	}
	remote, err := m.decodeHandshake(data)
	if err != nil {
		return nil, err
	}

	session := newSession(m, conn, remote, false)
	m.startSession(session)
	return session, nil
}

func (m *SessionManager) helloFrame() ([]byte, error) {
	device := m.localDevice()
	if device.Port == 0 {
		device.Port = m.Port()
	}
	env, err := NewEnvelope(MessageHandshake, device.DeviceID, device)
	if err != nil {
		return nil, err
	}
	return m.encode(env)
}

func (m *SessionManager) decodeHandshake(data []byte) (DeviceInfo, error) {
	env, err := m.decode(data)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("decode handshake: %w", err)
	}
	if env.Type != MessageHandshake {
		return DeviceInfo{}, fmt.Errorf("%w: got %s first", ErrHandshakeRequired, env.Type)
	}
	var device DeviceInfo
	if err := env.DecodeData(&device); err != nil {
		return DeviceInfo{}, err
	}
	if device.DeviceID == "" {
		return DeviceInfo{}, fmt.Errorf("handshake missing deviceId")
	}
	return device, nil
}

func (m *SessionManager) startSession(s *Session) {
	m.mu.Lock()
	old := m.sessions[s.remote.DeviceID]
	m.sessions[s.remote.DeviceID] = s
	m.mu.Unlock()
	if old != nil {
		// both sides dialed at once; the newer session wins
		old.Close()
	}

	m.wg.Add(2)
	go s.readPump()
	go s.writePump()

	slog.Info("session established",
		"peer", s.remote.DeviceID,
		"name", s.remote.DeviceName,
		"inbound", s.inbound)
	if m.OnSessionOpened != nil {
		m.OnSessionOpened(s)
	}
}

func (m *SessionManager) dropSession(s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.remote.DeviceID]; ok && cur == s {
		delete(m.sessions, s.remote.DeviceID)
	}
	m.mu.Unlock()

	slog.Info("session closed", "peer", s.remote.DeviceID)
	if m.OnSessionClosed != nil {
		m.OnSessionClosed(s)
	}
}

// Session returns the live session for a peer, if any.
func (m *SessionManager) Session(deviceID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[deviceID]
	return s, ok
}

// Sessions returns every live session.
func (m *SessionManager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Broadcast queues an envelope to every peer. A peer whose send queue
// is full is dropped rather than allowed to stall the rest. Returns how
// many peers got the message.
func (m *SessionManager) Broadcast(env *Envelope) int {
	data, err := m.encode(env)
	if err != nil {
		slog.Warn("broadcast encode failed", "type", env.Type, "err", err)
		return 0
	}
	sent := 0
	for _, s := range m.Sessions() {
		if s.enqueue(data) {
			m.countSent(len(data))
			sent++
			continue
		}
		slog.Warn("peer send queue full, dropping session", "peer", s.remote.DeviceID)
		s.Close()
	}
	return sent
}

// encode runs the outbound wire codec: envelope JSON, compression
// framing, integrity seal, then encryption when configured.
func (m *SessionManager) encode(env *Envelope) ([]byte, error) {
	raw, err := env.Encode()
	if err != nil {
		return nil, err
	}
	compressed, err := CompressPayload(raw)
	if err != nil {
		return nil, err
	}
	framed, err := json.Marshal(compressed)
	if err != nil {
		return nil, fmt.Errorf("encode compression framing: %w", err)
	}
	sealed, err := SealPayload(framed)
	if err != nil {
		return nil, err
	}
	if m.encryptor != nil {
		return m.encryptor.Encrypt(sealed)
	}
	return sealed, nil
}

// decode reverses encode. Authentication and checksum failures both
// surface as ErrPayloadCorrupted.
func (m *SessionManager) decode(data []byte) (*Envelope, error) {
	if m.encryptor != nil {
		plain, err := m.encryptor.Decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPayloadCorrupted, err)
		}
		data = plain
	}
	framed, err := OpenSealed(data)
	if err != nil {
		return nil, err
	}
	var compressed CompressedPayload
	if err := json.Unmarshal(framed, &compressed); err != nil {
		return nil, fmt.Errorf("decode compression framing: %w", err)
	}
	raw, err := DecompressPayload(&compressed)
	if err != nil {
		return nil, err
	}
	return DecodeEnvelope(raw)
}

func (m *SessionManager) frameType() int {
	if m.encryptor != nil {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

func (m *SessionManager) countSent(n int) {
	m.statsMu.Lock()
	m.stats.MessagesSent++
	m.stats.BytesSent += int64(n)
	m.statsMu.Unlock()
}

func (m *SessionManager) countReceived(n int) {
	m.statsMu.Lock()
	m.stats.MessagesReceived++
	m.stats.BytesReceived += int64(n)
	m.statsMu.Unlock()
}

// Stats returns a snapshot of transport counters.
func (m *SessionManager) Stats() TransportStats {
	m.mu.Lock()
	count := len(m.sessions)
	m.mu.Unlock()

	m.statsMu.Lock()
	stats := m.stats
	m.statsMu.Unlock()
	stats.SessionCount = count
	return stats
}
