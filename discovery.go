package taskmesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultDiscoveryPort is the UDP port announcements travel on.
	DefaultDiscoveryPort = 8765
	// DefaultSyncPort is the TCP port the sync transport listens on.
	DefaultSyncPort = 8766
	// DefaultBroadcastInterval is how often this device announces
	// itself.
	DefaultBroadcastInterval = 3 * time.Second
	// DefaultSweepInterval is how often stale peers are checked for.
	DefaultSweepInterval = 30 * time.Second
	// DefaultPeerStaleAfter is how long a silent peer stays listed.
	DefaultPeerStaleAfter = 60 * time.Second

	announcementType = "device_announcement"
)

// DiscoveryConfig controls the UDP presence layer.
type DiscoveryConfig struct {
	// Device is this device's identity, announced to the LAN.
	Device DeviceInfo `json:"-" yaml:"-"`
	// Port is the UDP port to listen and broadcast on.
	Port int `json:"port" yaml:"port"`
	// SyncPort is the TCP port advertised in announcements. The
	// transport may override it after binding via UpdateSyncPort.
	SyncPort int `json:"sync_port" yaml:"sync_port"`
	// BroadcastEnabled controls whether this device announces itself.
	// Listening is always on.
	BroadcastEnabled bool `json:"broadcast_enabled" yaml:"broadcast_enabled"`
	// BroadcastInterval is the announcement period.
	BroadcastInterval time.Duration `json:"broadcast_interval" yaml:"broadcast_interval"`
	// SweepInterval is the stale peer check period.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	// StaleAfter is how long without any sign of life before a peer is
	// dropped from the list.
	StaleAfter time.Duration `json:"stale_after" yaml:"stale_after"`
}

// DefaultDiscoveryConfig returns the standard discovery settings for
// the given device.
func DefaultDiscoveryConfig(device DeviceInfo) DiscoveryConfig {
	return DiscoveryConfig{
		Device:            device,
		Port:              DefaultDiscoveryPort,
		SyncPort:          DefaultSyncPort,
		BroadcastEnabled:  true,
		BroadcastInterval: DefaultBroadcastInterval,
		SweepInterval:     DefaultSweepInterval,
		StaleAfter:        DefaultPeerStaleAfter,
	}
}

// deviceAnnouncement is the UDP wire format. Timestamp is RFC 3339 so
// implementations in any language can parse it.
type deviceAnnouncement struct {
	Type       string `json:"type"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	IPAddress  string `json:"ipAddress"`
	Port       int    `json:"port"`
	Timestamp  string `json:"timestamp"`
}

// DiscoveryStats counts discovery activity.
type DiscoveryStats struct {
	AnnouncementsSent     int64     `json:"announcements_sent"`
	AnnouncementsReceived int64     `json:"announcements_received"`
	InvalidDatagrams      int64     `json:"invalid_datagrams"`
	PeersEvicted          int64     `json:"peers_evicted"`
	PeerCount             int       `json:"peer_count"`
	LastBroadcast         time.Time `json:"last_broadcast"`
}

// Discovery announces this device over UDP broadcast and tracks the
// peers heard on the same subnet. Peers that stay silent past the stale
// window are dropped.
type Discovery struct {
	config DiscoveryConfig

	conn     *net.UDPConn
	syncPort atomic.Int64

	peersMu sync.RWMutex
	peers   map[string]*DeviceInfo

	// OnPeersChanged receives the full peer list after every change.
	// Set it before Start; it is called without internal locks held.
	OnPeersChanged func([]DeviceInfo)

	kick chan struct{}

	statsMu sync.Mutex
	stats   DiscoveryStats

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewDiscovery creates the presence layer, filling config defaults for
// zero fields.
func NewDiscovery(config DiscoveryConfig) *Discovery {
	if config.Port <= 0 {
		config.Port = DefaultDiscoveryPort
	}
	if config.SyncPort <= 0 {
		config.SyncPort = DefaultSyncPort
	}
	if config.BroadcastInterval <= 0 {
		config.BroadcastInterval = DefaultBroadcastInterval
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultPeerStaleAfter
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Discovery{
		config: config,
		peers:  make(map[string]*DeviceInfo),
		kick:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	d.syncPort.Store(int64(config.SyncPort))
	return d
}

// Start binds the discovery socket and launches the listen, broadcast
// and sweep loops. A port conflict is fatal: two sync-enabled apps on
// one discovery port would shadow each other.
func (d *Discovery) Start() error {
	if d.running.Swap(true) {
		return nil
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: d.config.Port})
	if err != nil {
		d.running.Store(false)
		return fmt.Errorf("bind discovery socket on port %d: %w", d.config.Port, err)
	}
	d.conn = conn

	d.wg.Add(2)
	go d.listenLoop()
	go d.sweepLoop()
	if d.config.BroadcastEnabled {
		d.wg.Add(1)
		go d.broadcastLoop()
	}

	slog.Info("discovery started",
		"device", d.config.Device.DeviceID,
		"port", d.config.Port,
		"broadcast", d.config.BroadcastEnabled)
	return nil
}

// Stop shuts the loops down and closes the socket.
func (d *Discovery) Stop() error {
	if !d.running.Swap(false) {
		return nil
	}
	d.cancel()
	d.wg.Wait()
	if d.conn != nil {
		d.conn.Close()
	}
	slog.Info("discovery stopped", "device", d.config.Device.DeviceID)
	return nil
}

// UpdateSyncPort changes the TCP port advertised in announcements,
// typically after the transport bound a fallback port, and triggers an
// out-of-cycle announcement so peers learn the new port promptly.
func (d *Discovery) UpdateSyncPort(port int) {
	if port <= 0 {
		return
	}
	d.syncPort.Store(int64(port))
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Discovery) listenLoop() {
	defer d.wg.Done()
	buf := make([]byte, 2048)
	for {
		if d.ctx.Err() != nil {
			return
		}
		d.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if d.ctx.Err() != nil {
				return
			}
			continue
		}
		d.handleDatagram(buf[:n], addr)
	}
}

func (d *Discovery) handleDatagram(data []byte, addr *net.UDPAddr) {
	var ann deviceAnnouncement
	if err := json.Unmarshal(data, &ann); err != nil {
		d.countInvalid()
		slog.Warn("discovery decode failed", "addr", addr, "err", err)
		return
	}
	if ann.Type != announcementType || ann.DeviceID == "" || ann.IPAddress == "" ||
		ann.Port <= 0 || ann.Port > 65535 {
		d.countInvalid()
		slog.Warn("discovery announcement invalid", "addr", addr, "type", ann.Type)
		return
	}
	if ann.DeviceID == d.config.Device.DeviceID {
		return
	}

	d.statsMu.Lock()
	d.stats.AnnouncementsReceived++
	d.statsMu.Unlock()

	d.upsertPeer(DeviceInfo{
		DeviceID:   ann.DeviceID,
		DeviceName: ann.DeviceName,
		IPAddress:  ann.IPAddress,
		Port:       ann.Port,
		LastSeen:   time.Now(),
	})
}

func (d *Discovery) countInvalid() {
	d.statsMu.Lock()
	d.stats.InvalidDatagrams++
	d.statsMu.Unlock()
}

func (d *Discovery) upsertPeer(info DeviceInfo) {
	d.peersMu.Lock()
	existing, known := d.peers[info.DeviceID]
	if known {
		info.IsConnected = existing.IsConnected
	}
	d.peers[info.DeviceID] = &info
	snapshot := d.peersSnapshotLocked()
	d.peersMu.Unlock()

	if !known {
		slog.Info("peer discovered", "device", info.DeviceID, "name", info.DeviceName, "addr", info.Addr())
	}
	d.notifyPeersChanged(snapshot)
}

// AddPeer registers a peer learned outside of discovery, such as the
// remote side of an inbound sync connection.
func (d *Discovery) AddPeer(info DeviceInfo) {
	if info.DeviceID == "" || info.DeviceID == d.config.Device.DeviceID {
		return
	}
	if info.LastSeen.IsZero() {
		info.LastSeen = time.Now()
	}
	d.upsertPeer(info)
}

// RemovePeer drops a peer from the list.
func (d *Discovery) RemovePeer(deviceID string) {
	d.peersMu.Lock()
	_, known := d.peers[deviceID]
	delete(d.peers, deviceID)
	snapshot := d.peersSnapshotLocked()
	d.peersMu.Unlock()
	if known {
		d.notifyPeersChanged(snapshot)
	}
}

// SetConnected flags whether a sync session with the peer is open.
// Connected peers are exempt from stale eviction.
func (d *Discovery) SetConnected(deviceID string, connected bool) {
	d.peersMu.Lock()
	peer, known := d.peers[deviceID]
	if known && peer.IsConnected != connected {
		peer.IsConnected = connected
		peer.LastSeen = time.Now()
	} else {
		known = false
	}
	snapshot := d.peersSnapshotLocked()
	d.peersMu.Unlock()
	if known {
		d.notifyPeersChanged(snapshot)
	}
}

// Touch refreshes a peer's last-seen time, called for every sync
// message received so active peers never go stale.
func (d *Discovery) Touch(deviceID string) {
	d.peersMu.Lock()
	if peer, ok := d.peers[deviceID]; ok {
		peer.LastSeen = time.Now()
	}
	d.peersMu.Unlock()
}

// Peers returns the known peers sorted by name, then id.
func (d *Discovery) Peers() []DeviceInfo {
	d.peersMu.RLock()
	defer d.peersMu.RUnlock()
	return d.peersSnapshotLocked()
}

// Peer returns one peer by device id.
func (d *Discovery) Peer(deviceID string) (DeviceInfo, bool) {
	d.peersMu.RLock()
	defer d.peersMu.RUnlock()
	peer, ok := d.peers[deviceID]
	if !ok {
		return DeviceInfo{}, false
	}
	return *peer, true
}

func (d *Discovery) peersSnapshotLocked() []DeviceInfo {
	out := make([]DeviceInfo, 0, len(d.peers))
	for _, peer := range d.peers {
		out = append(out, *peer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName != out[j].DeviceName {
			return out[i].DeviceName < out[j].DeviceName
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

func (d *Discovery) notifyPeersChanged(peers []DeviceInfo) {
	if d.OnPeersChanged != nil {
		d.OnPeersChanged(peers)
	}
}

func (d *Discovery) broadcastLoop() {
	defer d.wg.Done()
	d.broadcast()
	ticker := time.NewTicker(d.config.BroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.broadcast()
		case <-d.kick:
			d.broadcast()
		}
	}
}

func (d *Discovery) broadcast() {
	candidate, ok := localIPv4()
	if !ok {
		slog.Warn("discovery broadcast skipped, no usable IPv4 interface")
		return
	}
	ann := deviceAnnouncement{
		Type:       announcementType,
		DeviceID:   d.config.Device.DeviceID,
		DeviceName: d.config.Device.DeviceName,
		IPAddress:  candidate.ip.String(),
		Port:       int(d.syncPort.Load()),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(ann)
	if err != nil {
		slog.Warn("discovery announcement marshal failed", "err", err)
		return
	}
	dest := &net.UDPAddr{IP: candidate.bcast, Port: d.config.Port}
	if _, err := d.conn.WriteToUDP(data, dest); err != nil {
		slog.Warn("discovery broadcast failed", "dest", dest, "err", err)
		return
	}
	d.statsMu.Lock()
	d.stats.AnnouncementsSent++
	d.stats.LastBroadcast = time.Now()
	d.statsMu.Unlock()
}

func (d *Discovery) sweepLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.sweepStale()
		}
	}
}

func (d *Discovery) sweepStale() {
	cutoff := time.Now().Add(-d.config.StaleAfter)

	d.peersMu.Lock()
	var evicted []DeviceInfo
	for id, peer := range d.peers {
		if !peer.IsConnected && peer.LastSeen.Before(cutoff) {
			evicted = append(evicted, *peer)
			delete(d.peers, id)
		}
	}
	var snapshot []DeviceInfo
	if len(evicted) > 0 {
		snapshot = d.peersSnapshotLocked()
	}
	d.peersMu.Unlock()

	if len(evicted) == 0 {
		return
	}
	d.statsMu.Lock()
	d.stats.PeersEvicted += int64(len(evicted))
	d.statsMu.Unlock()
	for _, peer := range evicted {
		slog.Info("peer expired", "device", peer.DeviceID, "name", peer.DeviceName, "last_seen", peer.LastSeen)
	}
	d.notifyPeersChanged(snapshot)
}

// Stats returns a snapshot of discovery counters.
func (d *Discovery) Stats() DiscoveryStats {
	d.peersMu.RLock()
	count := len(d.peers)
	d.peersMu.RUnlock()

	d.statsMu.Lock()
	stats := d.stats
	d.statsMu.Unlock()
	stats.PeerCount = count
	return stats
}

// virtualIfacePrefixes marks interface names that should not be
// advertised: container bridges, VPN tunnels and VM adapters reach the
// wrong network or none at all.
var virtualIfacePrefixes = []string{
	"docker", "veth", "br-", "virbr", "vbox", "vmnet",
	"utun", "tun", "tap", "zt", "tailscale", "wg",
}

func isVirtualIface(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range virtualIfacePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

type ipCandidate struct {
	iface string
	ip    net.IP
	bcast net.IP
}

// localIPv4 picks the IPv4 address to advertise, preferring common
// private LAN ranges on physical interfaces.
func localIPv4() (ipCandidate, bool) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ipCandidate{}, false
	}
	var candidates []ipCandidate
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			candidates = append(candidates, ipCandidate{
				iface: iface.Name,
				ip:    ip4,
				bcast: broadcastAddr(ipnet),
			})
		}
	}
	return pickAdvertiseAddr(candidates)
}

// pickAdvertiseAddr orders candidates the way users expect their LAN
// address to be chosen: home and office ranges on physical interfaces
// first, then any physical interface, then whatever is left.
func pickAdvertiseAddr(candidates []ipCandidate) (ipCandidate, bool) {
	if len(candidates) == 0 {
		return ipCandidate{}, false
	}
	for _, c := range candidates {
		if isVirtualIface(c.iface) {
			continue
		}
		s := c.ip.String()
		if strings.HasPrefix(s, "192.168.") || strings.HasPrefix(s, "10.") {
			return c, true
		}
	}
	for _, c := range candidates {
		if !isVirtualIface(c.iface) {
			return c, true
		}
	}
	return candidates[0], true
}

// broadcastAddr computes the subnet's directed broadcast address,
// falling back to the limited broadcast address when the mask is
// unusable.
func broadcastAddr(ipnet *net.IPNet) net.IP {
	ip4 := ipnet.IP.To4()
	mask := ipnet.Mask
	if len(mask) == 16 {
		mask = mask[12:]
	}
	if ip4 == nil || len(mask) != 4 {
		return net.IPv4bcast
	}
	out := make(net.IP, 4)
	for i := range out {
		out[i] = ip4[i] | ^mask[i]
	}
	return out
}
