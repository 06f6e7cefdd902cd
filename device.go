package taskmesh

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DeviceInfo identifies a peer on the local network. The persisted UUID,
// not the IP address, is the stable identity: addresses change between
// sessions. Discovery owns the roster and keeps exactly one entry per
// device id.
type DeviceInfo struct {
	DeviceID    string    `json:"deviceId"`
	DeviceName  string    `json:"deviceName"`
	IPAddress   string    `json:"ipAddress"`
	Port        int       `json:"port"`
	LastSeen    time.Time `json:"lastSeen"`
	IsConnected bool      `json:"isConnected"`
}

// Addr returns the host:port for dialing this device's sync endpoint.
func (d DeviceInfo) Addr() string {
	return net.JoinHostPort(d.IPAddress, strconv.Itoa(d.Port))
}

// LoadOrCreateIdentity returns this device's persisted identity, minting
// and saving a fresh UUID on first run. A changed name is persisted; the
// id never changes once created.
func LoadOrCreateIdentity(ctx context.Context, store Store, name string) (DeviceInfo, error) {
	device, err := store.LoadDeviceIdentity(ctx)
	switch {
	case err == nil:
		if name != "" && device.DeviceName != name {
			device.DeviceName = name
			if err := store.SaveDeviceIdentity(ctx, device); err != nil {
				return DeviceInfo{}, err
			}
		}
		return device, nil
	case errors.Is(err, ErrIdentityNotFound):
		device = DeviceInfo{DeviceID: uuid.NewString(), DeviceName: name}
		if err := store.SaveDeviceIdentity(ctx, device); err != nil {
			return DeviceInfo{}, err
		}
		return device, nil
	default:
		return DeviceInfo{}, err
	}
}
