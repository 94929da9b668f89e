// Package blegatt drives a positioning node over its BLE network node
// service. Channels map one to one onto GATT characteristics.
package blegatt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/roman-kulish/uwb-tracking/internal/dwm"
)

// Network node service and characteristic UUIDs, fixed by the node
// firmware.
const (
	serviceUUID        = "680c21d9-c946-4c1f-9c11-baa1c21329e7"
	operationModeUUID  = "3f0afd88-7770-46b0-b5e7-9fc099598964"
	networkIDUUID      = "80f9d8bc-3bff-45bb-a181-2d6a37991208"
	locationDataUUID   = "003bbdf2-c634-4b3d-ab56-7ec889b89a37"
	anchorPositionUUID = "f0f26c9b-2c8c-49ac-ab60-fe03def1b40c"
	disconnectUUID     = "ed83b848-da03-4a0a-a2dc-8b401080e473"
)

const readBufferSize = 32

var (
	adapterOnce sync.Once
	adapterErr  error

	registryMu sync.Mutex
	registry   = make(map[string]*Transport)
)

// enableAdapter brings the default BLE adapter up once per process and
// installs the shared connect handler that routes link-loss signals to
// the owning transport.
func enableAdapter() error {
	adapterOnce.Do(func() {
		adapter := bluetooth.DefaultAdapter
		if adapterErr = adapter.Enable(); adapterErr != nil {
			return
		}
		adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			registryMu.Lock()
			t := registry[device.Address.String()]
			registryMu.Unlock()
			if t != nil {
				t.linkLost()
			}
		})
	})
	return adapterErr
}

// WithLogger sets the logger for the transport.
func WithLogger(logger *slog.Logger) func(*Transport) {
	return func(t *Transport) {
		t.logger = logger.With(slog.String("address", t.address))
	}
}

// Transport implements dwm.Transport over a BLE GATT connection.
type Transport struct {
	address string
	logger  *slog.Logger

	mu     sync.Mutex
	device bluetooth.Device
	chars  map[dwm.Channel]bluetooth.DeviceCharacteristic
	sub    chan []byte
	lost   chan error
	linked bool
	key    string
}

// registryKey renders a MAC address the way the stack's connect handler
// reports it.
func registryKey(mac bluetooth.MAC) string {
	return mac.String()
}

// New creates a transport for the node at the given MAC address.
func New(address string, options ...func(*Transport)) *Transport {
	t := Transport{
		address: address,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&t)
	}

	return &t
}

// Connect establishes the GATT link and resolves every characteristic the
// session may use.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.linked {
		return nil
	}

	if err := enableAdapter(); err != nil {
		return fmt.Errorf("%w: enabling adapter: %w", dwm.ErrConnectFailed, err)
	}

	mac, err := bluetooth.ParseMAC(t.address)
	if err != nil {
		return fmt.Errorf("%w: address %q: %w", dwm.ErrConnectFailed, t.address, err)
	}

	addr := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}
	device, err := bluetooth.DefaultAdapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("%w: %w", dwm.ErrConnectFailed, err)
	}

	chars, err := discoverCharacteristics(device)
	if err != nil {
		_ = device.Disconnect()
		return fmt.Errorf("%w: %w", dwm.ErrConnectFailed, err)
	}

	t.device = device
	t.chars = chars
	t.lost = make(chan error, 1)
	t.linked = true

	// The stack's canonical MAC rendering keys the registry on both sides,
	// regardless of how the configured address was formatted.
	t.key = registryKey(mac)

	registryMu.Lock()
	registry[t.key] = t
	registryMu.Unlock()

	t.logger.Info("GATT link up")
	return nil
}

func discoverCharacteristics(device bluetooth.Device) (map[dwm.Channel]bluetooth.DeviceCharacteristic, error) {
	service := mustUUID(serviceUUID)
	services, err := device.DiscoverServices([]bluetooth.UUID{service})
	if err != nil {
		return nil, fmt.Errorf("discovering network node service: %w", err)
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("network node service %s not present", serviceUUID)
	}

	wanted := map[dwm.Channel]bluetooth.UUID{
		dwm.ChannelOperationMode:  mustUUID(operationModeUUID),
		dwm.ChannelNetworkID:      mustUUID(networkIDUUID),
		dwm.ChannelLocation:       mustUUID(locationDataUUID),
		dwm.ChannelAnchorPosition: mustUUID(anchorPositionUUID),
		dwm.ChannelDisconnect:     mustUUID(disconnectUUID),
	}

	uuids := make([]bluetooth.UUID, 0, len(wanted))
	for _, uuid := range wanted {
		uuids = append(uuids, uuid)
	}

	found, err := services[0].DiscoverCharacteristics(uuids)
	if err != nil {
		return nil, fmt.Errorf("discovering characteristics: %w", err)
	}

	chars := make(map[dwm.Channel]bluetooth.DeviceCharacteristic, len(wanted))
	for ch, uuid := range wanted {
		for _, c := range found {
			if c.UUID() == uuid {
				chars[ch] = c
				break
			}
		}
	}
	if len(chars) != len(wanted) {
		return nil, fmt.Errorf("node exposes %d of %d expected characteristics", len(chars), len(wanted))
	}
	return chars, nil
}

func mustUUID(s string) bluetooth.UUID {
	uuid, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(fmt.Sprintf("bad UUID constant %q: %v", s, err))
	}
	return uuid
}

func (t *Transport) characteristic(ch dwm.Channel) (bluetooth.DeviceCharacteristic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.linked {
		return bluetooth.DeviceCharacteristic{}, dwm.ErrTransportClosed
	}
	c, ok := t.chars[ch]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("no characteristic for channel %s", ch)
	}
	return c, nil
}

// Read reads the current value of a channel's characteristic.
func (t *Transport) Read(ctx context.Context, ch dwm.Channel) ([]byte, error) {
	c, err := t.characteristic(ch)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", dwm.ErrReadFailed, err)
	}

	buf := make([]byte, readBufferSize)
	n, err := c.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: channel %s: %w", dwm.ErrReadFailed, ch, err)
	}
	return buf[:n], nil
}

// Write writes a record to a channel's characteristic. The central role in
// this BLE stack offers only write-without-response, so acknowledged writes
// degrade to unacknowledged delivery; sessions verify them with read-backs.
func (t *Transport) Write(ctx context.Context, ch dwm.Channel, payload []byte, ack bool) error {
	c, err := t.characteristic(ch)
	if err != nil {
		return fmt.Errorf("%w: %w", dwm.ErrWriteFailed, err)
	}

	if _, err = c.WriteWithoutResponse(payload); err != nil {
		return fmt.Errorf("%w: channel %s: %w", dwm.ErrWriteFailed, ch, err)
	}
	return nil
}

// Subscribe enables notifications on the location characteristic.
func (t *Transport) Subscribe(ctx context.Context, ch dwm.Channel) (<-chan []byte, error) {
	if ch != dwm.ChannelLocation {
		return nil, fmt.Errorf("%w: channel %s has no notifications", dwm.ErrReadFailed, ch)
	}

	c, err := t.characteristic(ch)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", dwm.ErrReadFailed, err)
	}

	t.mu.Lock()
	if t.sub == nil {
		t.sub = make(chan []byte, 16)
	}
	sub := t.sub
	t.mu.Unlock()

	err = c.EnableNotifications(func(buf []byte) {
		payload := append([]byte(nil), buf...)
		t.mu.Lock()
		if t.sub != nil {
			select {
			case t.sub <- payload:
			default:
				// A slow consumer drops frames rather than stalling
				// the BLE stack's callback.
			}
		}
		t.mu.Unlock()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: enabling notifications: %w", dwm.ErrReadFailed, err)
	}
	return sub, nil
}

// Unsubscribe disables location notifications.
func (t *Transport) Unsubscribe(ch dwm.Channel) error {
	if ch != dwm.ChannelLocation {
		return nil
	}

	c, err := t.characteristic(ch)
	if err != nil {
		return nil // link already gone, nothing to disable
	}

	t.mu.Lock()
	if t.sub != nil {
		close(t.sub)
		t.sub = nil
	}
	t.mu.Unlock()

	return c.EnableNotifications(nil)
}

// Lost reports unsolicited link loss signalled by the BLE stack.
func (t *Transport) Lost() <-chan error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lost
}

// linkLost is invoked from the adapter's connect handler when the peer
// drops the link without an explicit disconnect.
func (t *Transport) linkLost() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.linked {
		return
	}
	t.linked = false
	if t.sub != nil {
		close(t.sub)
		t.sub = nil
	}
	if t.lost != nil {
		select {
		case t.lost <- fmt.Errorf("%w: peer dropped the link", dwm.ErrTransportClosed):
		default:
		}
	}
}

// Disconnect tears the GATT link down. Safe to call repeatedly.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if !t.linked {
		t.mu.Unlock()
		return nil
	}
	t.linked = false
	device := t.device
	key := t.key
	if t.sub != nil {
		close(t.sub)
		t.sub = nil
	}
	t.mu.Unlock()

	registryMu.Lock()
	delete(registry, key)
	registryMu.Unlock()

	if err := device.Disconnect(); err != nil {
		return fmt.Errorf("%w: %w", dwm.ErrTransportClosed, err)
	}
	return nil
}
