package dwm

import (
	"context"
	"errors"
)

var (
	// ErrConnectFailed is returned when the transport cannot establish a
	// link to the node.
	ErrConnectFailed = errors.New("transport connect failed")

	// ErrWriteFailed is returned when a channel write does not complete.
	ErrWriteFailed = errors.New("transport write failed")

	// ErrReadFailed is returned when a channel read does not complete, or
	// the transport cannot read the requested channel at all.
	ErrReadFailed = errors.New("transport read failed")

	// ErrTransportClosed is returned for operations on a transport whose
	// link has been torn down.
	ErrTransportClosed = errors.New("transport disconnected")
)

// Channel identifies a logical data channel on the node. A BLE transport
// maps channels to GATT characteristics; a serial transport maps them to
// shell commands and listener output.
type Channel uint8

const (
	// ChannelOperationMode carries the two byte mode configuration record.
	ChannelOperationMode Channel = iota

	// ChannelNetworkID carries the two byte PAN ID record.
	ChannelNetworkID

	// ChannelLocation delivers live position records.
	ChannelLocation

	// ChannelAnchorPosition carries the 13-byte persisted anchor position.
	ChannelAnchorPosition

	// ChannelDisconnect accepts the single byte disconnect request record.
	ChannelDisconnect
)

func (c Channel) String() string {
	switch c {
	case ChannelOperationMode:
		return "operation-mode"
	case ChannelNetworkID:
		return "network-id"
	case ChannelLocation:
		return "location"
	case ChannelAnchorPosition:
		return "anchor-position"
	case ChannelDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Transport is the duplex record channel a session drives. Implementations
// own exactly one physical link; a transport handle is never shared between
// sessions.
//
// Read, Write and Subscribe may only be called between a successful Connect
// and Disconnect. Lost reports unsolicited link loss: the returned channel
// yields at most one error and is re-armed by the next Connect.
type Transport interface {
	Connect(ctx context.Context) error
	Read(ctx context.Context, ch Channel) ([]byte, error)
	Write(ctx context.Context, ch Channel, payload []byte, ack bool) error

	// Subscribe requests peer-initiated delivery of records on a channel.
	// Delivered payloads are raw record bytes; the channel is closed on
	// Unsubscribe or link teardown.
	Subscribe(ctx context.Context, ch Channel) (<-chan []byte, error)
	Unsubscribe(ch Channel) error

	Lost() <-chan error
	Disconnect() error
}

// Reconnectable is implemented by transports whose physical link can drop
// and return without an explicit disconnect, such as a USB serial adapter.
// The supervisor polls Available to drive its reconnection loop.
type Reconnectable interface {
	Available() bool
}

// DeviceIdentity is the static configuration of one managed node.
type DeviceIdentity struct {
	ID      int    `yaml:"id"`
	Label   string `yaml:"label"`
	Address string `yaml:"address"`
}

func (d DeviceIdentity) String() string {
	return d.Label
}
