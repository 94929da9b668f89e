package dwm

import "time"

// EventKind discriminates session events.
type EventKind uint8

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventPositionUpdated
	EventConfigRead
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventPositionUpdated:
		return "position-updated"
	case EventConfigRead:
		return "config-read"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a typed notification emitted by a device session. Exactly one of
// the payload pointers is set for position and configuration events; Err is
// set for error events. Events from all sessions are delivered to a single
// consumer through the supervisor.
type Event struct {
	Device DeviceIdentity
	Kind   EventKind
	Time   time.Time

	Position *PositionRecord
	Mode     *ModeConfig
	Pan      *PanID
	Anchor   *AnchorStaticPosition
	Err      error
}
