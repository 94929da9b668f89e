package storage

import (
	"time"
)

// TrackingSession represents one run of a device under supervision.
type TrackingSession struct {
	ID          int64
	StartTime   time.Time
	DeviceLabel string
	DeviceAddr  string
	Transport   string
}

// PositionPoint is a stored position fix. Coordinates are millimetres.
type PositionPoint struct {
	ID        int64
	SessionID int64
	Timestamp time.Time
	X         int32
	Y         int32
	Z         int32
	Quality   uint8
}

type positionData struct {
	SessionID int64
	Timestamp time.Time
	X         int32
	Y         int32
	Z         int32
	Quality   uint8
}
