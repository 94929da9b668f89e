package storage

import (
	"context"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roman-kulish/uwb-tracking/internal/dwm"
)

// Store provides an interface for managing tracking data storage
// operations. It handles sessions and position fixes in a thread-safe
// manner. All operations that write to the database should be considered
// atomic.
type Store interface {
	// CreateSession initializes a new tracking session for a device and
	// returns its unique identifier.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - deviceLabel: Human-readable device label (e.g. "DW5A2B")
	//   - deviceAddr: Transport address of the device (MAC or serial port)
	//   - transport: Transport kind the session runs over ("ble", "serial")
	//
	// Returns:
	//   - sessionID: Unique identifier for the created session
	//   - error: If session creation fails or context is cancelled
	CreateSession(ctx context.Context, deviceLabel, deviceAddr, transport string) (sessionID int64, err error)

	// Session retrieves a specific tracking session by its ID.
	//
	// Returns:
	//   - session: Pointer to session data, nil if not found
	//   - error: If retrieval fails or context is cancelled
	Session(ctx context.Context, id int64) (session *TrackingSession, err error)

	// Sessions returns all tracking sessions stored in the database,
	// ordered by start time in ascending order.
	Sessions(ctx context.Context) (sessions []*TrackingSession, err error)

	// StorePosition saves a single position fix for a session.
	//
	// Returns:
	//   - positionID: Unique identifier for the stored fix
	//   - error: If storage fails or context is cancelled
	StorePosition(ctx context.Context, sessionID int64, at time.Time, rec dwm.PositionRecord) (positionID int64, err error)

	// StorePositionBatch saves a batch of position fixes in a single
	// atomic transaction.
	StorePositionBatch(ctx context.Context, sessionID int64, batch []TimedPosition) error

	// Positions returns the position fixes stored for a session, ordered
	// by timestamp in ascending order. Options narrow the result set.
	Positions(ctx context.Context, sessionID int64, opts ...ReadOption) (points []*PositionPoint, err error)

	// Close releases all database connections and resources.
	// After Close is called, the store instance cannot be reused.
	// It is safe to call Close multiple times.
	Close() error
}

// TimedPosition pairs a decoded position record with the time it was
// received, for batch persistence.
type TimedPosition struct {
	At     time.Time
	Record dwm.PositionRecord
}

// ReadOption narrows a Positions query.
type ReadOption func(*readOptions)

type readOptions struct {
	from, to   *time.Time
	minQuality *uint8
}

// WithTimeRange limits results to fixes received within [from, to).
func WithTimeRange(from, to time.Time) ReadOption {
	return func(o *readOptions) {
		o.from, o.to = &from, &to
	}
}

// WithMinQuality drops fixes whose reported quality is below the given
// percentage.
func WithMinQuality(quality uint8) ReadOption {
	return func(o *readOptions) {
		o.minQuality = &quality
	}
}
