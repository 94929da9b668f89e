package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/roman-kulish/uwb-tracking/internal/dwm"
)

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

// rollbackWithError discards sql.ErrTxDone: the deferred rollback runs
// after a successful commit too, and that is not a failure.
func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if cErr := rb.Rollback(); cErr != nil && !errors.Is(cErr, sql.ErrTxDone) && *err == nil {
		*err = cErr
	}
}

func toPositionData(sessionID int64, at time.Time, rec dwm.PositionRecord) *positionData {
	return &positionData{
		SessionID: sessionID,
		Timestamp: at.UTC(),
		X:         rec.X,
		Y:         rec.Y,
		Z:         rec.Z,
		Quality:   rec.Quality,
	}
}
