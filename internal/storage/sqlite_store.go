package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/roman-kulish/uwb-tracking/internal/dwm"
)

// SqliteStore handles database operations
type SqliteStore struct {
	dbPath string

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// NewSqliteStore creates a new database connection and initializes the schema
// using the Sqlite database
func NewSqliteStore(dbPath string) *SqliteStore {
	return &SqliteStore{dbPath: dbPath}
}

func runSQLCommand(db *sql.DB, sql string) error {
	_, err := db.Exec(sql)
	return err
}

func (s *SqliteStore) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL"))
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}

		if err = runSQLCommand(db, initSchemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *SqliteStore) getReadDB() (*sql.DB, error) {
	s.readDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "mode=ro"))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

func (s *SqliteStore) CreateSession(ctx context.Context, deviceLabel, deviceAddr, transport string) (sessionID int64, err error) {
	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, insertSessionSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	result, err := stmt.ExecContext(ctx, deviceLabel, deviceAddr, transport)
	if err != nil {
		err = fmt.Errorf("inserting session: %w", err)
		return
	}

	sessionID, err = result.LastInsertId()
	if err != nil {
		err = fmt.Errorf("getting session ID: %w", err)
	}
	return
}

func (s *SqliteStore) Session(ctx context.Context, id int64) (session *TrackingSession, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, selectSessionSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	var sess TrackingSession
	if err = stmt.QueryRowContext(ctx, id).Scan(&sess.ID, &sess.StartTime, &sess.DeviceLabel, &sess.DeviceAddr, &sess.Transport); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		err = fmt.Errorf("scanning session: %w", err)
		return
	}

	return &sess, nil
}

func (s *SqliteStore) Sessions(ctx context.Context) (sessions []*TrackingSession, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectSessionsSQL)
	if err != nil {
		err = fmt.Errorf("querying sessions: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var sess TrackingSession
		if err = rows.Scan(&sess.ID, &sess.StartTime, &sess.DeviceLabel, &sess.DeviceAddr, &sess.Transport); err != nil {
			err = fmt.Errorf("scanning session: %w", err)
			return
		}
		sessions = append(sessions, &sess)
	}
	return
}

func (s *SqliteStore) StorePosition(ctx context.Context, sessionID int64, at time.Time, rec dwm.PositionRecord) (positionID int64, err error) {
	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, insertPositionSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	data := toPositionData(sessionID, at, rec)

	result, err := stmt.ExecContext(
		ctx,
		data.SessionID,
		data.Timestamp,
		data.X,
		data.Y,
		data.Z,
		data.Quality,
	)
	if err != nil {
		err = fmt.Errorf("inserting position: %w", err)
		return
	}

	positionID, err = result.LastInsertId()
	if err != nil {
		err = fmt.Errorf("getting position ID: %w", err)
	}
	return
}

const insertPositionBatchSQL = `
    INSERT INTO positions (
        session_id,
        timestamp,
        x,
        y,
        z,
        quality
    )
    VALUES `

func (s *SqliteStore) StorePositionBatch(ctx context.Context, sessionID int64, batch []TimedPosition) (err error) {
	if len(batch) == 0 {
		return
	}

	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	values := make([]interface{}, 0, len(batch)*6)

	valuesPlaceholder := "(?, ?, ?, ?, ?, ?)"

	var sb strings.Builder

	sb.WriteString(insertPositionBatchSQL)

	for i, tp := range batch {
		data := toPositionData(sessionID, tp.At, tp.Record)
		values = append(values,
			data.SessionID,
			data.Timestamp,
			data.X,
			data.Y,
			data.Z,
			data.Quality,
		)

		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(valuesPlaceholder)
	}

	if _, err = tx.ExecContext(ctx, sb.String(), values...); err != nil {
		return fmt.Errorf("batch inserting positions: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

func (s *SqliteStore) Positions(ctx context.Context, sessionID int64, opts ...ReadOption) (points []*PositionPoint, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	var options readOptions
	for _, opt := range opts {
		opt(&options)
	}

	var sb strings.Builder
	sb.WriteString(selectPositionsSQL)

	args := []interface{}{sessionID}
	if options.from != nil {
		sb.WriteString(" AND timestamp >= ? AND timestamp < ?")
		args = append(args, options.from.UTC(), options.to.UTC())
	}
	if options.minQuality != nil {
		sb.WriteString(" AND quality >= ?")
		args = append(args, *options.minQuality)
	}
	sb.WriteString(" ORDER BY timestamp")

	rows, err := db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		err = fmt.Errorf("querying positions: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var p PositionPoint
		if err = rows.Scan(&p.ID, &p.SessionID, &p.Timestamp, &p.X, &p.Y, &p.Z, &p.Quality); err != nil {
			err = fmt.Errorf("scanning position: %w", err)
			return
		}
		points = append(points, &p)
	}
	return
}

func (s *SqliteStore) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.writeDB != nil {
			_ = runSQLCommand(s.writeDB, initIndexesSQL)

			writeErr = s.writeDB.Close()
			s.writeDB = nil
		}

		if s.readDB != nil {
			readErr = s.readDB.Close()
			s.readDB = nil
		}

		switch {
		case writeErr != nil && readErr != nil:
			s.closeErr = errors.Join(writeErr, readErr)
		case writeErr != nil:
			s.closeErr = writeErr
		case readErr != nil:
			s.closeErr = readErr
		}
	})

	return s.closeErr
}
