package storage

const initSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    start_time   DATETIME NOT NULL,
    device_label TEXT NOT NULL,
    device_addr  TEXT NOT NULL,
    transport    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id INTEGER NOT NULL REFERENCES sessions(id),
    timestamp  DATETIME NOT NULL,
    x          INTEGER NOT NULL,
    y          INTEGER NOT NULL,
    z          INTEGER NOT NULL,
    quality    INTEGER NOT NULL
);`

const initIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_positions_session_time ON positions (session_id, timestamp);`

const (
	insertSessionSQL = `
INSERT INTO sessions (
                      start_time,
                      device_label,
                      device_addr,
                      transport)
VALUES (CURRENT_TIMESTAMP, ?, ?, ?)`

	selectSessionSQL = `
SELECT
    id,
    start_time,
    device_label,
    device_addr,
    transport
FROM sessions
WHERE
    id = ?`

	selectSessionsSQL = `
SELECT
    id,
    start_time,
    device_label,
    device_addr,
    transport
FROM sessions
ORDER BY start_time`

	insertPositionSQL = `
INSERT INTO positions (session_id,
                       timestamp,
                       x,
                       y,
                       z,
                       quality)
VALUES (?, ?, ?, ?, ?, ?)`

	selectPositionsSQL = `
SELECT
    id,
    session_id,
    timestamp,
    x,
    y,
    z,
    quality
FROM positions
WHERE
    session_id = ?`
)
