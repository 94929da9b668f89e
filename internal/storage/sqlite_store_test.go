package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/uwb-tracking/internal/dwm"
)

func newTestStore(t *testing.T) *SqliteStore {
	t.Helper()

	s := NewSqliteStore(filepath.Join(t.TempDir(), "tracking.db"))
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestCreateAndReadSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateSession(ctx, "DW5A2B", "C1:5A:06:9D:11:22", "ble")
	require.NoError(t, err)
	require.NotZero(t, id)

	sess, err := s.Session(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "DW5A2B", sess.DeviceLabel)
	assert.Equal(t, "C1:5A:06:9D:11:22", sess.DeviceAddr)
	assert.Equal(t, "ble", sess.Transport)
	assert.False(t, sess.StartTime.IsZero())
}

func TestSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Schema is created lazily by the first write.
	_, err := s.CreateSession(ctx, "DW5A2B", "C1:5A:06:9D:11:22", "ble")
	require.NoError(t, err)

	sess, err := s.Session(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestSessionsOrderedByStartTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, "DW5A2B", "C1:5A:06:9D:11:22", "ble")
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, "DW3061", "/dev/ttyACM0", "serial")
	require.NoError(t, err)

	sessions, err := s.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "DW5A2B", sessions[0].DeviceLabel)
	assert.Equal(t, "DW3061", sessions[1].DeviceLabel)
}

func TestStoreAndReadPositions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateSession(ctx, "DW5A2B", "C1:5A:06:9D:11:22", "ble")
	require.NoError(t, err)

	base := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	_, err = s.StorePosition(ctx, id, base, dwm.PositionRecord{
		Kind: dwm.PositionOnly, X: 1000, Y: 2000, Z: 1500, Quality: 100,
	})
	require.NoError(t, err)

	err = s.StorePositionBatch(ctx, id, []TimedPosition{
		{At: base.Add(time.Second), Record: dwm.PositionRecord{X: 1010, Y: 1990, Z: 1500, Quality: 95}},
		{At: base.Add(2 * time.Second), Record: dwm.PositionRecord{X: -40, Y: 2030, Z: 1490, Quality: 20}},
	})
	require.NoError(t, err)

	points, err := s.Positions(ctx, id)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, int32(1000), points[0].X)
	assert.Equal(t, int32(-40), points[2].X)
	assert.Equal(t, uint8(20), points[2].Quality)
}

func TestPositionsFiltering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateSession(ctx, "DW5A2B", "C1:5A:06:9D:11:22", "ble")
	require.NoError(t, err)

	base := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	err = s.StorePositionBatch(ctx, id, []TimedPosition{
		{At: base, Record: dwm.PositionRecord{X: 1, Quality: 10}},
		{At: base.Add(time.Minute), Record: dwm.PositionRecord{X: 2, Quality: 80}},
		{At: base.Add(2 * time.Minute), Record: dwm.PositionRecord{X: 3, Quality: 90}},
	})
	require.NoError(t, err)

	points, err := s.Positions(ctx, id, WithTimeRange(base, base.Add(90*time.Second)))
	require.NoError(t, err)
	require.Len(t, points, 2)

	points, err = s.Positions(ctx, id, WithMinQuality(80))
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, int32(2), points[0].X)

	points, err = s.Positions(ctx, id, WithTimeRange(base, base.Add(90*time.Second)), WithMinQuality(80))
	require.NoError(t, err)
	require.Len(t, points, 1)
}

func TestEmptyBatchIsNoop(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.StorePositionBatch(context.Background(), 1, nil))
}
