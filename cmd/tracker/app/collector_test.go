package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/uwb-tracking/internal/dwm"
	"github.com/roman-kulish/uwb-tracking/internal/storage"
)

type fakeStore struct {
	mu      sync.Mutex
	batches map[int64][][]storage.TimedPosition
}

func newFakeStore() *fakeStore {
	return &fakeStore{batches: make(map[int64][][]storage.TimedPosition)}
}

func (f *fakeStore) CreateSession(context.Context, string, string, string) (int64, error) {
	return 1, nil
}

func (f *fakeStore) Session(context.Context, int64) (*storage.TrackingSession, error) {
	return nil, nil
}

func (f *fakeStore) Sessions(context.Context) ([]*storage.TrackingSession, error) {
	return nil, nil
}

func (f *fakeStore) StorePosition(context.Context, int64, time.Time, dwm.PositionRecord) (int64, error) {
	return 0, nil
}

func (f *fakeStore) StorePositionBatch(_ context.Context, sessionID int64, batch []storage.TimedPosition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[sessionID] = append(f.batches[sessionID], append([]storage.TimedPosition(nil), batch...))
	return nil
}

func (f *fakeStore) Positions(context.Context, int64, ...storage.ReadOption) ([]*storage.PositionPoint, error) {
	return nil, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) stored(sessionID int64) (batches int, fixes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.batches[sessionID] {
		fixes += len(b)
	}
	return len(f.batches[sessionID]), fixes
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func positionEvent(identity dwm.DeviceIdentity, x int32) dwm.Event {
	return dwm.Event{
		Device:   identity,
		Kind:     dwm.EventPositionUpdated,
		Time:     time.Now(),
		Position: &dwm.PositionRecord{X: x, Y: 2, Z: 3, Quality: 90},
	}
}

func TestCollectorBuffersUntilBatchSize(t *testing.T) {
	store := newFakeStore()
	collector := NewCollector(store, discardLogger(), WithMaxBatchSize(3))

	identity := dwm.DeviceIdentity{ID: 7, Label: "DW5A2B"}
	collector.Track(identity, deviceIntent{}, 42)

	ctx := context.Background()
	collector.handleEvent(ctx, nil, positionEvent(identity, 1))
	collector.handleEvent(ctx, nil, positionEvent(identity, 2))

	batches, _ := store.stored(42)
	assert.Zero(t, batches)

	collector.handleEvent(ctx, nil, positionEvent(identity, 3))

	batches, fixes := store.stored(42)
	assert.Equal(t, 1, batches)
	assert.Equal(t, 3, fixes)
}

func TestCollectorFlushAll(t *testing.T) {
	store := newFakeStore()
	collector := NewCollector(store, discardLogger())

	identity := dwm.DeviceIdentity{ID: 7, Label: "DW5A2B"}
	collector.Track(identity, deviceIntent{}, 42)

	ctx := context.Background()
	collector.handleEvent(ctx, nil, positionEvent(identity, 1))
	collector.flushAll(ctx)

	_, fixes := store.stored(42)
	require.Equal(t, 1, fixes)

	// Flushed fixes are not stored twice.
	collector.flushAll(ctx)
	batches, _ := store.stored(42)
	assert.Equal(t, 1, batches)
}

func TestCollectorIgnoresEventsWithoutPosition(t *testing.T) {
	store := newFakeStore()
	collector := NewCollector(store, discardLogger())

	identity := dwm.DeviceIdentity{ID: 7, Label: "DW5A2B"}
	collector.Track(identity, deviceIntent{}, 42)

	ctx := context.Background()
	collector.handleEvent(ctx, nil, dwm.Event{Device: identity, Kind: dwm.EventPositionUpdated})
	collector.flushAll(ctx)

	_, fixes := store.stored(42)
	assert.Zero(t, fixes)
}

// loopbackTransport answers config reads from an in-memory channel map and
// folds writes back into it, so write read-backs observe the written value.
type loopbackTransport struct {
	mu        sync.Mutex
	connected bool
	data      map[dwm.Channel][]byte
	writes    map[dwm.Channel]int
	sub       chan []byte
	lost      chan error
}

func newLoopbackTransport(data map[dwm.Channel][]byte) *loopbackTransport {
	return &loopbackTransport{
		data:   data,
		writes: make(map[dwm.Channel]int),
	}
}

func (l *loopbackTransport) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = true
	l.lost = make(chan error, 1)
	return nil
}

func (l *loopbackTransport) Read(_ context.Context, ch dwm.Channel) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return nil, dwm.ErrTransportClosed
	}
	data, ok := l.data[ch]
	if !ok {
		return nil, dwm.ErrReadFailed
	}
	return data, nil
}

func (l *loopbackTransport) Write(_ context.Context, ch dwm.Channel, payload []byte, _ bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return dwm.ErrTransportClosed
	}
	l.writes[ch]++
	l.data[ch] = append([]byte(nil), payload...)
	return nil
}

func (l *loopbackTransport) Subscribe(_ context.Context, ch dwm.Channel) (<-chan []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return nil, dwm.ErrTransportClosed
	}
	l.sub = make(chan []byte, 16)
	return l.sub, nil
}

func (l *loopbackTransport) Unsubscribe(ch dwm.Channel) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub != nil {
		close(l.sub)
		l.sub = nil
	}
	return nil
}

func (l *loopbackTransport) Lost() <-chan error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lost
}

func (l *loopbackTransport) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
	return nil
}

// configWrites counts writes on configuration channels, ignoring the
// disconnect request channel.
func (l *loopbackTransport) configWrites() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writes[dwm.ChannelOperationMode] + l.writes[dwm.ChannelNetworkID] + l.writes[dwm.ChannelAnchorPosition]
}

func (l *loopbackTransport) channelWrites(ch dwm.Channel) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writes[ch]
}

// startReconcileFixture wires a device with the given settings through a
// supervisor and a running collector, connects it, and returns the
// transport for write inspection.
func startReconcileFixture(t *testing.T, intent deviceIntent, data map[dwm.Channel][]byte) *loopbackTransport {
	t.Helper()

	transport := newLoopbackTransport(data)
	identity := dwm.DeviceIdentity{ID: 7, Label: "DW5A2B", Address: "C1:5A:06:9D:11:22"}

	sup := dwm.NewSupervisor(
		dwm.WithLogger(discardLogger()),
		dwm.WithSessionOptions(dwm.WithSettleDelay(0)),
	)
	require.NoError(t, sup.Register(identity, transport))

	collector := NewCollector(newFakeStore(), discardLogger(), WithFlushInterval(time.Hour))
	collector.Track(identity, intent, 42)

	ctx, cancel := context.WithCancel(context.Background())
	supDone := make(chan struct{})
	go func() {
		defer close(supDone)
		_ = sup.Run(ctx)
	}()
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		collector.Run(ctx, sup)
	}()
	t.Cleanup(func() {
		cancel()
		<-supDone
		<-collectorDone
	})

	require.NoError(t, sup.Connect(ctx, identity.ID))
	return transport
}

func TestReconcileMatchingDeviceWritesNothing(t *testing.T) {
	role := dwm.RoleTag
	pan := dwm.PanID{Value: 0x1342}

	transport := startReconcileFixture(t, deviceIntent{role: &role, pan: &pan}, map[dwm.Channel][]byte{
		dwm.ChannelOperationMode: dwm.EncodeModeConfig(dwm.DefaultModeConfig(dwm.RoleTag)),
		dwm.ChannelNetworkID:     dwm.EncodePanID(pan),
	})

	// Give the config read events time to round-trip through the
	// supervisor and the collector.
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, transport.configWrites())
}

func TestReconcileDriftedPanWrittenOnce(t *testing.T) {
	pan := dwm.PanID{Value: 0x1342}

	transport := startReconcileFixture(t, deviceIntent{pan: &pan}, map[dwm.Channel][]byte{
		dwm.ChannelOperationMode: dwm.EncodeModeConfig(dwm.DefaultModeConfig(dwm.RoleTag)),
		dwm.ChannelNetworkID:     dwm.EncodePanID(dwm.PanID{Value: 0xDEAD}),
	})

	require.Eventually(t, func() bool {
		return transport.channelWrites(dwm.ChannelNetworkID) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The read-back after the write reports the now-matching PAN; that
	// config read must not trigger another write.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, transport.channelWrites(dwm.ChannelNetworkID))
	assert.Zero(t, transport.channelWrites(dwm.ChannelOperationMode))
	assert.Zero(t, transport.channelWrites(dwm.ChannelAnchorPosition))
}

func TestDeviceIntentFor(t *testing.T) {
	pan := dwm.PanID{Value: 0x1342}

	intent := deviceIntentFor(&DeviceConfig{
		Role:   RoleAnchor,
		Anchor: &AnchorPositionConfig{X: 1, Y: 2, Z: 3, Quality: 100},
	}, pan, true)

	require.NotNil(t, intent.role)
	assert.Equal(t, dwm.RoleAnchor, *intent.role)
	require.NotNil(t, intent.pan)
	assert.Equal(t, pan, *intent.pan)
	require.NotNil(t, intent.anchor)
	assert.Equal(t, dwm.AnchorStaticPosition{X: 1, Y: 2, Z: 3, Quality: 100}, *intent.anchor)

	intent = deviceIntentFor(&DeviceConfig{}, dwm.PanID{}, false)
	assert.Nil(t, intent.role)
	assert.Nil(t, intent.pan)
	assert.Nil(t, intent.anchor)
}
