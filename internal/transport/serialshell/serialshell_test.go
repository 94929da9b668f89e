package serialshell

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/uwb-tracking/internal/dwm"
)

// fakePort is an in-memory serial port: the test feeds shell output
// through a pipe and captures everything the transport writes.
type fakePort struct {
	mu     sync.Mutex
	wrote  bytes.Buffer
	reader *io.PipeReader
	feed   *io.PipeWriter
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{reader: r, feed: w}
}

func (p *fakePort) Read(buf []byte) (int, error) {
	return p.reader.Read(buf)
}

func (p *fakePort) Write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wrote.Write(buf)
}

func (p *fakePort) Close() error {
	return p.reader.Close()
}

func (p *fakePort) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wrote.String()
}

func newTestTransport(t *testing.T) (*Transport, *fakePort) {
	t.Helper()

	port := newFakePort()
	transport := New("/dev/ttyUSB0",
		WithOpener(func(string) (Porter, error) { return port, nil }),
		WithCharDelay(0),
		WithTimings(0, 0, 0),
	)
	t.Cleanup(func() { transport.Disconnect() })
	return transport, port
}

func TestParsePositionLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want *dwm.PositionRecord
	}{
		{
			name: "valid position",
			line: "POS,0,4521,1.25,0.87,0.10,92",
			want: &dwm.PositionRecord{Kind: dwm.PositionOnly, X: 1250, Y: 870, Z: 100, Quality: 92},
		},
		{
			name: "negative coordinates",
			line: "POS,1,17,-0.50,2.00,-1.001,100",
			want: &dwm.PositionRecord{Kind: dwm.PositionOnly, X: -500, Y: 2000, Z: -1001, Quality: 100},
		},
		{
			name: "quality clamped to 100",
			line: "POS,0,1,0.0,0.0,0.0,255",
			want: &dwm.PositionRecord{Kind: dwm.PositionOnly, Quality: 100},
		},
		{name: "distance line ignored", line: "DIST,4,AN0,17B5,1.22"},
		{name: "prompt ignored", line: "dwm> "},
		{name: "truncated", line: "POS,0,4521,1.25"},
		{name: "garbled coordinate", line: "POS,0,4521,x.25,0.87,0.10,92"},
		{name: "garbled quality", line: "POS,0,4521,1.25,0.87,0.10,banana"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record, ok := parsePositionLine(tt.line)
			if tt.want == nil {
				assert.False(t, ok)
				return
			}

			require.True(t, ok)
			got, err := dwm.DecodePosition(record)
			require.NoError(t, err)
			assert.Equal(t, *tt.want, got)
		})
	}
}

func TestConnectWakesAndResets(t *testing.T) {
	transport, port := newTestTransport(t)

	require.NoError(t, transport.Connect(context.Background()))

	// Two wake CRs, the reset command, then two more wake CRs once the
	// node has rebooted.
	assert.Equal(t, "\r\rreset\r\r\r", port.written())
}

func TestConnectIsIdempotent(t *testing.T) {
	transport, port := newTestTransport(t)

	require.NoError(t, transport.Connect(context.Background()))
	before := port.written()
	require.NoError(t, transport.Connect(context.Background()))
	assert.Equal(t, before, port.written())
}

func TestWriteTranslatesRecordsToCommands(t *testing.T) {
	transport, port := newTestTransport(t)
	require.NoError(t, transport.Connect(context.Background()))
	ctx := context.Background()

	require.NoError(t, transport.Write(ctx, dwm.ChannelNetworkID, dwm.EncodePanID(dwm.PanID{Value: 0x1342}), true))
	assert.Contains(t, port.written(), "nis 0x1342\r")

	pos := dwm.AnchorStaticPosition{X: 1001, Y: 1002, Z: 50, Quality: 100}
	require.NoError(t, transport.Write(ctx, dwm.ChannelAnchorPosition, dwm.EncodeAnchorStatic(pos), true))
	assert.Contains(t, port.written(), "aps 1001 1002 50\r")

	require.NoError(t, transport.Write(ctx, dwm.ChannelOperationMode,
		dwm.EncodeModeConfig(dwm.DefaultModeConfig(dwm.RoleAnchor)), true))
	assert.Contains(t, port.written(), "nmi\r")

	require.NoError(t, transport.Write(ctx, dwm.ChannelDisconnect, dwm.DisconnectRequest, false))
}

func TestModeCommand(t *testing.T) {
	assert.Equal(t, "nmi", modeCommand(dwm.DefaultModeConfig(dwm.RoleAnchor)))
	assert.Equal(t, "nmt", modeCommand(dwm.DefaultModeConfig(dwm.RoleTag)))

	anchor := dwm.DefaultModeConfig(dwm.RoleAnchor)
	anchor.Initiator = false
	assert.Equal(t, "nma", modeCommand(anchor))

	passive := dwm.DefaultModeConfig(dwm.RoleTag)
	passive.UWB = dwm.UWBPassive
	assert.Equal(t, "nmp", modeCommand(passive))
}

func TestReadIsUnsupported(t *testing.T) {
	transport, _ := newTestTransport(t)
	require.NoError(t, transport.Connect(context.Background()))

	_, err := transport.Read(context.Background(), dwm.ChannelNetworkID)
	assert.ErrorIs(t, err, dwm.ErrReadFailed)
}

func TestSubscribeDeliversPositions(t *testing.T) {
	transport, port := newTestTransport(t)
	require.NoError(t, transport.Connect(context.Background()))

	sub, err := transport.Subscribe(context.Background(), dwm.ChannelLocation)
	require.NoError(t, err)
	assert.Contains(t, port.written(), "lec\r")

	go port.feed.Write([]byte("dwm> \r\nPOS,0,4521,1.25,0.87,0.10,92\r\n"))

	select {
	case record := <-sub:
		got, err := dwm.DecodePosition(record)
		require.NoError(t, err)
		assert.Equal(t, int32(1250), got.X)
		assert.Equal(t, uint8(92), got.Quality)
	case <-time.After(time.Second):
		t.Fatal("no position delivered")
	}
}

func TestSubscribeRejectsOtherChannels(t *testing.T) {
	transport, _ := newTestTransport(t)
	require.NoError(t, transport.Connect(context.Background()))

	_, err := transport.Subscribe(context.Background(), dwm.ChannelNetworkID)
	assert.Error(t, err)
}

func TestReaderFailureSignalsLoss(t *testing.T) {
	transport, port := newTestTransport(t)
	require.NoError(t, transport.Connect(context.Background()))

	lost := transport.Lost()
	port.feed.CloseWithError(errors.New("usb unplugged"))

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, dwm.ErrTransportClosed)
	case <-time.After(time.Second):
		t.Fatal("loss not signalled")
	}
}

func TestExplicitDisconnectDoesNotSignalLoss(t *testing.T) {
	transport, _ := newTestTransport(t)
	require.NoError(t, transport.Connect(context.Background()))

	lost := transport.Lost()
	require.NoError(t, transport.Disconnect())

	select {
	case err, ok := <-lost:
		if ok {
			t.Fatalf("unexpected loss signal: %v", err)
		}
	case <-time.After(50 * time.Millisecond):
	}
}
