// Package serialshell drives a positioning node over its UART shell. The
// shell is line oriented and timing sensitive: commands must be paced
// character by character and the firmware reboots (dropping the shell) after
// reset and mode changes, so every command write re-wakes the shell first.
package serialshell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/roman-kulish/uwb-tracking/internal/dwm"
)

const (
	defaultBaudRate     = 115200
	defaultCharDelay    = 50 * time.Millisecond
	defaultCommandDelay = 500 * time.Millisecond
	defaultWakeDelay    = 500 * time.Millisecond
	defaultRebootDelay  = 2 * time.Second
)

// Porter is the minimal serial port surface the transport needs. It is
// satisfied by serial.Port and by in-memory fakes in tests.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// Opener opens the serial port backing the transport.
type Opener func(path string) (Porter, error)

func defaultOpener(baudRate int) Opener {
	return func(path string) (Porter, error) {
		return serial.Open(path, &serial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
	}
}

// WithLogger sets the logger for the transport.
func WithLogger(logger *slog.Logger) func(*Transport) {
	return func(t *Transport) {
		t.logger = logger.With(slog.String("port", t.path))
	}
}

// WithOpener replaces the serial port opener.
func WithOpener(opener Opener) func(*Transport) {
	return func(t *Transport) {
		t.open = opener
	}
}

// WithCharDelay overrides the per-character pacing delay. The firmware
// cannot reliably parse commands sent without pacing.
func WithCharDelay(d time.Duration) func(*Transport) {
	return func(t *Transport) {
		t.charDelay = d
	}
}

// WithTimings overrides the post-command, shell-wake and reboot-wait
// delays. Negative values keep the defaults.
func WithTimings(command, wake, reboot time.Duration) func(*Transport) {
	return func(t *Transport) {
		if command >= 0 {
			t.commandDelay = command
		}
		if wake >= 0 {
			t.wakeDelay = wake
		}
		if reboot >= 0 {
			t.rebootDelay = reboot
		}
	}
}

// Transport implements dwm.Transport over the node's UART shell. The shell
// offers no stable binary read path, so Read is unsupported for every
// channel and sessions rely on partial-configuration semantics; writes are
// translated to shell commands and live positions are parsed from the CSV
// listener output enabled on subscribe.
type Transport struct {
	path string
	open Opener

	logger       *slog.Logger
	charDelay    time.Duration
	commandDelay time.Duration
	wakeDelay    time.Duration
	rebootDelay  time.Duration

	commandMu sync.Mutex // serializes shell writes

	mu      sync.Mutex
	port    Porter
	sub     chan []byte
	lost    chan error
	closing bool
	wg      sync.WaitGroup
}

// New creates a transport for the serial device at path.
func New(path string, options ...func(*Transport)) *Transport {
	t := Transport{
		path:         path,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		charDelay:    defaultCharDelay,
		commandDelay: defaultCommandDelay,
		wakeDelay:    defaultWakeDelay,
		rebootDelay:  defaultRebootDelay,
	}
	t.open = defaultOpener(defaultBaudRate)

	for _, option := range options {
		option(&t)
	}

	return &t
}

// Available reports whether the serial device currently exists, driving
// the supervisor's reconnection poll.
func (t *Transport) Available() bool {
	ports, err := serial.GetPortsList()
	if err != nil {
		return false
	}
	for _, p := range ports {
		if p == t.path {
			return true
		}
	}
	return false
}

// Connect opens the port, wakes the shell and resets the node so it comes
// up in a known state.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.port != nil {
		t.mu.Unlock()
		return nil
	}

	port, err := t.open(t.path)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: opening %s: %w", dwm.ErrConnectFailed, t.path, err)
	}

	t.port = port
	t.closing = false
	t.lost = make(chan error, 1)
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLines(port)

	if err := t.wake(ctx); err != nil {
		t.Disconnect()
		return fmt.Errorf("%w: waking shell: %w", dwm.ErrConnectFailed, err)
	}
	if err := t.command(ctx, "reset"); err != nil {
		t.Disconnect()
		return fmt.Errorf("%w: resetting node: %w", dwm.ErrConnectFailed, err)
	}

	// The node reboots after reset and needs the shell woken again.
	sleepContext(ctx, t.rebootDelay)
	if err := t.wake(ctx); err != nil {
		t.Disconnect()
		return fmt.Errorf("%w: waking shell after reset: %w", dwm.ErrConnectFailed, err)
	}

	t.logger.Info("shell ready")
	return nil
}

// Read is unsupported: the shell cannot deliver the binary configuration
// records back. Sessions treat the affected fields as absent.
func (t *Transport) Read(ctx context.Context, ch dwm.Channel) ([]byte, error) {
	return nil, fmt.Errorf("%w: %s not readable over the shell", dwm.ErrReadFailed, ch)
}

// Write translates a record write into the corresponding shell command.
func (t *Transport) Write(ctx context.Context, ch dwm.Channel, payload []byte, ack bool) error {
	switch ch {
	case dwm.ChannelNetworkID:
		pan, err := dwm.DecodePanID(payload)
		if err != nil {
			return fmt.Errorf("%w: %w", dwm.ErrWriteFailed, err)
		}
		return t.command(ctx, fmt.Sprintf("nis 0x%04X", pan.Value))

	case dwm.ChannelOperationMode:
		mode, err := dwm.DecodeModeConfig(payload)
		if err != nil {
			return fmt.Errorf("%w: %w", dwm.ErrWriteFailed, err)
		}
		if err = t.command(ctx, modeCommand(mode)); err != nil {
			return err
		}
		// Mode changes reboot the node; wake the shell when it is back.
		sleepContext(ctx, t.rebootDelay)
		return t.wake(ctx)

	case dwm.ChannelAnchorPosition:
		pos, err := dwm.DecodeAnchorStatic(payload)
		if err != nil {
			return fmt.Errorf("%w: %w", dwm.ErrWriteFailed, err)
		}
		return t.command(ctx, fmt.Sprintf("aps %d %d %d", pos.X, pos.Y, pos.Z))

	case dwm.ChannelDisconnect:
		// There is no link to drop on a wired shell; a reset is the
		// closest equivalent of the disconnect request.
		return t.command(ctx, "reset")

	default:
		return fmt.Errorf("%w: channel %s not writable over the shell", dwm.ErrWriteFailed, ch)
	}
}

// modeCommand maps a mode configuration onto the shell's node-mode
// commands.
func modeCommand(mode dwm.ModeConfig) string {
	switch {
	case mode.UWB == dwm.UWBPassive:
		return "nmp"
	case mode.Role == dwm.RoleAnchor && mode.Initiator:
		return "nmi"
	case mode.Role == dwm.RoleAnchor:
		return "nma"
	default:
		return "nmt"
	}
}

// Subscribe enables the CSV listener output and delivers each reported
// position as a canonical binary position record.
func (t *Transport) Subscribe(ctx context.Context, ch dwm.Channel) (<-chan []byte, error) {
	if ch != dwm.ChannelLocation {
		return nil, fmt.Errorf("%w: channel %s has no live updates", dwm.ErrReadFailed, ch)
	}

	t.mu.Lock()
	if t.port == nil {
		t.mu.Unlock()
		return nil, dwm.ErrTransportClosed
	}
	if t.sub == nil {
		t.sub = make(chan []byte, 16)
	}
	sub := t.sub
	t.mu.Unlock()

	if err := t.command(ctx, "lec"); err != nil {
		return nil, err
	}
	return sub, nil
}

// Unsubscribe disables the CSV listener output.
func (t *Transport) Unsubscribe(ch dwm.Channel) error {
	if ch != dwm.ChannelLocation {
		return nil
	}

	t.mu.Lock()
	if t.sub != nil {
		close(t.sub)
		t.sub = nil
	}
	port := t.port
	t.mu.Unlock()

	if port == nil {
		return nil
	}
	// lec toggles; sending it again turns the listener output off.
	return t.command(context.Background(), "lec")
}

// Lost reports unsolicited port loss, typically a USB unplug surfacing as
// a read error.
func (t *Transport) Lost() <-chan error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lost
}

// Disconnect closes the port. Safe to call repeatedly.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	port := t.port
	t.port = nil
	t.closing = true
	if t.sub != nil {
		close(t.sub)
		t.sub = nil
	}
	t.mu.Unlock()

	if port == nil {
		return nil
	}
	err := port.Close()
	t.wg.Wait()
	return err
}

// wake sends two bare carriage returns to bring up the shell.
func (t *Transport) wake(ctx context.Context) error {
	t.commandMu.Lock()
	defer t.commandMu.Unlock()

	for i := 0; i < 2; i++ {
		if err := t.write([]byte("\r")); err != nil {
			return err
		}
		sleepContext(ctx, t.wakeDelay)
	}
	return nil
}

// command writes one shell command with per-character pacing and a
// trailing carriage return, then waits for the firmware to process it.
func (t *Transport) command(ctx context.Context, cmd string) error {
	t.commandMu.Lock()
	defer t.commandMu.Unlock()

	t.logger.Debug("sending command", slog.String("command", cmd))

	for _, ch := range []byte(cmd) {
		if err := t.write([]byte{ch}); err != nil {
			return fmt.Errorf("%w: command %q: %w", dwm.ErrWriteFailed, cmd, err)
		}
		sleepContext(ctx, t.charDelay)
	}
	if err := t.write([]byte("\r")); err != nil {
		return fmt.Errorf("%w: command %q: %w", dwm.ErrWriteFailed, cmd, err)
	}

	sleepContext(ctx, t.commandDelay)
	return nil
}

func (t *Transport) write(p []byte) error {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()

	if port == nil {
		return dwm.ErrTransportClosed
	}
	_, err := port.Write(p)
	return err
}

// readLines scans the shell output, converting position reports into
// binary records for the active subscription. A scan error on an open
// port is reported as link loss.
func (t *Transport) readLines(port Porter) {
	defer t.wg.Done()

	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		record, ok := parsePositionLine(line)
		if !ok {
			t.logger.Debug("shell output", slog.String("line", line))
			continue
		}

		t.mu.Lock()
		if t.sub != nil {
			select {
			case t.sub <- record:
			default:
				// A slow consumer drops frames rather than stalling
				// the reader.
			}
		}
		t.mu.Unlock()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing {
		return
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	if t.lost != nil {
		select {
		case t.lost <- fmt.Errorf("%w: %w", dwm.ErrTransportClosed, err):
		default:
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
