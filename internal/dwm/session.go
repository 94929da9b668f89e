package dwm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

var (
	// ErrNotConnected is returned for operations that require an
	// established link.
	ErrNotConnected = errors.New("session not connected")

	// ErrPartialConfig reports that a configuration sequence read only a
	// subset of the node's settings. It is advisory: the session keeps
	// whatever it could read.
	ErrPartialConfig = errors.New("partial configuration")

	// ErrStaleCache reports that a configuration write went through but the
	// verifying read-back failed, so the session's cached value may no
	// longer match the node.
	ErrStaleCache = errors.New("cached configuration may be stale")

	// ErrSessionClosed is returned when an operation is submitted after the
	// session's run loop has exited.
	ErrSessionClosed = errors.New("session closed")
)

// ConnectionState is the lifecycle state of a device session.
type ConnectionState uint8

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateConfigured
	StateSubscribed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateConfigured:
		return "configured"
	case StateSubscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// State is a point-in-time snapshot of a session's decoded device state.
// Pointer fields are nil until the corresponding record has been read.
type State struct {
	Connection   ConnectionState
	LastPosition *PositionRecord
	AnchorStatic *AnchorStaticPosition
	Mode         *ModeConfig
	Pan          *PanID
	Notifying    bool
	LastUpdate   time.Time
}

const defaultSettleDelay = 80 * time.Millisecond

// WithSessionLogger sets the logger for the session.
func WithSessionLogger(logger *slog.Logger) func(*Session) {
	return func(s *Session) {
		s.logger = logger.With(
			slog.String("device", s.identity.Label),
			slog.String("address", s.identity.Address),
		)
	}
}

// WithSettleDelay overrides the pause between link establishment and the
// first configuration read. The node firmware needs this settling time
// before its channels answer reliably.
func WithSettleDelay(d time.Duration) func(*Session) {
	return func(s *Session) {
		s.settleDelay = d
	}
}

// Session manages the lifecycle of a single positioning node: connect,
// configure, subscribe to live position updates, and disconnect. It owns
// its transport handle and its state exclusively; all operations are
// serialized through the session's run loop, so callers observe strict
// submission order.
type Session struct {
	identity  DeviceIdentity
	transport Transport
	events    chan<- Event

	logger      *slog.Logger
	settleDelay time.Duration

	// Owned by the run loop.
	state  State
	notify <-chan []byte
	lost   <-chan error

	cmds  chan command
	snaps chan chan State
	done  chan struct{}
}

type command struct {
	fn    func(ctx context.Context) error
	reply chan error
}

// NewSession creates a session for one device identity. The session does
// not touch the transport until Connect is invoked, and emits its typed
// events to the provided channel.
func NewSession(identity DeviceIdentity, transport Transport, events chan<- Event, options ...func(*Session)) *Session {
	s := Session{
		identity:    identity,
		transport:   transport,
		events:      events,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		settleDelay: defaultSettleDelay,
		cmds:        make(chan command),
		snaps:       make(chan chan State),
		done:        make(chan struct{}),
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// Identity returns the static identity this session manages.
func (s *Session) Identity() DeviceIdentity {
	return s.identity
}

// Run drives the session until the context is cancelled. It must be
// started before any operation is submitted and tears the link down on
// exit.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			// ctx is already cancelled here, so teardown events that
			// cannot be delivered are dropped rather than blocking exit.
			s.teardown(ctx)
			return

		case cmd := <-s.cmds:
			cmd.reply <- cmd.fn(ctx)

		case snap := <-s.snaps:
			snap <- s.state

		case err, ok := <-s.lost:
			if !ok {
				s.lost = nil
				continue
			}
			s.logger.Warn("transport lost", slog.String("error", err.Error()))
			s.emit(ctx, Event{Kind: EventError, Err: fmt.Errorf("%w: %w", ErrTransportClosed, err)})
			s.teardown(ctx)

		case payload, ok := <-s.notify:
			if !ok {
				s.notify = nil
				continue
			}
			s.handleUpdate(ctx, payload)
		}
	}
}

// State returns a snapshot of the session state.
func (s *Session) State() State {
	snap := make(chan State, 1)
	select {
	case s.snaps <- snap:
		return <-snap
	case <-s.done:
		return State{}
	}
}

// Connect establishes the link, runs the configuration sequence and
// subscribes to live position updates. Connecting an already connected
// session is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	return s.do(ctx, s.connect)
}

// Disconnect tears the link down. It is idempotent and never fails the
// caller: cleanup errors are logged and reported as events only.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context) error {
		s.teardown(ctx)
		return nil
	})
}

// ForceDisconnect writes a disconnect request record to the node and then
// tears the link down regardless of whether the write succeeded.
func (s *Session) ForceDisconnect(ctx context.Context) error {
	return s.do(ctx, s.forceDisconnect)
}

// SetRole writes a default mode configuration for the given role. The node
// applies a role change only after a reconnect, so the session always
// force-disconnects afterwards, even when the write failed.
func (s *Session) SetRole(ctx context.Context, role Role) error {
	return s.do(ctx, func(ctx context.Context) error {
		if s.state.Connection < StateConnected {
			return ErrNotConnected
		}

		err := s.transport.Write(ctx, ChannelOperationMode, EncodeModeConfig(DefaultModeConfig(role)), true)
		if err != nil {
			err = fmt.Errorf("writing mode for role %s: %w", role, err)
			s.logger.Warn("role write failed", slog.String("error", err.Error()))
		}

		// The cached configuration is stale either way.
		if ferr := s.forceDisconnect(ctx); ferr != nil {
			s.logger.Warn("forced disconnect after role change failed", slog.String("error", ferr.Error()))
		}
		return err
	})
}

// WritePanID writes the network identifier and verifies it with a
// read-back. A failed read-back returns ErrStaleCache: the write stands,
// but the session's cached PAN may no longer match the node.
func (s *Session) WritePanID(ctx context.Context, pan PanID) error {
	return s.do(ctx, func(ctx context.Context) error {
		if s.state.Connection < StateConnected {
			return ErrNotConnected
		}
		if err := s.transport.Write(ctx, ChannelNetworkID, EncodePanID(pan), true); err != nil {
			return fmt.Errorf("writing PAN ID %s: %w", pan, err)
		}

		data, err := s.transport.Read(ctx, ChannelNetworkID)
		if err != nil {
			return fmt.Errorf("%w: PAN ID read-back: %w", ErrStaleCache, err)
		}
		read, err := DecodePanID(data)
		if err != nil {
			return fmt.Errorf("%w: PAN ID read-back: %w", ErrStaleCache, err)
		}

		s.state.Pan = &read
		s.emit(ctx, Event{Kind: EventConfigRead, Pan: &read})
		return nil
	})
}

// WriteAnchorPosition writes the anchor's static position and verifies it
// with a read-back. Quality must be a percentage in 0-100.
func (s *Session) WriteAnchorPosition(ctx context.Context, pos AnchorStaticPosition) error {
	return s.do(ctx, func(ctx context.Context) error {
		if pos.Quality > 100 {
			return fmt.Errorf("quality %d out of range 0-100", pos.Quality)
		}
		if s.state.Connection < StateConnected {
			return ErrNotConnected
		}
		if err := s.transport.Write(ctx, ChannelAnchorPosition, EncodeAnchorStatic(pos), true); err != nil {
			return fmt.Errorf("writing anchor position: %w", err)
		}

		data, err := s.transport.Read(ctx, ChannelAnchorPosition)
		if err != nil {
			return fmt.Errorf("%w: anchor position read-back: %w", ErrStaleCache, err)
		}
		read, err := DecodeAnchorStatic(data)
		if err != nil {
			return fmt.Errorf("%w: anchor position read-back: %w", ErrStaleCache, err)
		}

		s.state.AnchorStatic = &read
		s.emit(ctx, Event{Kind: EventConfigRead, Anchor: &read})
		return nil
	})
}

// RefreshConfig reads the node's current mode bytes and writes them back
// unmodified. The write is a deliberate no-op that forces the firmware to
// reload its persisted settings.
func (s *Session) RefreshConfig(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context) error {
		if s.state.Connection < StateConfigured {
			return ErrNotConnected
		}

		data, err := s.transport.Read(ctx, ChannelOperationMode)
		if err != nil {
			return fmt.Errorf("reading mode: %w", err)
		}
		if err = s.transport.Write(ctx, ChannelOperationMode, data, true); err != nil {
			return fmt.Errorf("writing mode back: %w", err)
		}

		if mode, err := DecodeModeConfig(data); err == nil {
			s.state.Mode = &mode
			s.emit(ctx, Event{Kind: EventConfigRead, Mode: &mode})
		}
		return nil
	})
}

// SetLiveUpdates starts or stops the live position subscription.
func (s *Session) SetLiveUpdates(ctx context.Context, enabled bool) error {
	return s.do(ctx, func(ctx context.Context) error {
		if s.state.Connection < StateConfigured {
			return ErrNotConnected
		}
		if enabled {
			return s.subscribe(ctx)
		}
		s.unsubscribe()
		return nil
	})
}

// do submits an operation to the run loop and waits for its result,
// preserving submission order across callers.
func (s *Session) do(ctx context.Context, fn func(context.Context) error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}

	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) connect(ctx context.Context) error {
	if s.state.Connection != StateDisconnected {
		return nil // already connected, keep the existing link
	}

	s.state.Connection = StateConnecting
	if err := s.transport.Connect(ctx); err != nil {
		s.state.Connection = StateDisconnected
		err = fmt.Errorf("%w: %w", ErrConnectFailed, err)
		s.emit(ctx, Event{Kind: EventError, Err: err})
		return err
	}

	s.lost = s.transport.Lost()
	s.state.Connection = StateConnected
	s.logger.Info("connected")
	s.emit(ctx, Event{Kind: EventConnected})

	// The node needs settling time before its channels answer.
	sleepContext(ctx, s.settleDelay)

	s.configure(ctx)
	s.state.Connection = StateConfigured

	if err := s.subscribe(ctx); err != nil {
		s.logger.Warn("live updates unavailable", slog.String("error", err.Error()))
	}
	return nil
}

// configure reads PAN ID, mode, and, for anchors, the static position.
// Each read is independently best-effort: a failed read leaves the field
// absent and the sequence continues.
func (s *Session) configure(ctx context.Context) {
	var missing []string

	if data, err := s.transport.Read(ctx, ChannelNetworkID); err != nil {
		missing = append(missing, "pan")
		s.logger.Warn("PAN ID read failed", slog.String("error", err.Error()))
	} else if pan, err := DecodePanID(data); err != nil {
		missing = append(missing, "pan")
		s.logger.Warn("PAN ID decode failed", slog.String("error", err.Error()))
	} else {
		s.state.Pan = &pan
		s.emit(ctx, Event{Kind: EventConfigRead, Pan: &pan})
	}

	if data, err := s.transport.Read(ctx, ChannelOperationMode); err != nil {
		missing = append(missing, "mode")
		s.logger.Warn("mode read failed", slog.String("error", err.Error()))
	} else if mode, err := DecodeModeConfig(data); err != nil {
		missing = append(missing, "mode")
		s.logger.Warn("mode decode failed", slog.String("error", err.Error()))
	} else {
		s.state.Mode = &mode
		s.emit(ctx, Event{Kind: EventConfigRead, Mode: &mode})
	}

	if s.state.Mode != nil && s.state.Mode.Role == RoleAnchor {
		if data, err := s.transport.Read(ctx, ChannelAnchorPosition); err != nil {
			missing = append(missing, "anchor-position")
			s.logger.Warn("anchor position read failed", slog.String("error", err.Error()))
		} else if pos, err := DecodeAnchorStatic(data); err != nil {
			missing = append(missing, "anchor-position")
			s.logger.Warn("anchor position decode failed", slog.String("error", err.Error()))
		} else {
			s.state.AnchorStatic = &pos
			s.emit(ctx, Event{Kind: EventConfigRead, Anchor: &pos})
		}
	}

	if len(missing) > 0 {
		s.emit(ctx, Event{Kind: EventError, Err: fmt.Errorf("%w: missing %v", ErrPartialConfig, missing)})
	}
}

func (s *Session) subscribe(ctx context.Context) error {
	if s.state.Notifying {
		return nil
	}

	sub, err := s.transport.Subscribe(ctx, ChannelLocation)
	if err != nil {
		return fmt.Errorf("subscribing to location updates: %w", err)
	}

	s.notify = sub
	s.state.Notifying = true
	s.state.Connection = StateSubscribed
	s.logger.Info("live updates enabled")
	return nil
}

func (s *Session) unsubscribe() {
	if !s.state.Notifying {
		return
	}
	if err := s.transport.Unsubscribe(ChannelLocation); err != nil {
		s.logger.Warn("unsubscribe failed", slog.String("error", err.Error()))
	}
	s.notify = nil
	s.state.Notifying = false
	if s.state.Connection == StateSubscribed {
		s.state.Connection = StateConfigured
	}
	s.logger.Info("live updates disabled")
}

// handleUpdate decodes one live position record. A malformed frame is
// dropped with a warning; the subscription stays up.
func (s *Session) handleUpdate(ctx context.Context, payload []byte) {
	rec, err := DecodePosition(payload)
	if err != nil {
		s.logger.Warn("dropping malformed position update",
			slog.String("error", err.Error()),
			slog.Int("length", len(payload)))
		return
	}

	s.state.LastPosition = &rec
	s.state.LastUpdate = time.Now()
	s.emit(ctx, Event{Kind: EventPositionUpdated, Position: &rec})
}

func (s *Session) forceDisconnect(ctx context.Context) error {
	if s.state.Connection >= StateConnected {
		if err := s.transport.Write(ctx, ChannelDisconnect, DisconnectRequest, false); err != nil {
			s.logger.Warn("disconnect request write failed", slog.String("error", err.Error()))
		}
	}
	s.teardown(ctx)
	return nil
}

// teardown closes the link and resets the decoded state, keeping the
// identity so the session can reconnect. Safe to call in any state.
func (s *Session) teardown(ctx context.Context) {
	if s.state.Connection == StateDisconnected {
		return
	}

	s.unsubscribe()
	if err := s.transport.Disconnect(); err != nil {
		s.logger.Warn("transport close failed", slog.String("error", err.Error()))
	}

	s.state = State{}
	s.lost = nil
	s.logger.Info("disconnected")
	s.emit(ctx, Event{Kind: EventDisconnected})
}

func (s *Session) emit(ctx context.Context, ev Event) {
	ev.Device = s.identity
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
