package dwm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const defaultRetryInterval = time.Second

// WithLogger sets the logger for the supervisor. Sessions created through
// Register inherit it.
func WithLogger(logger *slog.Logger) func(*Supervisor) {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithRetryInterval overrides the poll interval of the reconnection loop.
func WithRetryInterval(d time.Duration) func(*Supervisor) {
	return func(s *Supervisor) {
		s.retryInterval = d
	}
}

// WithSessionOptions passes extra options to every session the supervisor
// creates.
func WithSessionOptions(options ...func(*Session)) func(*Supervisor) {
	return func(s *Supervisor) {
		s.sessionOptions = options
	}
}

// DeviceStatus is one device's entry in the supervisor's liveness snapshot.
type DeviceStatus struct {
	Identity  DeviceIdentity
	State     State
	LastEvent time.Time
}

// Supervisor owns the registry of device sessions, exposes per-device
// operations to presentation layers, fans session events out to a single
// consumer, and reconnects transports that report unsolicited loss.
type Supervisor struct {
	logger         *slog.Logger
	retryInterval  time.Duration
	sessionOptions []func(*Session)

	sessions   map[int]*Session
	transports map[int]Transport
	roster     []DeviceIdentity

	in  chan Event
	out chan Event

	mu        sync.Mutex
	retrying  map[int]context.CancelFunc
	lastEvent map[int]time.Time

	wg sync.WaitGroup
}

// NewSupervisor creates an empty supervisor. Devices are added with
// Register before Run is called.
func NewSupervisor(options ...func(*Supervisor)) *Supervisor {
	s := Supervisor{
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		retryInterval: defaultRetryInterval,
		sessions:      make(map[int]*Session),
		transports:    make(map[int]Transport),
		in:            make(chan Event),
		out:           make(chan Event, 64),
		retrying:      make(map[int]context.CancelFunc),
		lastEvent:     make(map[int]time.Time),
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// Register creates a session for the identity, bound to the given
// transport. The transport must not be shared with any other session.
func (s *Supervisor) Register(identity DeviceIdentity, transport Transport) error {
	if _, ok := s.sessions[identity.ID]; ok {
		return fmt.Errorf("device %d (%s) already registered", identity.ID, identity.Label)
	}

	options := append([]func(*Session){WithSessionLogger(s.logger)}, s.sessionOptions...)
	s.sessions[identity.ID] = NewSession(identity, transport, s.in, options...)
	s.transports[identity.ID] = transport
	s.roster = append(s.roster, identity)
	return nil
}

// Events returns the channel on which all session events are delivered.
// It is closed when Run returns.
func (s *Supervisor) Events() <-chan Event {
	return s.out
}

// Run starts every registered session and pumps their events until the
// context is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.sessions) == 0 {
		return fmt.Errorf("no devices registered")
	}

	for _, session := range s.sessions {
		s.wg.Add(1)
		go func(session *Session) {
			defer s.wg.Done()
			session.Run(ctx)
		}(session)
	}

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			close(s.out)
			return ctx.Err()

		case ev := <-s.in:
			s.observe(ctx, ev)
			select {
			case s.out <- ev:
			case <-ctx.Done():
			}
		}
	}
}

// observe updates liveness bookkeeping and schedules reconnection when a
// session reports unsolicited transport loss.
func (s *Supervisor) observe(ctx context.Context, ev Event) {
	s.mu.Lock()
	s.lastEvent[ev.Device.ID] = ev.Time
	s.mu.Unlock()

	if ev.Kind == EventError && errors.Is(ev.Err, ErrTransportClosed) {
		s.scheduleReconnect(ctx, ev.Device)
	}
}

// scheduleReconnect starts the bounded-interval retry loop for a device
// whose transport supports availability polling. The loop retries forever
// until the link is back or the device is explicitly disconnected.
func (s *Supervisor) scheduleReconnect(ctx context.Context, identity DeviceIdentity) {
	transport, ok := s.transports[identity.ID].(Reconnectable)
	if !ok {
		return
	}

	s.mu.Lock()
	if _, running := s.retrying[identity.ID]; running {
		s.mu.Unlock()
		return
	}
	retryCtx, cancel := context.WithCancel(ctx)
	s.retrying[identity.ID] = cancel
	s.mu.Unlock()

	session := s.sessions[identity.ID]
	logger := s.logger.With(slog.String("device", identity.Label))
	logger.Info("transport lost, polling for availability")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.clearReconnect(identity.ID)

		ticker := time.NewTicker(s.retryInterval)
		defer ticker.Stop()

		for {
			select {
			case <-retryCtx.Done():
				return
			case <-ticker.C:
			}

			if !transport.Available() {
				continue
			}

			// Replay the full configuration sequence from scratch; the
			// node's state did not necessarily survive the outage.
			if err := session.Connect(retryCtx); err != nil {
				logger.Warn("reconnect attempt failed", slog.String("error", err.Error()))
				continue
			}

			logger.Info("reconnected")
			return
		}
	}()
}

func (s *Supervisor) clearReconnect(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.retrying[id]; ok {
		cancel()
		delete(s.retrying, id)
	}
}

func (s *Supervisor) session(id int) (*Session, error) {
	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("unknown device %d", id)
	}
	return session, nil
}

// Connect connects one device. Any pending reconnection loop is replaced
// by the caller's explicit attempt.
func (s *Supervisor) Connect(ctx context.Context, id int) error {
	session, err := s.session(id)
	if err != nil {
		return err
	}
	s.clearReconnect(id)
	return session.Connect(ctx)
}

// ConnectAll connects every registered device, in roster order. Failures
// are collected; a failing device does not block the others' attempts.
func (s *Supervisor) ConnectAll(ctx context.Context) error {
	var errs []error
	for _, identity := range s.roster {
		if err := s.Connect(ctx, identity.ID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", identity.Label, err))
		}
	}
	return errors.Join(errs...)
}

// Disconnect disconnects one device and cancels its reconnection loop.
func (s *Supervisor) Disconnect(ctx context.Context, id int) error {
	session, err := s.session(id)
	if err != nil {
		return err
	}
	s.clearReconnect(id)
	return session.Disconnect(ctx)
}

// SetRole applies a role change to one device. The session disconnects
// afterwards; reconnecting is the caller's decision.
func (s *Supervisor) SetRole(ctx context.Context, id int, role Role) error {
	session, err := s.session(id)
	if err != nil {
		return err
	}
	return session.SetRole(ctx, role)
}

// WritePanID writes the network identifier of one device.
func (s *Supervisor) WritePanID(ctx context.Context, id int, pan PanID) error {
	session, err := s.session(id)
	if err != nil {
		return err
	}
	return session.WritePanID(ctx, pan)
}

// WriteAnchorPosition writes the static position of one anchor device.
func (s *Supervisor) WriteAnchorPosition(ctx context.Context, id int, pos AnchorStaticPosition) error {
	session, err := s.session(id)
	if err != nil {
		return err
	}
	return session.WriteAnchorPosition(ctx, pos)
}

// SetLiveUpdates toggles live position delivery for one device.
func (s *Supervisor) SetLiveUpdates(ctx context.Context, id int, enabled bool) error {
	session, err := s.session(id)
	if err != nil {
		return err
	}
	return session.SetLiveUpdates(ctx, enabled)
}

// RefreshConfig forces one device to reload its persisted settings.
func (s *Supervisor) RefreshConfig(ctx context.Context, id int) error {
	session, err := s.session(id)
	if err != nil {
		return err
	}
	return session.RefreshConfig(ctx)
}

// Snapshot reports the current state of every device in roster order.
func (s *Supervisor) Snapshot() []DeviceStatus {
	statuses := make([]DeviceStatus, 0, len(s.roster))

	s.mu.Lock()
	seen := make(map[int]time.Time, len(s.lastEvent))
	for id, t := range s.lastEvent {
		seen[id] = t
	}
	s.mu.Unlock()

	for _, identity := range s.roster {
		statuses = append(statuses, DeviceStatus{
			Identity:  identity,
			State:     s.sessions[identity.ID].State(),
			LastEvent: seen[identity.ID],
		})
	}
	return statuses
}
