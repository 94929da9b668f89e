package app

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/uwb-tracking/internal/dwm"
	"github.com/roman-kulish/uwb-tracking/internal/publish"
	"github.com/roman-kulish/uwb-tracking/internal/storage"
)

const (
	maxBatchSize            = 100
	defaultFlushInterval    = time.Second
	defaultLivenessInterval = 30 * time.Second
)

// WithMaxBatchSize sets the maximum batch size of collected position fixes
// to store within a single database transaction.
func WithMaxBatchSize(size int) func(*Collector) {
	return func(c *Collector) {
		c.maxBatchSize = size
	}
}

// WithPublisher sets the MQTT publisher for live position fan-out.
func WithPublisher(publisher *publish.Publisher) func(*Collector) {
	return func(c *Collector) {
		c.publisher = publisher
	}
}

// WithFlushInterval overrides how often buffered fixes are written out.
func WithFlushInterval(d time.Duration) func(*Collector) {
	return func(c *Collector) {
		c.flushInterval = d
	}
}

// WithLivenessInterval overrides how often the device status report is
// logged.
func WithLivenessInterval(d time.Duration) func(*Collector) {
	return func(c *Collector) {
		c.livenessInterval = d
	}
}

// deviceIntent is the desired persisted configuration of one device,
// reconciled against what the node reports after each connect.
type deviceIntent struct {
	role   *dwm.Role
	pan    *dwm.PanID
	anchor *dwm.AnchorStaticPosition
}

// Collector consumes supervision events, persists position fixes in
// batches, optionally fans them out over MQTT, and reconciles each
// device's persisted settings with the configured intent.
type Collector struct {
	logger    *slog.Logger
	store     storage.Store
	publisher *publish.Publisher

	maxBatchSize     int
	flushInterval    time.Duration
	livenessInterval time.Duration

	sessions map[int]int64
	intents  map[int]deviceIntent
	pending  map[int][]storage.TimedPosition

	wg sync.WaitGroup
}

// NewCollector creates a new Collector
func NewCollector(store storage.Store, logger *slog.Logger, options ...func(*Collector)) *Collector {
	c := Collector{
		logger:           logger,
		store:            store,
		maxBatchSize:     maxBatchSize,
		flushInterval:    defaultFlushInterval,
		livenessInterval: defaultLivenessInterval,
		sessions:         make(map[int]int64),
		intents:          make(map[int]deviceIntent),
		pending:          make(map[int][]storage.TimedPosition),
	}

	for _, option := range options {
		option(&c)
	}

	return &c
}

// Track registers the storage session and configuration intent for one
// device. Must be called before Run.
func (c *Collector) Track(identity dwm.DeviceIdentity, intent deviceIntent, sessionID int64) {
	c.sessions[identity.ID] = sessionID
	c.intents[identity.ID] = intent
}

// Run consumes events from the supervisor until its event channel closes.
// Buffered fixes are flushed on exit.
func (c *Collector) Run(ctx context.Context, sup *dwm.Supervisor) {
	flush := time.NewTicker(c.flushInterval)
	defer flush.Stop()

	liveness := time.NewTicker(c.livenessInterval)
	defer liveness.Stop()

	for {
		select {
		case ev, ok := <-sup.Events():
			if !ok {
				c.wg.Wait()
				c.flushAll(context.WithoutCancel(ctx))
				return
			}
			c.handleEvent(ctx, sup, ev)

		case <-flush.C:
			c.flushAll(ctx)

		case <-liveness.C:
			c.reportLiveness(sup)
		}
	}
}

func (c *Collector) handleEvent(ctx context.Context, sup *dwm.Supervisor, ev dwm.Event) {
	logger := c.logger.With(slog.String("device", ev.Device.Label))

	switch ev.Kind {
	case dwm.EventPositionUpdated:
		if ev.Position == nil {
			return
		}
		if c.publisher != nil {
			if err := c.publisher.Publish(ev.Device.ID, ev.Time, *ev.Position); err != nil {
				logger.Warn("publishing position", slog.Any("error", err))
			}
		}
		c.pending[ev.Device.ID] = append(c.pending[ev.Device.ID], storage.TimedPosition{
			At:     ev.Time,
			Record: *ev.Position,
		})
		if len(c.pending[ev.Device.ID]) >= c.maxBatchSize {
			c.flushDevice(ctx, ev.Device.ID)
		}

	case dwm.EventConfigRead:
		c.reconcile(ctx, sup, ev)

	case dwm.EventConnected:
		logger.Info("device connected")

	case dwm.EventDisconnected:
		logger.Info("device disconnected")

	case dwm.EventError:
		logger.Warn("device error", slog.Any("error", ev.Err))
	}
}

// reconcile pushes the configured role, network ID and anchor position to
// a device whose reported settings differ. Config reads carry one setting
// each, so only the setting the event reports is compared; a nil field
// means "not reported", never "drifted". A role change drops the
// connection, so it is applied alone and the device reconnected; the
// remaining settings reconcile on the next config read.
func (c *Collector) reconcile(ctx context.Context, sup *dwm.Supervisor, ev dwm.Event) {
	intent, ok := c.intents[ev.Device.ID]
	if !ok {
		return
	}

	logger := c.logger.With(slog.String("device", ev.Device.Label))

	var op func(context.Context) error
	switch {
	case ev.Mode != nil && intent.role != nil && ev.Mode.Role != *intent.role:
		role := *intent.role
		op = func(ctx context.Context) error {
			logger.Info("switching role", slog.String("role", role.String()))
			if err := sup.SetRole(ctx, ev.Device.ID, role); err != nil {
				return err
			}
			return sup.Connect(ctx, ev.Device.ID)
		}

	case ev.Pan != nil && intent.pan != nil && *ev.Pan != *intent.pan:
		pan := *intent.pan
		op = func(ctx context.Context) error {
			logger.Info("writing network ID", slog.String("panId", pan.String()))
			return sup.WritePanID(ctx, ev.Device.ID, pan)
		}

	case ev.Anchor != nil && intent.anchor != nil && *ev.Anchor != *intent.anchor:
		anchor := *intent.anchor
		op = func(ctx context.Context) error {
			logger.Info("writing anchor position")
			return sup.WriteAnchorPosition(ctx, ev.Device.ID, anchor)
		}

	default:
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := op(ctx); err != nil {
			logger.Error("applying device settings", slog.Any("error", err))
		}
	}()
}

func (c *Collector) flushAll(ctx context.Context) {
	for id := range c.pending {
		c.flushDevice(ctx, id)
	}
}

func (c *Collector) flushDevice(ctx context.Context, id int) {
	batch := c.pending[id]
	if len(batch) == 0 {
		return
	}
	c.pending[id] = nil

	sessionID := c.sessions[id]
	for chunk := range slices.Chunk(batch, c.maxBatchSize) {
		if err := c.store.StorePositionBatch(ctx, sessionID, chunk); err != nil {
			c.logger.Error(fmt.Sprintf("storing positions: %s", err))
		}
	}
}

func (c *Collector) reportLiveness(sup *dwm.Supervisor) {
	for _, status := range sup.Snapshot() {
		lastSeen := "never"
		if !status.LastEvent.IsZero() {
			lastSeen = humanize.Time(status.LastEvent)
		}

		c.logger.Info("device status",
			slog.String("device", status.Identity.Label),
			slog.String("state", status.State.Connection.String()),
			slog.Bool("notifying", status.State.Notifying),
			slog.String("lastSeen", lastSeen))
	}
}
