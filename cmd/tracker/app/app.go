package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roman-kulish/uwb-tracking/internal/dwm"
	"github.com/roman-kulish/uwb-tracking/internal/publish"
	"github.com/roman-kulish/uwb-tracking/internal/storage"
	"github.com/roman-kulish/uwb-tracking/internal/transport/blegatt"
	"github.com/roman-kulish/uwb-tracking/internal/transport/serialshell"
)

const storageDir = "data"

// Run wires storage, publishing and device supervision together and
// blocks until the context is cancelled.
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	store, err := createStorage(&config.Storage)
	if err != nil {
		return fmt.Errorf("creating storage: %w", err)
	}
	defer store.Close()

	collectorOptions := []func(*Collector){}
	if config.Storage.MaxBatchSize > 0 {
		collectorOptions = append(collectorOptions, WithMaxBatchSize(config.Storage.MaxBatchSize))
	}
	if config.Settings.FlushInterval > 0 {
		collectorOptions = append(collectorOptions, WithFlushInterval(secondsToDuration(config.Settings.FlushInterval)))
	}
	if config.Settings.LivenessInterval > 0 {
		collectorOptions = append(collectorOptions, WithLivenessInterval(secondsToDuration(config.Settings.LivenessInterval)))
	}

	if config.MQTT.Enabled {
		publisher, err := publish.New(publish.Config{
			BrokerURL:   config.MQTT.BrokerURL,
			ClientID:    config.MQTT.ClientID,
			Username:    config.MQTT.Username,
			Password:    config.MQTT.Password,
			TopicPrefix: config.MQTT.TopicPrefix,
			QoS:         config.MQTT.QoS,
		}, publish.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("creating publisher: %w", err)
		}
		defer publisher.Close()

		collectorOptions = append(collectorOptions, WithPublisher(publisher))
	}

	collector := NewCollector(store, logger, collectorOptions...)
	supervisor := dwm.NewSupervisor(dwm.WithLogger(logger))

	if err = registerDevices(ctx, config, supervisor, collector, store, logger); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- supervisor.Run(runCtx)
	}()

	if err = supervisor.ConnectAll(runCtx); err != nil {
		// Unreachable devices are retried by the supervisor once their
		// transports come back; a cold start with absent hardware is not
		// fatal.
		logger.Warn("some devices failed to connect", slog.Any("error", err))
	}

	collector.Run(runCtx, supervisor)

	if err = <-done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func registerDevices(ctx context.Context, config *Config, supervisor *dwm.Supervisor, collector *Collector, store storage.Store, logger *slog.Logger) error {
	pan, havePan, err := config.Network.Pan()
	if err != nil {
		return err
	}

	var registered int
	for _, deviceConfig := range config.Devices {
		if !deviceConfig.Enabled {
			continue
		}

		identity := dwm.DeviceIdentity{
			ID:      deviceConfig.ID,
			Label:   deviceConfig.Label,
			Address: deviceConfig.Address,
		}

		transport := createTransport(&deviceConfig, &config.Serial, logger)
		if err = supervisor.Register(identity, transport); err != nil {
			return fmt.Errorf("registering device: %w", err)
		}

		sessionID, err := store.CreateSession(ctx, identity.Label, identity.Address, string(deviceConfig.Transport))
		if err != nil {
			return fmt.Errorf("creating session for device %s: %w", identity.Label, err)
		}

		collector.Track(identity, deviceIntentFor(&deviceConfig, pan, havePan), sessionID)
		registered++
	}

	if registered == 0 {
		return fmt.Errorf("no devices enabled in configuration")
	}
	return nil
}

func createTransport(deviceConfig *DeviceConfig, serialConfig *SerialConfig, logger *slog.Logger) dwm.Transport {
	if deviceConfig.Transport == TransportSerial {
		options := []func(*serialshell.Transport){serialshell.WithLogger(logger)}
		if serialConfig.CharDelay > 0 {
			options = append(options, serialshell.WithCharDelay(millisToDuration(serialConfig.CharDelay)))
		}
		if serialConfig.CommandDelay > 0 || serialConfig.WakeDelay > 0 || serialConfig.RebootDelay > 0 {
			options = append(options, serialshell.WithTimings(
				millisOrDefault(serialConfig.CommandDelay),
				millisOrDefault(serialConfig.WakeDelay),
				millisOrDefault(serialConfig.RebootDelay)))
		}
		return serialshell.New(deviceConfig.Address, options...)
	}

	return blegatt.New(deviceConfig.Address, blegatt.WithLogger(logger))
}

func deviceIntentFor(deviceConfig *DeviceConfig, pan dwm.PanID, havePan bool) deviceIntent {
	var intent deviceIntent

	switch deviceConfig.Role {
	case RoleTag:
		role := dwm.RoleTag
		intent.role = &role
	case RoleAnchor:
		role := dwm.RoleAnchor
		intent.role = &role
	}

	if havePan {
		intent.pan = &pan
	}

	if deviceConfig.Anchor != nil {
		intent.anchor = &dwm.AnchorStaticPosition{
			X:       deviceConfig.Anchor.X,
			Y:       deviceConfig.Anchor.Y,
			Z:       deviceConfig.Anchor.Z,
			Quality: deviceConfig.Anchor.Quality,
		}
	}

	return intent
}

func createStorage(config *StorageConfig) (storage.Store, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current working directory: %w", err)
	}

	var dbPath string
	if config.DataDirectory != "" {
		dbPath = filepath.Join(wd, config.DataDirectory)
	} else {
		dbPath = filepath.Join(wd, storageDir)
	}

	stat, err := os.Stat(dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage directory '%s': %w", dbPath, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("invalid storage directory '%s'", dbPath)
	}

	dbPath = filepath.Join(dbPath, fmt.Sprintf("uwb_session_%s.sqlite", time.Now().UTC().Format("20060102_150405")))
	return storage.NewSqliteStore(dbPath), nil
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func millisToDuration(millis int) time.Duration {
	return time.Duration(millis) * time.Millisecond
}

// millisOrDefault maps an unset timing override to the sentinel that keeps
// the transport default.
func millisOrDefault(millis int) time.Duration {
	if millis <= 0 {
		return -1
	}
	return millisToDuration(millis)
}
