package app

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roman-kulish/uwb-tracking/internal/dwm"
)

const (
	TransportBLE    TransportType = "ble"
	TransportSerial TransportType = "serial"
)

type TransportType string

const (
	RoleTag    = "tag"
	RoleAnchor = "anchor"
)

// Config represents the main application configuration
type Config struct {
	Settings Settings       `yaml:"settings"`
	Network  NetworkConfig  `yaml:"network"`
	Devices  []DeviceConfig `yaml:"devices"`
	Storage  StorageConfig  `yaml:"storage"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Serial   SerialConfig   `yaml:"serial"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel         string  `yaml:"logLevel"`
	LivenessInterval float64 `yaml:"livenessInterval"` // seconds
	FlushInterval    float64 `yaml:"flushInterval"`    // seconds
}

// Level parses the configured log level, defaulting to info.
func (s Settings) Level() (slog.Level, error) {
	if s.LogLevel == "" {
		return slog.LevelInfo, nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return 0, fmt.Errorf("parsing log level %q: %w", s.LogLevel, err)
	}
	return level, nil
}

// NetworkConfig represents ranging network settings shared by all devices
type NetworkConfig struct {
	PanID string `yaml:"panId"`
}

// Pan parses the configured network identifier. Accepts decimal and 0x
// prefixed hexadecimal. Returns ok false when no PAN ID is configured.
func (n NetworkConfig) Pan() (pan dwm.PanID, ok bool, err error) {
	if n.PanID == "" {
		return dwm.PanID{}, false, nil
	}

	s, base := n.PanID, 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}

	value, err := strconv.ParseUint(s, base, 16)
	if err != nil {
		return dwm.PanID{}, false, fmt.Errorf("parsing PAN ID %q: %w", n.PanID, err)
	}
	return dwm.PanID{Value: uint16(value)}, true, nil
}

// DeviceConfig represents a single device configuration
type DeviceConfig struct {
	ID        int                   `yaml:"id"`
	Label     string                `yaml:"label"`
	Address   string                `yaml:"address"`
	Transport TransportType         `yaml:"transport"`
	Role      string                `yaml:"role"`
	Enabled   bool                  `yaml:"enabled"`
	Anchor    *AnchorPositionConfig `yaml:"anchorPosition"`
}

// AnchorPositionConfig is the surveyed static position of an anchor,
// millimetres in the site coordinate frame.
type AnchorPositionConfig struct {
	X       int32 `yaml:"x"`
	Y       int32 `yaml:"y"`
	Z       int32 `yaml:"z"`
	Quality uint8 `yaml:"quality"`
}

// StorageConfig represents storage settings
type StorageConfig struct {
	DataDirectory string `yaml:"dataDirectory"`
	MaxBatchSize  int    `yaml:"maxBatchSize"`
}

// MQTTConfig represents position publishing settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"brokerUrl"`
	ClientID    string `yaml:"clientId"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topicPrefix"`
	QoS         uint8  `yaml:"qos"`
}

// SerialConfig represents shell timing overrides, milliseconds. Zero
// values keep the transport defaults.
type SerialConfig struct {
	CharDelay    int `yaml:"charDelay"`
	CommandDelay int `yaml:"commandDelay"`
	WakeDelay    int `yaml:"wakeDelay"`
	RebootDelay  int `yaml:"rebootDelay"`
}

// LoadConfig reads and validates the application configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err = config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	if _, err := c.Settings.Level(); err != nil {
		return err
	}
	if _, _, err := c.Network.Pan(); err != nil {
		return err
	}

	var enabled int
	seen := make(map[int]string, len(c.Devices))
	for i, device := range c.Devices {
		if device.Label == "" {
			return fmt.Errorf("device %d: missing label", i)
		}
		if device.Address == "" {
			return fmt.Errorf("device %q: missing address", device.Label)
		}
		if prev, ok := seen[device.ID]; ok {
			return fmt.Errorf("device %q: ID %d already used by %q", device.Label, device.ID, prev)
		}
		seen[device.ID] = device.Label

		switch device.Transport {
		case TransportBLE, TransportSerial:
		default:
			return fmt.Errorf("device %q: unknown transport '%s'", device.Label, device.Transport)
		}

		switch device.Role {
		case "", RoleTag, RoleAnchor:
		default:
			return fmt.Errorf("device %q: unknown role '%s'", device.Label, device.Role)
		}

		if device.Anchor != nil {
			if device.Role != RoleAnchor {
				return fmt.Errorf("device %q: anchor position configured for a non-anchor", device.Label)
			}
			if device.Anchor.Quality > 100 {
				return fmt.Errorf("device %q: anchor position quality %d exceeds 100", device.Label, device.Anchor.Quality)
			}
		}

		if device.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no devices enabled in configuration")
	}

	if c.MQTT.Enabled {
		if c.MQTT.BrokerURL == "" {
			return fmt.Errorf("mqtt enabled without a broker URL")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt QoS %d out of range", c.MQTT.QoS)
		}
	}

	return nil
}
