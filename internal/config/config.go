// Package config loads the optional JSON file that configures the tracker's
// link, journal and HTTP server. Every field is optional; the Get* methods
// supply defaults for anything omitted.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/waypoint-counter/internal/serialmux"
)

// ExampleConfigPath is the checked-in example covering every field.
const ExampleConfigPath = "config/tracker.example.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Defaults for omitted fields.
const (
	DefaultPort            = "/dev/ttyACM0"
	DefaultListen          = ":8080"
	DefaultDBPath          = "waypoints.db"
	DefaultSimInterval     = 2 * time.Second
	DefaultSimFirstSeq     = 1
	DefaultSubscriberDepth = serialmux.DefaultSubscriberDepth
)

// TrackerConfig is the root of the config file.
type TrackerConfig struct {
	Port            *string                `json:"port,omitempty"`
	Serial          *serialmux.PortOptions `json:"serial,omitempty"`
	Listen          *string                `json:"listen,omitempty"`
	DBPath          *string                `json:"db_path,omitempty"`
	RequestTimeout  *string                `json:"request_timeout,omitempty"` // duration string like "5s"; "0s" disables
	SubscriberDepth *int                   `json:"subscriber_depth,omitempty"`
	Simulator       *SimulatorConfig       `json:"simulator,omitempty"`
}

// SimulatorConfig configures the dev-mode autopilot.
type SimulatorConfig struct {
	Interval    *string  `json:"interval,omitempty"`
	FirstSeq    *int     `json:"first_seq,omitempty"`
	Waypoints   *int     `json:"waypoints,omitempty"`
	RejectModes []string `json:"reject_modes,omitempty"`
}

// Load reads a TrackerConfig from a JSON file. The file must have a .json
// extension and be under 1MB. Unknown fields are rejected.
func Load(path string) (*TrackerConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	f, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	cfg := &TrackerConfig{}
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields that are set.
func (c *TrackerConfig) Validate() error {
	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}

	if c.RequestTimeout != nil && *c.RequestTimeout != "" {
		d, err := time.ParseDuration(*c.RequestTimeout)
		if err != nil {
			return fmt.Errorf("invalid request_timeout '%s': %w", *c.RequestTimeout, err)
		}
		if d < 0 {
			return fmt.Errorf("request_timeout must be non-negative, got %s", d)
		}
	}

	if c.SubscriberDepth != nil && *c.SubscriberDepth < 1 {
		return fmt.Errorf("subscriber_depth must be positive, got %d", *c.SubscriberDepth)
	}

	if s := c.Simulator; s != nil {
		if s.Interval != nil && *s.Interval != "" {
			d, err := time.ParseDuration(*s.Interval)
			if err != nil {
				return fmt.Errorf("invalid simulator.interval '%s': %w", *s.Interval, err)
			}
			if d <= 0 {
				return fmt.Errorf("simulator.interval must be positive, got %s", d)
			}
		}
		if s.Waypoints != nil && *s.Waypoints < 0 {
			return fmt.Errorf("simulator.waypoints must be non-negative, got %d", *s.Waypoints)
		}
	}
	return nil
}

func (c *TrackerConfig) GetPort() string {
	if c.Port != nil && *c.Port != "" {
		return *c.Port
	}
	return DefaultPort
}

// GetSerial returns normalised port options.
func (c *TrackerConfig) GetSerial() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	if n, err := opts.Normalize(); err == nil {
		return n
	}
	// Validate rejects bad options, so this only happens for hand-built configs
	n, _ := serialmux.PortOptions{}.Normalize()
	return n
}

func (c *TrackerConfig) GetListen() string {
	if c.Listen != nil {
		return *c.Listen
	}
	return DefaultListen
}

func (c *TrackerConfig) GetDBPath() string {
	if c.DBPath != nil {
		return *c.DBPath
	}
	return DefaultDBPath
}

// GetRequestTimeout returns zero, meaning no timeout, unless configured.
func (c *TrackerConfig) GetRequestTimeout() time.Duration {
	if c.RequestTimeout != nil && *c.RequestTimeout != "" {
		if d, err := time.ParseDuration(*c.RequestTimeout); err == nil && d > 0 {
			return d
		}
	}
	return 0
}

func (c *TrackerConfig) GetSubscriberDepth() int {
	if c.SubscriberDepth != nil && *c.SubscriberDepth > 0 {
		return *c.SubscriberDepth
	}
	return DefaultSubscriberDepth
}

func (c *TrackerConfig) GetSimInterval() time.Duration {
	if s := c.Simulator; s != nil && s.Interval != nil && *s.Interval != "" {
		if d, err := time.ParseDuration(*s.Interval); err == nil && d > 0 {
			return d
		}
	}
	return DefaultSimInterval
}

func (c *TrackerConfig) GetSimFirstSeq() int {
	if s := c.Simulator; s != nil && s.FirstSeq != nil {
		return *s.FirstSeq
	}
	return DefaultSimFirstSeq
}

// GetSimWaypoints returns how many waypoints the simulator flies; zero means
// it never stops.
func (c *TrackerConfig) GetSimWaypoints() int {
	if s := c.Simulator; s != nil && s.Waypoints != nil {
		return *s.Waypoints
	}
	return 0
}

func (c *TrackerConfig) GetSimRejectModes() []string {
	if c.Simulator == nil {
		return nil
	}
	return c.Simulator.RejectModes
}
