package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/waypoint-counter/internal/serialmux"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := &TrackerConfig{}

	assert.Equal(t, DefaultPort, cfg.GetPort())
	assert.Equal(t, serialmux.PortOptions{BaudRate: 57600, DataBits: 8, StopBits: 1, Parity: "N"}, cfg.GetSerial())
	assert.Equal(t, ":8080", cfg.GetListen())
	assert.Equal(t, "waypoints.db", cfg.GetDBPath())
	assert.Equal(t, time.Duration(0), cfg.GetRequestTimeout())
	assert.Equal(t, 64, cfg.GetSubscriberDepth())
	assert.Equal(t, 2*time.Second, cfg.GetSimInterval())
	assert.Equal(t, 1, cfg.GetSimFirstSeq())
	assert.Equal(t, 0, cfg.GetSimWaypoints())
	assert.Nil(t, cfg.GetSimRejectModes())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, "tracker.json", `{
  "port": "/dev/ttyUSB3",
  "serial": {"baud_rate": 115200, "parity": "even"},
  "listen": "",
  "db_path": "/var/lib/tracker/journal.db",
  "request_timeout": "5s",
  "simulator": {"interval": "250ms", "first_seq": 0, "waypoints": 12, "reject_modes": ["RTL"]}
}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB3", cfg.GetPort())
	assert.Equal(t, serialmux.PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "E"}, cfg.GetSerial())
	assert.Equal(t, "", cfg.GetListen(), "empty listen disables HTTP")
	assert.Equal(t, "/var/lib/tracker/journal.db", cfg.GetDBPath())
	assert.Equal(t, 5*time.Second, cfg.GetRequestTimeout())
	assert.Equal(t, 250*time.Millisecond, cfg.GetSimInterval())
	assert.Equal(t, 0, cfg.GetSimFirstSeq())
	assert.Equal(t, 12, cfg.GetSimWaypoints())
	assert.Equal(t, []string{"RTL"}, cfg.GetSimRejectModes())
}

func TestLoad_Partial(t *testing.T) {
	cfg, err := Load(writeConfig(t, "partial.json", `{"listen": ":9090"}`))
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.GetListen())
	assert.Equal(t, DefaultPort, cfg.GetPort())
	assert.Equal(t, DefaultDBPath, cfg.GetDBPath())
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"wrong extension", "tracker.yaml", `{}`, ".json extension"},
		{"bad json", "bad.json", `{"port":`, "failed to parse config JSON"},
		{"unknown field", "unknown.json", `{"baud": 9600}`, "unknown field"},
		{"bad timeout", "timeout.json", `{"request_timeout": "soon"}`, "invalid request_timeout"},
		{"negative timeout", "neg.json", `{"request_timeout": "-1s"}`, "must be non-negative"},
		{"bad parity", "parity.json", `{"serial": {"parity": "mark"}}`, "unsupported parity"},
		{"zero depth", "depth.json", `{"subscriber_depth": 0}`, "subscriber_depth"},
		{"zero interval", "interval.json", `{"simulator": {"interval": "0s"}}`, "simulator.interval"},
		{"negative waypoints", "wps.json", `{"simulator": {"waypoints": -2}}`, "simulator.waypoints"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_TooLarge(t *testing.T) {
	body := `{"port": "` + strings.Repeat("x", maxFileSize) + `"}`
	_, err := Load(writeConfig(t, "big.json", body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoad_Example(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", ExampleConfigPath))
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", cfg.GetPort())
	assert.Equal(t, time.Duration(0), cfg.GetRequestTimeout())
}
