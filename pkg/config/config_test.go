package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nativu5/rdma-write/pkg/connection"
	"github.com/Nativu5/rdma-write/pkg/endpoint"
	"github.com/Nativu5/rdma-write/pkg/verbs"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rdma-write.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, verbs.HardwareProvider, cfg.Provider)
	assert.Equal(t, 1, cfg.IBPort)
	assert.Equal(t, 1, cfg.GIDIndex)
	assert.Equal(t, 1024, cfg.BufferSize)
	assert.Equal(t, 16, cfg.CQDepth)
	assert.Equal(t, 1024, cfg.Connection.PathMTU)
	assert.Equal(t, ":18515", cfg.Listen)
	assert.Equal(t, 2*time.Minute, cfg.Timeout.Duration)
}

func TestDefaultMatchesEndpointAndConnection(t *testing.T) {
	cfg := Default()
	assert.Equal(t, endpoint.DefaultOptions(), cfg.EndpointOptions())

	p, err := cfg.ConnectionParams()
	require.NoError(t, err)
	assert.Equal(t, connection.DefaultParams(), p)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
provider: sim
device: rxe0
gidIndex: 3
bufferSize: 4096
timeout: 30s
watchInterval: 250ms
connection:
  pathMTU: 4096
  sqPSN: 100
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sim", cfg.Provider)
	assert.Equal(t, "rxe0", cfg.Device)
	assert.Equal(t, 3, cfg.GIDIndex)
	assert.Equal(t, 4096, cfg.BufferSize)
	assert.Equal(t, 30*time.Second, cfg.Timeout.Duration)
	assert.Equal(t, 250*time.Millisecond, cfg.WatchInterval.Duration)
	assert.Equal(t, 4096, cfg.Connection.PathMTU)
	assert.Equal(t, uint32(100), cfg.Connection.SQPSN)

	// untouched keys keep their defaults
	assert.Equal(t, 1, cfg.IBPort)
	assert.Equal(t, 16, cfg.CQDepth)
	assert.Equal(t, uint8(7), cfg.Connection.RetryCount)
	assert.True(t, cfg.Connection.Global)
	require.NoError(t, cfg.Validate())
}

func TestLoadDurationInSeconds(t *testing.T) {
	cfg, err := Load(writeConfig(t, "timeout: 5\n"))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Timeout.Duration)
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	_, err := Load(writeConfig(t, "gidIdx: 3\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gidIdx")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "timeout: soon\n"))
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no provider", func(c *Config) { c.Provider = "" }, "provider"},
		{"port zero", func(c *Config) { c.IBPort = 0 }, "ibPort"},
		{"gid index", func(c *Config) { c.GIDIndex = 256 }, "gidIndex"},
		{"buffer", func(c *Config) { c.BufferSize = 0 }, "bufferSize"},
		{"message too long", func(c *Config) { c.BufferSize = 8 }, "does not fit"},
		{"cq depth", func(c *Config) { c.CQDepth = -1 }, "cqDepth"},
		{"capacity", func(c *Config) { c.MaxSendSGE = 0 }, "capacities"},
		{"timeout", func(c *Config) { c.Timeout = Duration{} }, "timeout"},
		{"watch interval", func(c *Config) { c.WatchInterval = Duration{} }, "watchInterval"},
		{"mtu", func(c *Config) { c.Connection.PathMTU = 1500 }, "path MTU"},
		{"psn", func(c *Config) { c.Connection.SQPSN = 1 << 24 }, "24-bit"},
		{"retry", func(c *Config) { c.Connection.RetryCount = 8 }, "retry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Provider = ""
	cfg.CQDepth = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider")
	assert.Contains(t, err.Error(), "cqDepth")
}

func TestConnectionParamsCarryPortAndGID(t *testing.T) {
	cfg := Default()
	cfg.IBPort = 2
	cfg.GIDIndex = 0
	cfg.Connection.PathMTU = 2048

	p, err := cfg.ConnectionParams()
	require.NoError(t, err)
	assert.Equal(t, uint8(2), p.Port)
	assert.Equal(t, uint8(0), p.GIDIndex)
	assert.Equal(t, verbs.MTU2048, p.PathMTU)
}

func TestEndpointOptions(t *testing.T) {
	cfg := Default()
	cfg.Device = "mlx5_0"
	cfg.MaxSendWR = 32

	opts := cfg.EndpointOptions()
	assert.Equal(t, "mlx5_0", opts.DeviceName)
	assert.Equal(t, uint32(32), opts.Cap.MaxSendWR)
	assert.Equal(t, uint32(1), opts.Cap.MaxRecvSGE)
}

func TestDurationJSON(t *testing.T) {
	b, err := json.Marshal(Duration{90 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(b))

	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Duration)

	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
}
