package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/qim/pkg/errors"
)

const testYAML = `
server:
  addr: ":9000"
  debug: true
  read_timeout: 5s
  origins:
    - https://a.example
    - https://b.example
rate_limits:
  join-room: 1s
  send-message: 200ms
`

func writeTestConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "qim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	c := New(WithConfigFile(writeTestConfig(t, t.TempDir(), testYAML)))
	require.NoError(t, c.Load())

	assert.Equal(t, ":9000", c.GetString("server.addr"))
	assert.True(t, c.GetBool("server.debug"))
	assert.Equal(t, 5*time.Second, c.GetDuration("server.read_timeout"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, c.GetStringSlice("server.origins"))
	assert.Equal(t, "", c.GetString("missing"))
}

func TestLoadByName(t *testing.T) {
	dir := t.TempDir()
	writeTestConfig(t, dir, testYAML)

	c := New(WithConfigName("qim", dir), WithConfigType("yaml"))
	require.NoError(t, c.Load())
	assert.Equal(t, ":9000", c.GetString("server.addr"))
	assert.Equal(t, filepath.Join(dir, "qim.yaml"), c.ConfigFileUsed())
}

func TestLoadMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")

	err := New(WithConfigFile(missing)).Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigNotFound))

	c := New(WithConfigFile(missing), WithOptionalFile(), WithDefaults(map[string]any{
		"server": map[string]any{"addr": ":8080"},
	}))
	require.NoError(t, c.Load())
	assert.Equal(t, ":8080", c.GetString("server.addr"))
}

func TestLoadNothingConfigured(t *testing.T) {
	err := New().Load()
	assert.True(t, errors.Is(err, ErrConfigNotFound))
	assert.NoError(t, New(WithOptionalFile()).Load())
}

func TestLoadInvalidFile(t *testing.T) {
	c := New(WithConfigFile(writeTestConfig(t, t.TempDir(), "server: [unclosed")))
	err := c.Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigReadFailed))
}

func TestPrecedence(t *testing.T) {
	t.Setenv("QIMTEST_SERVER_ADDR", ":7000")

	c := New(
		WithConfigFile(writeTestConfig(t, t.TempDir(), testYAML)),
		WithEnvPrefix("QIMTEST"),
		WithDefaults(map[string]any{
			"server": map[string]any{"addr": ":1", "write_timeout": "3s"},
		}),
	)
	require.NoError(t, c.Load())

	assert.Equal(t, ":7000", c.GetString("server.addr"), "env wins over file")
	assert.Equal(t, 3*time.Second, c.GetDuration("server.write_timeout"), "default fills gaps")

	c.Set("server.addr", ":6000")
	assert.Equal(t, ":6000", c.GetString("server.addr"))
}

func TestUnmarshal(t *testing.T) {
	c := New(WithConfigFile(writeTestConfig(t, t.TempDir(), testYAML)))
	require.NoError(t, c.Load())

	var out struct {
		Server struct {
			Addr        string        `mapstructure:"addr"`
			ReadTimeout time.Duration `mapstructure:"read_timeout"`
			Origins     []string      `mapstructure:"origins"`
		} `mapstructure:"server"`
		RateLimits map[string]time.Duration `mapstructure:"rate_limits"`
	}
	require.NoError(t, c.Unmarshal(&out))
	assert.Equal(t, ":9000", out.Server.Addr)
	assert.Equal(t, 5*time.Second, out.Server.ReadTimeout)
	assert.Len(t, out.Server.Origins, 2)
	assert.Equal(t, 200*time.Millisecond, out.RateLimits["send-message"])

	var limits map[string]time.Duration
	require.NoError(t, c.UnmarshalKey("rate_limits", &limits))
	assert.Equal(t, time.Second, limits["join-room"])
}

func TestGetGeneric(t *testing.T) {
	c := New(WithConfigFile(writeTestConfig(t, t.TempDir(), testYAML)))
	require.NoError(t, c.Load())

	assert.Equal(t, ":9000", Get[string](c, "server.addr"))
	assert.Equal(t, 0, Get[int](c, "server.addr"))
	assert.True(t, c.IsSet("server.debug"))
	assert.Contains(t, c.AllSettings(), "server")
}

func TestWatchTriggersOnChange(t *testing.T) {
	path := writeTestConfig(t, t.TempDir(), testYAML)

	var changed atomic.Int32
	c := New(WithConfigFile(path), WithAutoWatch(true), WithOnChange(func() {
		changed.Add(1)
	}))
	require.NoError(t, c.Load())
	defer c.Close()
	assert.True(t, c.IsWatching())

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9100\"\n"), 0o644))

	assert.Eventually(t, func() bool {
		return changed.Load() > 0 && c.GetString("server.addr") == ":9100"
	}, 3*time.Second, 20*time.Millisecond)

	c.StopWatch()
	assert.False(t, c.IsWatching())
}

func TestStartWatchWithoutFile(t *testing.T) {
	c := New(WithOptionalFile())
	require.NoError(t, c.Load())
	assert.Error(t, c.StartWatch())
}
