package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/trainer"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, HostTinyGo, cfg.Host)
	assert.Equal(t, trainer.ModeHardware, cfg.Mode)
	assert.Equal(t, 30*time.Second, cfg.Scan.StaleTimeout)
	assert.Equal(t, 5*time.Second, cfg.Control.Timeout)
	assert.Equal(t, 20*time.Second, cfg.Control.ConnectTimeout)
	assert.Equal(t, time.Second, cfg.Simulation.Tick)
	assert.True(t, cfg.Gateway.Enabled)
	assert.Equal(t, "127.0.0.1:8765", cfg.Gateway.Addr)
	assert.False(t, cfg.Dashboard.Enabled)
	assert.Empty(t, cfg.Session.ExportDir)
	assert.Equal(t, 10, cfg.Log.MaxSizeMB)
	assert.Equal(t, 220, cfg.Workout.FTP)
	assert.Equal(t, 185, cfg.Workout.MaxHR)
}

func TestLoadFlags(t *testing.T) {
	cfg, err := Load([]string{
		"--host", "mock",
		"--mode", "simulation",
		"--control-timeout", "2s",
		"--gateway-addr", "0.0.0.0:9000",
		"--dashboard",
		"--export-dir", "/tmp/rides",
		"--ftp", "280",
	})
	require.NoError(t, err)

	assert.Equal(t, HostMock, cfg.Host)
	assert.Equal(t, trainer.ModeSimulation, cfg.Mode)
	assert.Equal(t, 2*time.Second, cfg.Control.Timeout)
	assert.Equal(t, "0.0.0.0:9000", cfg.Gateway.Addr)
	assert.True(t, cfg.Dashboard.Enabled)
	assert.Equal(t, "/tmp/rides", cfg.Session.ExportDir)
	assert.Equal(t, 280, cfg.Workout.FTP)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("TRAINER_MODE", "simulation")
	t.Setenv("TRAINER_GATEWAY_ADDR", "127.0.0.1:9999")
	t.Setenv("TRAINER_SIMULATION_TICK", "250ms")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, trainer.ModeSimulation, cfg.Mode)
	assert.Equal(t, "127.0.0.1:9999", cfg.Gateway.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.Simulation.Tick)
}

func TestLoadFlagBeatsEnvironment(t *testing.T) {
	t.Setenv("TRAINER_HOST", "tinygo")

	cfg, err := Load([]string{"--host", "mock"})
	require.NoError(t, err)
	assert.Equal(t, HostMock, cfg.Host)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trainer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
host: mock
connect:
  timeout: 7s
dashboard:
  enabled: true
  preferences_file: /tmp/prefs.json
gateway:
  enabled: false
`), 0o644))

	cfg, err := Load([]string{"--config", path})
	require.NoError(t, err)
	assert.Equal(t, HostMock, cfg.Host)
	assert.Equal(t, 7*time.Second, cfg.Control.ConnectTimeout)
	assert.True(t, cfg.Dashboard.Enabled)
	assert.Equal(t, "/tmp/prefs.json", cfg.Dashboard.PreferencesFile)
	assert.False(t, cfg.Gateway.Enabled)
}

func TestLoadConfigFileFromEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trainer.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mode": "simulation"}`), 0o644))
	t.Setenv("TRAINER_CONFIG", path)

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, trainer.ModeSimulation, cfg.Mode)
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := Load([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoadHelp(t *testing.T) {
	_, err := Load([]string{"--help"})
	assert.True(t, errors.Is(err, pflag.ErrHelp))
}

func TestLoadUnknownFlag(t *testing.T) {
	_, err := Load([]string{"--bogus"})
	assert.Error(t, err)
}

func TestValidateAccumulatesErrors(t *testing.T) {
	_, err := Load([]string{"--host", "usb", "--mode", "race", "--control-timeout", "0s"})
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 3)
	assert.Contains(t, err.Error(), `host must be "tinygo" or "mock", got "usb"`)
	assert.Contains(t, err.Error(), "mode must be")
	assert.Contains(t, err.Error(), "control.timeout must be > 0")
}

func TestValidateWorkoutLimits(t *testing.T) {
	_, err := Load([]string{"--ftp", "10", "--max-hr", "300"})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 2)
}

func TestValidateGatewayAddr(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	cfg.Gateway.Addr = ""
	assert.ErrorContains(t, Validate(&cfg), "gateway.addr is required")

	cfg.Gateway.Addr = "localhost"
	assert.ErrorContains(t, Validate(&cfg), "not host:port")

	cfg.Gateway.Enabled = false
	assert.NoError(t, Validate(&cfg))
}
