package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/trainer"
)

// ValidationError accumulates every problem found in a Config
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate returns a *ValidationError listing all problems, or nil
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateEngine(cfg, ve)
	validateTimeouts(cfg, ve)
	validateGateway(cfg, ve)
	validateWorkout(cfg, ve)
	validateLog(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateEngine(cfg *Config, ve *ValidationError) {
	switch cfg.Host {
	case HostTinyGo, HostMock:
	default:
		ve.Add("host must be %q or %q, got %q", HostTinyGo, HostMock, cfg.Host)
	}
	if _, err := trainer.ParseMode(string(cfg.Mode)); err != nil {
		ve.Add("mode must be %q or %q: %v", trainer.ModeHardware, trainer.ModeSimulation, err)
	}
}

func validateTimeouts(cfg *Config, ve *ValidationError) {
	if cfg.Scan.StaleTimeout < 0 {
		ve.Add("scan.stale_timeout must be >= 0")
	}
	if cfg.Control.Timeout <= 0 {
		ve.Add("control.timeout must be > 0")
	}
	if cfg.Control.ConnectTimeout <= 0 {
		ve.Add("connect.timeout must be > 0")
	}
	if cfg.Simulation.Tick <= 0 {
		ve.Add("simulation.tick must be > 0")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when the gateway is enabled")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not host:port: %v", cfg.Gateway.Addr, err)
	}
}

func validateWorkout(cfg *Config, ve *ValidationError) {
	if cfg.Workout.FTP < trainer.MinTargetPowerWatts || cfg.Workout.FTP > trainer.MaxTargetPowerWatts {
		ve.Add("workout.ftp must be in [%d, %d]", trainer.MinTargetPowerWatts, trainer.MaxTargetPowerWatts)
	}
	if cfg.Workout.MaxHR < 60 || cfg.Workout.MaxHR > 250 {
		ve.Add("workout.max_hr must be in [60, 250]")
	}
}

func validateLog(cfg *Config, ve *ValidationError) {
	if cfg.Log.File == "" {
		return
	}
	if cfg.Log.MaxSizeMB < 0 || cfg.Log.MaxBackups < 0 || cfg.Log.MaxAgeDays < 0 {
		ve.Add("log rotation limits must be >= 0")
	}
}
