package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/logging"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/trainer"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/workout"
)

// Host selects the Bluetooth host implementation
const (
	HostTinyGo = "tinygo"
	HostMock   = "mock"
)

// EnvPrefix prefixes every environment override: gateway.addr is read from
// TRAINER_GATEWAY_ADDR
const EnvPrefix = "TRAINER"

// Config is the top-level application configuration
type Config struct {
	Host string
	Mode trainer.Mode

	Scan       ScanConfig
	Control    ControlConfig
	Simulation SimulationConfig
	Gateway    GatewayConfig
	Dashboard  DashboardConfig
	Session    SessionConfig
	Workout    WorkoutConfig
	Log        logging.Config
}

type ScanConfig struct {
	// StaleTimeout drops a discovered device from the dashboard when it has
	// not been advertised for this long
	StaleTimeout time.Duration
}

type ControlConfig struct {
	Timeout        time.Duration
	ConnectTimeout time.Duration
}

type SimulationConfig struct {
	Tick time.Duration
}

type GatewayConfig struct {
	Enabled bool
	Addr    string
}

type DashboardConfig struct {
	Enabled bool

	// PreferencesFile remembers the device of each slot; empty means
	// ~/.trainer-engine/dashboard.json
	PreferencesFile string
}

type WorkoutConfig struct {
	// FTP in watts scales power blocks; MaxHR in bpm scales heart rate blocks
	FTP   int
	MaxHR int
}

type SessionConfig struct {
	// ExportDir receives a FIT file per stopped session; empty disables export
	ExportDir string
}

const (
	keyHost                = "host"
	keyMode                = "mode"
	keyScanStaleTimeout    = "scan.stale_timeout"
	keyControlTimeout      = "control.timeout"
	keyConnectTimeout      = "connect.timeout"
	keySimulationTick      = "simulation.tick"
	keyGatewayEnabled      = "gateway.enabled"
	keyGatewayAddr         = "gateway.addr"
	keyDashboardEnabled    = "dashboard.enabled"
	keyDashboardPrefsFile  = "dashboard.preferences_file"
	keySessionExportDir    = "session.export_dir"
	keyWorkoutFTP          = "workout.ftp"
	keyWorkoutMaxHR        = "workout.max_hr"
	keyLogFile             = "log.file"
	keyLogMaxSizeMB        = "log.max_size_mb"
	keyLogMaxBackups       = "log.max_backups"
	keyLogMaxAgeDays       = "log.max_age_days"
	keyLogCompress         = "log.compress"
	keyLogStderr           = "log.stderr"
	flagConfig             = "config"
	defaultGatewayAddr     = "127.0.0.1:8765"
	defaultControlTimeout  = 5 * time.Second
	defaultConnectTimeout  = 20 * time.Second
	defaultStaleTimeout    = 30 * time.Second
	defaultSimulationTick  = time.Second
	defaultLogMaxSizeMB    = 10
	defaultLogMaxBackups   = 3
	defaultLogMaxAgeDays   = 28
	configFileEnvVariable  = EnvPrefix + "_CONFIG"
	defaultConfigFileUsage = "config file (yaml, toml or json); also " + configFileEnvVariable
)

func setDefaults(v *viper.Viper) {
	v.SetDefault(keyHost, HostTinyGo)
	v.SetDefault(keyMode, string(trainer.ModeHardware))
	v.SetDefault(keyScanStaleTimeout, defaultStaleTimeout)
	v.SetDefault(keyControlTimeout, defaultControlTimeout)
	v.SetDefault(keyConnectTimeout, defaultConnectTimeout)
	v.SetDefault(keySimulationTick, defaultSimulationTick)
	v.SetDefault(keyGatewayEnabled, true)
	v.SetDefault(keyGatewayAddr, defaultGatewayAddr)
	v.SetDefault(keyDashboardEnabled, false)
	v.SetDefault(keyDashboardPrefsFile, "")
	v.SetDefault(keySessionExportDir, "")
	v.SetDefault(keyWorkoutFTP, workout.DefaultFTP)
	v.SetDefault(keyWorkoutMaxHR, workout.DefaultMaxHR)
	v.SetDefault(keyLogFile, "")
	v.SetDefault(keyLogMaxSizeMB, defaultLogMaxSizeMB)
	v.SetDefault(keyLogMaxBackups, defaultLogMaxBackups)
	v.SetDefault(keyLogMaxAgeDays, defaultLogMaxAgeDays)
	v.SetDefault(keyLogCompress, false)
	v.SetDefault(keyLogStderr, false)
}

// newFlagSet declares the command line flags and the key each one overrides
func newFlagSet() (*pflag.FlagSet, map[string]string) {
	fs := pflag.NewFlagSet("trainer-engine", pflag.ContinueOnError)
	fs.String(flagConfig, "", defaultConfigFileUsage)
	fs.String("host", HostTinyGo, "Bluetooth host: tinygo or mock")
	fs.String("mode", string(trainer.ModeHardware), "engine mode: hardware or simulation")
	fs.Duration("scan-stale-timeout", defaultStaleTimeout, "drop devices not advertised for this long")
	fs.Duration("control-timeout", defaultControlTimeout, "control point round trip timeout")
	fs.Duration("connect-timeout", defaultConnectTimeout, "connect sequence timeout")
	fs.Duration("simulation-tick", defaultSimulationTick, "simulator sample period")
	fs.Bool("gateway", true, "serve the WebSocket gateway")
	fs.String("gateway-addr", defaultGatewayAddr, "WebSocket gateway listen address")
	fs.Bool("dashboard", false, "show the terminal dashboard")
	fs.String("export-dir", "", "directory receiving a FIT file per stopped session")
	fs.Int("ftp", workout.DefaultFTP, "functional threshold power in watts")
	fs.Int("max-hr", workout.DefaultMaxHR, "maximum heart rate in bpm")
	fs.String("log-file", "", "rotated log file")
	fs.Bool("log-stderr", false, "also log to stderr")

	return fs, map[string]string{
		keyHost:             "host",
		keyMode:             "mode",
		keyScanStaleTimeout: "scan-stale-timeout",
		keyControlTimeout:   "control-timeout",
		keyConnectTimeout:   "connect-timeout",
		keySimulationTick:   "simulation-tick",
		keyGatewayEnabled:   "gateway",
		keyGatewayAddr:      "gateway-addr",
		keyDashboardEnabled: "dashboard",
		keySessionExportDir: "export-dir",
		keyWorkoutFTP:       "ftp",
		keyWorkoutMaxHR:     "max-hr",
		keyLogFile:          "log-file",
		keyLogStderr:        "log-stderr",
	}
}

// Load builds the configuration from defaults, an optional config file,
// TRAINER_* environment variables and the command line args, in increasing
// precedence. args excludes the program name.
func Load(args []string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	fs, bindings := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return Config{}, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, _ := fs.GetString(flagConfig)
	if path == "" {
		path = os.Getenv(configFileEnvVariable)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		Host: strings.ToLower(v.GetString(keyHost)),
		Mode: trainer.Mode(strings.ToLower(v.GetString(keyMode))),
		Scan: ScanConfig{
			StaleTimeout: v.GetDuration(keyScanStaleTimeout),
		},
		Control: ControlConfig{
			Timeout:        v.GetDuration(keyControlTimeout),
			ConnectTimeout: v.GetDuration(keyConnectTimeout),
		},
		Simulation: SimulationConfig{
			Tick: v.GetDuration(keySimulationTick),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool(keyGatewayEnabled),
			Addr:    v.GetString(keyGatewayAddr),
		},
		Dashboard: DashboardConfig{
			Enabled:         v.GetBool(keyDashboardEnabled),
			PreferencesFile: v.GetString(keyDashboardPrefsFile),
		},
		Session: SessionConfig{
			ExportDir: v.GetString(keySessionExportDir),
		},
		Workout: WorkoutConfig{
			FTP:   v.GetInt(keyWorkoutFTP),
			MaxHR: v.GetInt(keyWorkoutMaxHR),
		},
		Log: logging.Config{
			File:       v.GetString(keyLogFile),
			MaxSizeMB:  v.GetInt(keyLogMaxSizeMB),
			MaxBackups: v.GetInt(keyLogMaxBackups),
			MaxAgeDays: v.GetInt(keyLogMaxAgeDays),
			Compress:   v.GetBool(keyLogCompress),
			Stderr:     v.GetBool(keyLogStderr),
		},
	}

	if err := Validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
