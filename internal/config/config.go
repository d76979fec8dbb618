package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var ErrInvalid = errors.New("invalid configuration")

const (
	RegistryScopeGlobal  = "global"
	RegistryScopeSession = "session"

	DetectorLocal = "local"
)

type AppConfig struct {
	Port      int             `mapstructure:"port"`
	Device    DeviceConfig    `mapstructure:"device"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	FrameLog  FrameLogConfig  `mapstructure:"frame_log"`
	Log       LogConfig       `mapstructure:"log"`
}

// DeviceConfig selects the capture device. Address is resolved once at
// startup: sim://, tcp:// or ipc:// (ZeroMQ feed), http(s):// (MJPEG).
type DeviceConfig struct {
	Address       string        `mapstructure:"address"`
	Optional      bool          `mapstructure:"optional"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	MaxFailures   int           `mapstructure:"max_failures"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
}

// DetectorConfig selects the detector: "local" or a ZeroMQ endpoint of a
// detector sidecar. Reentrant skips the serializing boundary and must only be
// set for implementations verified safe for concurrent calls.
type DetectorConfig struct {
	Endpoint  string        `mapstructure:"endpoint"`
	Reentrant bool          `mapstructure:"reentrant"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Threshold float64       `mapstructure:"threshold"`
	MaxMissed int           `mapstructure:"max_missed"`
}

// RegistryConfig controls unique-object bookkeeping. Retention 0 never
// forgets an identity.
type RegistryConfig struct {
	Scope     string        `mapstructure:"scope"`
	Retention time.Duration `mapstructure:"retention"`
}

type BroadcastConfig struct {
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	YieldInterval time.Duration `mapstructure:"yield_interval"`
	JPEGQuality   int           `mapstructure:"jpeg_quality"`
}

type FrameLogConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the configuration used when nothing is overridden.
func Default() AppConfig {
	return AppConfig{
		Port: 8000,
		Device: DeviceConfig{
			Address:       "sim://",
			RetryInterval: 100 * time.Millisecond,
			ReadTimeout:   5 * time.Second,
		},
		Detector: DetectorConfig{
			Endpoint:  DetectorLocal,
			Timeout:   2 * time.Second,
			Threshold: 80,
			MaxMissed: 15,
		},
		Registry: RegistryConfig{
			Scope: RegistryScopeGlobal,
		},
		Broadcast: BroadcastConfig{
			RetryInterval: 100 * time.Millisecond,
			YieldInterval: 10 * time.Millisecond,
			JPEGQuality:   80,
		},
		FrameLog: FrameLogConfig{
			Dir: "framelog",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// SetDefaults registers Default() with v so env and config file lookups see
// every key.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("port", d.Port)
	v.SetDefault("device.address", d.Device.Address)
	v.SetDefault("device.optional", d.Device.Optional)
	v.SetDefault("device.retry_interval", d.Device.RetryInterval)
	v.SetDefault("device.max_failures", d.Device.MaxFailures)
	v.SetDefault("device.read_timeout", d.Device.ReadTimeout)
	v.SetDefault("detector.endpoint", d.Detector.Endpoint)
	v.SetDefault("detector.reentrant", d.Detector.Reentrant)
	v.SetDefault("detector.timeout", d.Detector.Timeout)
	v.SetDefault("detector.threshold", d.Detector.Threshold)
	v.SetDefault("detector.max_missed", d.Detector.MaxMissed)
	v.SetDefault("registry.scope", d.Registry.Scope)
	v.SetDefault("registry.retention", d.Registry.Retention)
	v.SetDefault("broadcast.retry_interval", d.Broadcast.RetryInterval)
	v.SetDefault("broadcast.yield_interval", d.Broadcast.YieldInterval)
	v.SetDefault("broadcast.jpeg_quality", d.Broadcast.JPEGQuality)
	v.SetDefault("frame_log.enabled", d.FrameLog.Enabled)
	v.SetDefault("frame_log.dir", d.FrameLog.Dir)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// BindEnv wires the TALLYCAM_ environment prefix. IP_ADDR is also accepted
// for the device address.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix("TALLYCAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("device.address", "TALLYCAM_DEVICE_ADDRESS", "IP_ADDR")
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) Validate() error {
	switch {
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Port)
	case strings.TrimSpace(c.Device.Address) == "":
		return fmt.Errorf("%w: device address is empty", ErrInvalid)
	case c.Device.RetryInterval <= 0:
		return fmt.Errorf("%w: device retry interval must be positive", ErrInvalid)
	case c.Device.MaxFailures < 0:
		return fmt.Errorf("%w: device max failures must not be negative", ErrInvalid)
	case strings.TrimSpace(c.Detector.Endpoint) == "":
		return fmt.Errorf("%w: detector endpoint is empty", ErrInvalid)
	case c.Detector.Timeout <= 0:
		return fmt.Errorf("%w: detector timeout must be positive", ErrInvalid)
	case c.Registry.Scope != RegistryScopeGlobal && c.Registry.Scope != RegistryScopeSession:
		return fmt.Errorf("%w: registry scope %q (want %q or %q)", ErrInvalid, c.Registry.Scope, RegistryScopeGlobal, RegistryScopeSession)
	case c.Registry.Retention < 0:
		return fmt.Errorf("%w: registry retention must not be negative", ErrInvalid)
	case c.Broadcast.RetryInterval <= 0:
		return fmt.Errorf("%w: broadcast retry interval must be positive", ErrInvalid)
	case c.Broadcast.YieldInterval < 0:
		return fmt.Errorf("%w: broadcast yield interval must not be negative", ErrInvalid)
	case c.Broadcast.JPEGQuality < 1 || c.Broadcast.JPEGQuality > 100:
		return fmt.Errorf("%w: jpeg quality %d out of range", ErrInvalid, c.Broadcast.JPEGQuality)
	case c.FrameLog.Enabled && c.FrameLog.Dir == "":
		return fmt.Errorf("%w: frame log enabled without a directory", ErrInvalid)
	}
	return nil
}

// Public returns the configuration safe to expose over HTTP. Credentials
// embedded in addresses are masked.
func (c AppConfig) Public() map[string]any {
	return map[string]any{
		"port":               c.Port,
		"device_address":     redactAddress(c.Device.Address),
		"detector_endpoint":  redactAddress(c.Detector.Endpoint),
		"detector_reentrant": c.Detector.Reentrant,
		"registry_scope":     c.Registry.Scope,
		"registry_retention": c.Registry.Retention.String(),
		"broadcast_retry":    c.Broadcast.RetryInterval.String(),
		"broadcast_yield":    c.Broadcast.YieldInterval.String(),
		"jpeg_quality":       c.Broadcast.JPEGQuality,
		"frame_log_enabled":  c.FrameLog.Enabled,
	}
}

func redactAddress(address string) string {
	u, err := url.Parse(strings.TrimSpace(address))
	if err != nil {
		if strings.Contains(address, "@") {
			return "[unparseable address]"
		}
		return address
	}
	if u.User == nil {
		return address
	}
	u.User = url.User("xxxxx")
	return u.String()
}
