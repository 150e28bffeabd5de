package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultCloudURL          = "https://cloud.technosupport.io"
	DefaultHeartbeatInterval = 15 * time.Second
	MinHeartbeatInterval     = 10 * time.Second
	MaxHeartbeatInterval     = 30 * time.Second
)

// Agent holds the edge agent configuration. Values come from an
// optional YAML file overridden by environment variables; DeviceToken
// is the only hard requirement.
type Agent struct {
	CloudURL          string        `yaml:"cloud_url"`
	DeviceToken       string        `yaml:"device_token"`
	RelayWSURL        string        `yaml:"relay_ws_url"`
	HeartbeatInterval time.Duration `yaml:"-"`
	HeartbeatSeconds  int           `yaml:"heartbeat_interval_seconds"`
	FFmpegPath        string        `yaml:"ffmpeg_path"`
	LogLevel          string        `yaml:"log_level"`
	MetricsAddr       string        `yaml:"metrics_addr"` // empty disables the metrics listener
	Cameras           []Camera      `yaml:"cameras"`
}

// Camera is a pre-provisioned camera in the agent config file. Entries
// with onvif_events set get an event listener at startup without
// waiting for a cloud command.
type Camera struct {
	IP          string `yaml:"ip"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	OnvifEvents bool   `yaml:"onvif_events"`
}

// Relay holds the relay server configuration.
type Relay struct {
	Port         string        `yaml:"port"`
	NATSURL      string        `yaml:"nats_url"`
	LogLevel     string        `yaml:"log_level"`
	RoomIdleTTL  time.Duration `yaml:"-"`
	IdleSeconds  int           `yaml:"room_idle_seconds"`
	MaxConnRate  int           `yaml:"max_conn_rate"` // ws upgrades per minute per IP
	MetricsToken string        `yaml:"metrics_token"`
}

// LoadAgent reads the agent configuration from path (optional) and
// the environment. A missing file is not an error; a missing device
// token is reported to the caller, which exits non-zero.
func LoadAgent(path string) (*Agent, error) {
	cfg := &Agent{
		CloudURL: DefaultCloudURL,
		LogLevel: "info",
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(&cfg.CloudURL, "CLOUD_URL")
	applyEnv(&cfg.DeviceToken, "DEVICE_TOKEN")
	applyEnv(&cfg.RelayWSURL, "RELAY_WS_URL")
	applyEnv(&cfg.FFmpegPath, "FFMPEG_PATH")
	applyEnv(&cfg.LogLevel, "LOG_LEVEL")
	applyEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("HEARTBEAT_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HeartbeatSeconds = n
		}
	}

	cfg.HeartbeatInterval = clampHeartbeat(cfg.HeartbeatSeconds)

	if cfg.DeviceToken == "" {
		return nil, fmt.Errorf("device token is required (set DEVICE_TOKEN)")
	}
	return cfg, nil
}

// LoadRelay reads the relay configuration from path (optional) and
// the environment.
func LoadRelay(path string) (*Relay, error) {
	cfg := &Relay{
		Port:        "8090",
		LogLevel:    "info",
		IdleSeconds: 300,
		MaxConnRate: 120,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(&cfg.Port, "PORT")
	applyEnv(&cfg.NATSURL, "NATS_URL")
	applyEnv(&cfg.LogLevel, "LOG_LEVEL")

	if cfg.IdleSeconds <= 0 {
		cfg.IdleSeconds = 300
	}
	cfg.RoomIdleTTL = time.Duration(cfg.IdleSeconds) * time.Second
	return cfg, nil
}

func applyEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func clampHeartbeat(seconds int) time.Duration {
	if seconds <= 0 {
		return DefaultHeartbeatInterval
	}
	d := time.Duration(seconds) * time.Second
	if d < MinHeartbeatInterval {
		return MinHeartbeatInterval
	}
	if d > MaxHeartbeatInterval {
		return MaxHeartbeatInterval
	}
	return d
}
