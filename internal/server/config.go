package server

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/gorelay/internal/auth"
	"github.com/Tyrowin/gorelay/internal/bridge"
	"github.com/Tyrowin/gorelay/internal/calls"
	"github.com/Tyrowin/gorelay/internal/logging"
	"github.com/Tyrowin/gorelay/internal/offline"
	"github.com/Tyrowin/gorelay/internal/ratelimit"
)

const (
	defaultPort           = ":8080"
	defaultMaxMessageSize = 64 << 10
	defaultSendBuffer     = 256
)

// Config holds every relay setting. Values come from defaults, then an optional
// YAML file, then RELAY_* environment variables.
type Config struct {
	Port           string   `yaml:"port" env:"RELAY_PORT"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"RELAY_ALLOWED_ORIGINS" envSeparator:","`
	MaxMessageSize int64    `yaml:"max_message_size" env:"RELAY_MAX_MESSAGE_SIZE"`

	RateLimit ratelimit.Config `yaml:"rate_limit"`
	Auth      auth.Config      `yaml:"auth"`
	Offline   offline.Config   `yaml:"offline"`
	Calls     calls.Config     `yaml:"calls"`
	Bridge    bridge.Config    `yaml:"bridge"`
	Log       logging.Config   `yaml:"log"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Port: defaultPort,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit:      ratelimit.DefaultConfig(),
		Offline:        offline.DefaultConfig(),
		Calls:          calls.DefaultConfig(),
		Bridge:         bridge.DefaultConfig(),
		Log:            logging.Config{Level: "info", Format: "json"},
	}
}

// LoadConfig reads path (if not empty), expands ${VAR} references in it,
// overlays the environment and sanitises the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg = sanitizeConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that cannot be defaulted.
func (c Config) Validate() error {
	var problems []string
	if _, err := offline.ParseOverflow(string(c.Offline.Overflow)); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Bridge.Enabled && strings.TrimSpace(c.Bridge.NATSURL) == "" {
		problems = append(problems, "bridge.nats_url is required when the bridge is enabled")
	}
	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

// sendBuffer sizes a client's outbound queue so a full offline backlog fits
// alongside the greeting.
func (c Config) sendBuffer() int {
	if n := c.Offline.Capacity + 64; n > defaultSendBuffer {
		return n
	}
	return defaultSendBuffer
}

func sanitizeConfig(cfg Config) Config {
	def := DefaultConfig()

	if strings.TrimSpace(cfg.Port) == "" {
		cfg.Port = def.Port
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	if cfg.RateLimit.Limit <= 0 {
		cfg.RateLimit.Limit = def.RateLimit.Limit
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = def.RateLimit.Window
	}

	if cfg.Offline.Capacity <= 0 {
		cfg.Offline.Capacity = def.Offline.Capacity
	}
	if cfg.Offline.MaxRecipients <= 0 {
		cfg.Offline.MaxRecipients = def.Offline.MaxRecipients
	}
	if strings.TrimSpace(string(cfg.Offline.Overflow)) == "" {
		cfg.Offline.Overflow = def.Offline.Overflow
	}

	if cfg.Calls.RingTimeout <= 0 {
		cfg.Calls.RingTimeout = def.Calls.RingTimeout
	}
	if cfg.Calls.TerminalGrace <= 0 {
		cfg.Calls.TerminalGrace = def.Calls.TerminalGrace
	}

	if strings.TrimSpace(cfg.Bridge.SubjectPrefix) == "" {
		cfg.Bridge.SubjectPrefix = def.Bridge.SubjectPrefix
	}
	if cfg.Bridge.Buffer <= 0 {
		cfg.Bridge.Buffer = def.Bridge.Buffer
	}

	origins := make([]string, 0, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	cfg.AllowedOrigins = origins
	return cfg
}
