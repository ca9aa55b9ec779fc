package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Goofish   GoofishConfig   `json:"goofish"`
	Providers ProvidersConfig `json:"providers"`
	Store     StoreConfig     `json:"store"`
	Events    EventsConfig    `json:"events"`
	Gateway   GatewayConfig   `json:"gateway"`
	mu        sync.RWMutex
}

type GoofishConfig struct {
	WSURL                    string `json:"ws_url" env:"FISHAGENT_GOOFISH_WS_URL"`
	APIBase                  string `json:"api_base" env:"FISHAGENT_GOOFISH_API_BASE"`
	CredentialFile           string `json:"credential_file" env:"FISHAGENT_GOOFISH_CREDENTIAL_FILE"`
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds" env:"FISHAGENT_GOOFISH_HEARTBEAT_INTERVAL_SECONDS"`
	HeartbeatGraceSeconds    int    `json:"heartbeat_grace_seconds" env:"FISHAGENT_GOOFISH_HEARTBEAT_GRACE_SECONDS"`
	ReconnectDelaySeconds    int    `json:"reconnect_delay_seconds" env:"FISHAGENT_GOOFISH_RECONNECT_DELAY_SECONDS"`
	RegistrationDelayMS      int    `json:"registration_delay_ms" env:"FISHAGENT_GOOFISH_REGISTRATION_DELAY_MS"`
	StaleAfterMS             int64  `json:"stale_after_ms" env:"FISHAGENT_GOOFISH_STALE_AFTER_MS"`
}

type ProvidersConfig struct {
	Reply  ModelConfig `json:"reply" envPrefix:"FISHAGENT_PROVIDERS_REPLY_"`
	Vision ModelConfig `json:"vision" envPrefix:"FISHAGENT_PROVIDERS_VISION_"`
}

// ModelConfig describes one OpenAI-compatible chat completion endpoint.
type ModelConfig struct {
	APIKey         string  `json:"api_key" env:"API_KEY"`
	APIBase        string  `json:"api_base" env:"API_BASE"`
	Model          string  `json:"model" env:"MODEL"`
	Temperature    float64 `json:"temperature" env:"TEMPERATURE"`
	MaxTokens      int     `json:"max_tokens" env:"MAX_TOKENS"`
	TimeoutSeconds int     `json:"timeout_seconds" env:"TIMEOUT_SECONDS"`
}

type StoreConfig struct {
	Driver string `json:"driver" env:"FISHAGENT_STORE_DRIVER"` // memory | sqlite
	Path   string `json:"path" env:"FISHAGENT_STORE_PATH"`
}

type EventsConfig struct {
	NATSURL string `json:"nats_url" env:"FISHAGENT_EVENTS_NATS_URL"`
	Subject string `json:"subject" env:"FISHAGENT_EVENTS_SUBJECT"`
}

type GatewayConfig struct {
	Enabled bool   `json:"enabled" env:"FISHAGENT_GATEWAY_ENABLED"`
	Host    string `json:"host" env:"FISHAGENT_GATEWAY_HOST"`
	Port    int    `json:"port" env:"FISHAGENT_GATEWAY_PORT"`
}

func DefaultConfig() *Config {
	return &Config{
		Goofish: GoofishConfig{
			WSURL:                    "wss://wss-goofish.dingtalk.com/",
			APIBase:                  "https://h5api.m.goofish.com",
			CredentialFile:           ".env",
			HeartbeatIntervalSeconds: 15,
			HeartbeatGraceSeconds:    5,
			ReconnectDelaySeconds:    5,
			RegistrationDelayMS:      1000,
			StaleAfterMS:             300000,
		},
		Providers: ProvidersConfig{
			Reply: ModelConfig{
				APIBase:        "https://dashscope.aliyuncs.com/compatible-mode/v1",
				Model:          "qwen-max",
				Temperature:    0.4,
				MaxTokens:      500,
				TimeoutSeconds: 60,
			},
			Vision: ModelConfig{
				APIBase:        "https://dashscope.aliyuncs.com/compatible-mode/v1",
				Model:          "qwen-vl-plus",
				Temperature:    0.7,
				MaxTokens:      500,
				TimeoutSeconds: 30,
			},
		},
		Store: StoreConfig{
			Driver: "memory",
			Path:   "~/.fishagent/conversations.db",
		},
		Events: EventsConfig{
			Subject: "fishagent.turns",
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    18791,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) StorePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Store.Path)
}

func (c *Config) CredentialPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Goofish.CredentialFile)
}

func (g GoofishConfig) HeartbeatInterval() time.Duration {
	return secondsOr(g.HeartbeatIntervalSeconds, 15)
}

func (g GoofishConfig) HeartbeatGrace() time.Duration {
	return secondsOr(g.HeartbeatGraceSeconds, 5)
}

func (g GoofishConfig) ReconnectDelay() time.Duration {
	return secondsOr(g.ReconnectDelaySeconds, 5)
}

func (g GoofishConfig) RegistrationDelay() time.Duration {
	if g.RegistrationDelayMS < 0 {
		return 0
	}
	return time.Duration(g.RegistrationDelayMS) * time.Millisecond
}

func (g GoofishConfig) StaleAfter() time.Duration {
	if g.StaleAfterMS <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(g.StaleAfterMS) * time.Millisecond
}

func (m ModelConfig) Timeout() time.Duration {
	return secondsOr(m.TimeoutSeconds, 60)
}

func secondsOr(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
