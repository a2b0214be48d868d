package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Log      LogConfig      `json:"log"`
	Channels ChannelsConfig `json:"channels"`
	Bus      BusConfig      `json:"bus"`
}

type GatewayConfig struct {
	Host string `env:"IMBRIDGE_GATEWAY_HOST" json:"host"`
	Port int    `env:"IMBRIDGE_GATEWAY_PORT" json:"port"`
}

type LogConfig struct {
	Level string `env:"IMBRIDGE_LOG_LEVEL" json:"level"`
	JSON  bool   `env:"IMBRIDGE_LOG_JSON"  json:"json"`
}

type ChannelsConfig struct {
	DingTalk DingTalkConfig `json:"dingtalk"`
	WeCom    WeComConfig    `json:"wecom"`
}

type DingTalkConfig struct {
	Enabled           bool                `env:"IMBRIDGE_CHANNELS_DINGTALK_ENABLED"            json:"enabled"`
	ClientID          string              `env:"IMBRIDGE_CHANNELS_DINGTALK_CLIENT_ID"          json:"client_id"`
	ClientSecret      string              `env:"IMBRIDGE_CHANNELS_DINGTALK_CLIENT_SECRET"      json:"client_secret"`
	AllowFrom         FlexibleStringSlice `env:"IMBRIDGE_CHANNELS_DINGTALK_ALLOW_FROM"         json:"allow_from"`
	ReconnectInterval int                 `env:"IMBRIDGE_CHANNELS_DINGTALK_RECONNECT_INTERVAL" json:"reconnect_interval"` // seconds, 0 disables
}

type WeComConfig struct {
	Enabled        bool                `env:"IMBRIDGE_CHANNELS_WECOM_ENABLED"          json:"enabled"`
	CorpID         string              `env:"IMBRIDGE_CHANNELS_WECOM_CORP_ID"          json:"corp_id"`
	CorpSecret     string              `env:"IMBRIDGE_CHANNELS_WECOM_CORP_SECRET"      json:"corp_secret"`
	AgentID        int64               `env:"IMBRIDGE_CHANNELS_WECOM_AGENT_ID"         json:"agent_id"`
	Token          string              `env:"IMBRIDGE_CHANNELS_WECOM_TOKEN"            json:"token"`
	EncodingAESKey string              `env:"IMBRIDGE_CHANNELS_WECOM_ENCODING_AES_KEY" json:"encoding_aes_key"`
	WebhookPath    string              `env:"IMBRIDGE_CHANNELS_WECOM_WEBHOOK_PATH"     json:"webhook_path"`
	AllowFrom      FlexibleStringSlice `env:"IMBRIDGE_CHANNELS_WECOM_ALLOW_FROM"       json:"allow_from"`
}

type BusConfig struct {
	Redis RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Enabled        bool   `env:"IMBRIDGE_BUS_REDIS_ENABLED"         json:"enabled"`
	URL            string `env:"IMBRIDGE_BUS_REDIS_URL"             json:"url"`
	InboundStream  string `env:"IMBRIDGE_BUS_REDIS_INBOUND_STREAM"  json:"inbound_stream"`
	OutboundStream string `env:"IMBRIDGE_BUS_REDIS_OUTBOUND_STREAM" json:"outbound_stream"`
}

// LoadConfig reads path over DefaultConfig and applies IMBRIDGE_* overrides.
// A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that every enabled section carries its credentials.
func (c *Config) Validate() error {
	var errs []error

	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d out of range", c.Gateway.Port))
	}

	if d := c.Channels.DingTalk; d.Enabled {
		if d.ClientID == "" || d.ClientSecret == "" {
			errs = append(errs, errors.New("channels.dingtalk: client_id and client_secret are required"))
		}
		if d.ReconnectInterval < 0 {
			errs = append(errs, errors.New("channels.dingtalk: reconnect_interval must not be negative"))
		}
	}

	if w := c.Channels.WeCom; w.Enabled {
		if w.CorpID == "" || w.CorpSecret == "" {
			errs = append(errs, errors.New("channels.wecom: corp_id and corp_secret are required"))
		}
		if w.Token == "" || w.EncodingAESKey == "" {
			errs = append(errs, errors.New("channels.wecom: token and encoding_aes_key are required"))
		}
		if w.AgentID == 0 {
			errs = append(errs, errors.New("channels.wecom: agent_id is required"))
		}
		if w.WebhookPath == "" || w.WebhookPath[0] != '/' {
			errs = append(errs, errors.New("channels.wecom: webhook_path must start with /"))
		}
	}

	if r := c.Bus.Redis; r.Enabled && r.URL == "" {
		errs = append(errs, errors.New("bus.redis: url is required"))
	}

	return errors.Join(errs...)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
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
