package config

import "github.com/tinyland-inc/imbridge/pkg/bus"

func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18790,
		},
		Log: LogConfig{
			Level: "info",
		},
		Channels: ChannelsConfig{
			DingTalk: DingTalkConfig{
				AllowFrom:         FlexibleStringSlice{},
				ReconnectInterval: 5,
			},
			WeCom: WeComConfig{
				WebhookPath: "/webhook/wecom",
				AllowFrom:   FlexibleStringSlice{},
			},
		},
		Bus: BusConfig{
			Redis: RedisConfig{
				URL:            "redis://127.0.0.1:6379/0",
				InboundStream:  bus.DefaultInboundStream,
				OutboundStream: bus.DefaultOutboundStream,
			},
		},
	}
}
