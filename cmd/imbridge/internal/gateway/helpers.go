package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/tinyland-inc/imbridge/cmd/imbridge/internal"
	"github.com/tinyland-inc/imbridge/pkg/bus"
	"github.com/tinyland-inc/imbridge/pkg/channels"
	"github.com/tinyland-inc/imbridge/pkg/config"
	"github.com/tinyland-inc/imbridge/pkg/health"
	"github.com/tinyland-inc/imbridge/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func gatewayCmd(debug bool) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := internal.SetupLogger(cfg, debug); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg)
}

func run(ctx context.Context, cfg *config.Config) error {
	msgBus := bus.NewMessageBus()

	channelManager, err := channels.NewManager(cfg, msgBus)
	if err != nil {
		return fmt.Errorf("error creating channel manager: %w", err)
	}

	// Resolve the Redis client before anything starts listening.
	var redisClient *redis.Client
	if cfg.Bus.Redis.Enabled {
		if redisClient, err = newRedisClient(cfg.Bus.Redis); err != nil {
			return err
		}
		defer redisClient.Close()
	}

	enabledChannels := channelManager.GetEnabledChannels()
	if len(enabledChannels) > 0 {
		logger.InfoCF("gateway", "Channels enabled", map[string]any{"channels": enabledChannels})
	} else {
		logger.WarnC("gateway", "No channels enabled")
	}

	healthServer := newHTTPServer(cfg, channelManager)

	g, gctx := errgroup.WithContext(ctx)

	if err := channelManager.StartAll(gctx); err != nil {
		logger.ErrorCF("gateway", "Error starting channels", map[string]any{"error": err.Error()})
	}

	g.Go(func() error {
		logger.InfoCF("gateway", "HTTP server listening", map[string]any{"addr": healthServer.Addr()})
		if err := healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if redisClient != nil {
		bridge := bus.NewRedisBridge(redisClient, msgBus, bus.RedisBridgeConfig{
			InboundStream:  cfg.Bus.Redis.InboundStream,
			OutboundStream: cfg.Bus.Redis.OutboundStream,
		})
		g.Go(func() error { return bridge.Run(gctx) })
		logger.InfoCF("gateway", "Redis bridge enabled", map[string]any{
			"inbound_stream":  cfg.Bus.Redis.InboundStream,
			"outbound_stream": cfg.Bus.Redis.OutboundStream,
		})
	} else {
		g.Go(func() error {
			logInbound(gctx, msgBus)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.InfoC("gateway", "Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := healthServer.Stop(shutdownCtx); err != nil {
			logger.WarnCF("gateway", "HTTP server shutdown", map[string]any{"error": err.Error()})
		}
		if err := channelManager.StopAll(shutdownCtx); err != nil {
			logger.WarnCF("gateway", "Channel shutdown", map[string]any{"error": err.Error()})
		}
		msgBus.Close()
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.InfoC("gateway", "Gateway stopped")
	return nil
}

// newHTTPServer mounts the WeCom callback next to /health and /ready.
func newHTTPServer(cfg *config.Config, channelManager *channels.Manager) *health.Server {
	srv := health.NewServer(cfg.Gateway.Host, cfg.Gateway.Port)

	for _, name := range channelManager.GetEnabledChannels() {
		ch, _ := channelManager.GetChannel(name)
		srv.RegisterCheck(name, ch.IsRunning)

		if wc, ok := ch.(*channels.WeComChannel); ok {
			srv.Handle(wc.WebhookPath(), wc, http.MethodGet, http.MethodPost)
		}
	}
	return srv
}

func newRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("bus.redis.url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// logInbound consumes the bus when no agent transport is configured so
// publishers never block on a full queue.
func logInbound(ctx context.Context, msgBus *bus.MessageBus) {
	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		logger.InfoCF("gateway", "Inbound message (no agent transport configured)", map[string]any{
			"channel": msg.Channel,
			"id":      msg.ID,
			"length":  len(msg.Content),
		})
	}
}
