package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/tinyland-inc/imbridge/pkg/logger"
)

const (
	DefaultInboundStream  = "imbridge:inbound"
	DefaultOutboundStream = "imbridge:outbound"

	envelopeField = "envelope"
)

// StreamClient is the subset of the go-redis client the bridge needs.
type StreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
}

type RedisBridgeConfig struct {
	InboundStream  string
	OutboundStream string
	// Block bounds a single XREAD wait.
	Block time.Duration
}

// RedisBridge connects a MessageBus to an external agent through two Redis
// streams: inbound messages are XADDed as JSON under the "envelope" field, and
// replies are XREAD from the outbound stream and published on the bus.
type RedisBridge struct {
	client StreamClient
	bus    *MessageBus
	cfg    RedisBridgeConfig
	lastID string
}

func NewRedisBridge(client StreamClient, mb *MessageBus, cfg RedisBridgeConfig) *RedisBridge {
	if cfg.InboundStream == "" {
		cfg.InboundStream = DefaultInboundStream
	}
	if cfg.OutboundStream == "" {
		cfg.OutboundStream = DefaultOutboundStream
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	return &RedisBridge{
		client: client,
		bus:    mb,
		cfg:    cfg,
		lastID: "$",
	}
}

// Run pumps both directions until ctx is cancelled or the bus is closed.
func (b *RedisBridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.forwardInbound(ctx) })
	g.Go(func() error { return b.pumpOutbound(ctx) })
	return g.Wait()
}

func (b *RedisBridge) forwardInbound(ctx context.Context) error {
	for {
		msg, ok := b.bus.ConsumeInbound(ctx)
		if !ok {
			return nil
		}
		if err := b.publish(ctx, msg); err != nil {
			logger.ErrorCF("bus", "Failed to forward inbound message to redis", map[string]any{
				"stream": b.cfg.InboundStream,
				"id":     msg.ID,
				"error":  err.Error(),
			})
		}
	}
}

func (b *RedisBridge) publish(ctx context.Context, msg InboundMessage) error {
	envelope, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.cfg.InboundStream,
		Values: map[string]any{envelopeField: string(envelope)},
	}).Err()
}

func (b *RedisBridge) pumpOutbound(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{b.cfg.OutboundStream, b.lastID},
			Count:   16,
			Block:   b.cfg.Block,
		}).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			logger.WarnCF("bus", "Redis XREAD failed", map[string]any{
				"stream": b.cfg.OutboundStream,
				"error":  err.Error(),
			})
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				b.lastID = entry.ID
				b.dispatchReply(ctx, entry)
			}
		}
	}
}

func (b *RedisBridge) dispatchReply(ctx context.Context, entry redis.XMessage) {
	raw, ok := entry.Values[envelopeField].(string)
	if !ok {
		logger.WarnCF("bus", "Outbound stream entry without envelope", map[string]any{"entry_id": entry.ID})
		return
	}
	var msg OutboundMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		logger.WarnCF("bus", "Invalid outbound envelope", map[string]any{
			"entry_id": entry.ID,
			"error":    err.Error(),
		})
		return
	}
	if err := b.bus.PublishOutbound(ctx, msg); err != nil {
		logger.WarnCF("bus", "Failed to publish outbound message", map[string]any{
			"entry_id": entry.ID,
			"error":    err.Error(),
		})
	}
}
