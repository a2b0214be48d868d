package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tinyland-inc/imbridge/pkg/bus"
	"github.com/tinyland-inc/imbridge/pkg/config"
	"github.com/tinyland-inc/imbridge/pkg/dingtalk"
	"github.com/tinyland-inc/imbridge/pkg/logger"
)

const dingtalkName = "dingtalk"

var dingtalkMediaNotices = map[string]string{
	"picture": "Picture received. This channel only accepts text; please describe the image in words.",
	"audio":   "Voice message received. This channel only accepts text; please type your message instead.",
	"video":   "Video received. This channel only accepts text; please add a written description.",
	"file":    "File received. This channel only accepts text; please paste the relevant content.",
}

type DingTalkChannel struct {
	*BaseChannel
	cfg         config.DingTalkConfig
	client      *dingtalk.Client
	sessionOpts []dingtalk.SessionOption

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type DingTalkOption func(*DingTalkChannel)

// WithDingTalkClient replaces the platform client, e.g. to point at a
// different API host.
func WithDingTalkClient(client *dingtalk.Client) DingTalkOption {
	return func(c *DingTalkChannel) { c.client = client }
}

func WithSessionOptions(opts ...dingtalk.SessionOption) DingTalkOption {
	return func(c *DingTalkChannel) { c.sessionOpts = append(c.sessionOpts, opts...) }
}

func NewDingTalkChannel(cfg config.DingTalkConfig, pub bus.Publisher, opts ...DingTalkOption) (*DingTalkChannel, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("dingtalk client_id and client_secret are required")
	}

	c := &DingTalkChannel{
		BaseChannel: NewBaseChannel(dingtalkName, pub, cfg.AllowFrom),
		cfg:         cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = dingtalk.NewClient(dingtalk.ClientConfig{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
		})
	}
	return c, nil
}

// Start runs stream sessions in the background. When a session ends the
// channel opens a new one after reconnect_interval seconds; an interval of
// zero leaves the channel stopped.
func (c *DingTalkChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.SetRunning(true)

	go c.run(runCtx, c.done)

	logger.InfoCF(dingtalkName, "DingTalk channel started", map[string]any{
		"reconnect_interval": c.cfg.ReconnectInterval,
	})
	return nil
}

func (c *DingTalkChannel) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.SetRunning(false)

	interval := time.Duration(c.cfg.ReconnectInterval) * time.Second
	for {
		session := dingtalk.NewSession(c.client, c, c.sessionOpts...)
		err := session.Run(ctx)
		if ctx.Err() != nil {
			return
		}

		fields := map[string]any{"state": session.State().String()}
		if err != nil {
			fields["error"] = err.Error()
			logger.ErrorCF(dingtalkName, "Stream session ended with error", fields)
		} else {
			logger.InfoCF(dingtalkName, "Stream session closed", fields)
		}

		if interval <= 0 {
			logger.WarnC(dingtalkName, "Reconnect disabled, channel stopped")
			return
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *DingTalkChannel) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.SetRunning(false)
	return c.WaitBackground(ctx)
}

// Send posts to the conversation's session webhook, which arrives as the
// message recipient.
func (c *DingTalkChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.Recipient == "" {
		return fmt.Errorf("dingtalk: outbound message has no session webhook")
	}
	return c.client.SendText(ctx, msg.Recipient, msg.Content)
}

func (c *DingTalkChannel) HealthCheck(ctx context.Context) error {
	_, err := c.client.AccessToken(ctx)
	return err
}

// HandleCallback applies the bot message policy. It always returns nil so
// the platform receives a positive ack; deliveries and notices run detached.
func (c *DingTalkChannel) HandleCallback(_ context.Context, msg *dingtalk.RobotMessage) error {
	if !c.IsAllowed(msg.SenderStaffId) {
		logger.WarnCF(dingtalkName, "Message from unauthorized user", map[string]any{
			"sender_staff_id": msg.SenderStaffId,
		})
		return nil
	}

	if msg.Msgtype == "text" {
		if msg.Text.Content == "" {
			logger.WarnCF(dingtalkName, "Text message without content", map[string]any{"msg_id": msg.MsgId})
			return nil
		}
		logger.InfoCF(dingtalkName, "Received message", map[string]any{
			"sender_staff_id": msg.SenderStaffId,
			"conversation_id": msg.ConversationId,
			"length":          len(msg.Text.Content),
		})
		c.HandleMessage(msg.SenderStaffId, bus.InboundMessage{
			ID:        msg.MsgId,
			Sender:    msg.SessionWebhook,
			Content:   msg.Text.Content,
			Timestamp: msg.CreatedAt(),
		})
		return nil
	}

	if notice, ok := dingtalkMediaNotices[msg.Msgtype]; ok {
		webhook := msg.SessionWebhook
		c.Background(msg.Msgtype+" notice", func(ctx context.Context) error {
			return c.client.SendText(ctx, webhook, notice)
		})
		return nil
	}

	logger.WarnCF(dingtalkName, "Unsupported message type", map[string]any{"msgtype": msg.Msgtype})
	return nil
}
