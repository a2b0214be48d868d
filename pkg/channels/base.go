package channels

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tinyland-inc/imbridge/pkg/bus"
	"github.com/tinyland-inc/imbridge/pkg/logger"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// HealthChecker is an opt-in interface for channels that can probe their
// platform credentials.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type BaseChannel struct {
	bus       bus.Publisher
	running   atomic.Bool
	name      string
	allowList []string
	tasks     *TaskGroup
}

func NewBaseChannel(name string, pub bus.Publisher, allowList []string) *BaseChannel {
	return &BaseChannel{
		bus:       pub,
		name:      name,
		allowList: allowList,
		tasks:     NewTaskGroup(name),
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) SetRunning(running bool) {
	c.running.Store(running)
}

// IsAllowed reports whether senderID is on the allow list. "*" admits
// everyone; an empty list admits no one.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	for _, allowed := range c.allowList {
		if allowed == "*" || allowed == senderID {
			return true
		}
	}
	return false
}

// HandleMessage checks senderID against the allow list and schedules
// delivery of msg to the bus. It never waits for the delivery.
func (c *BaseChannel) HandleMessage(senderID string, msg bus.InboundMessage) bool {
	if !c.IsAllowed(senderID) {
		logger.WarnCF(c.name, "Message from unauthorized sender", map[string]any{"sender_id": senderID})
		return false
	}

	msg.Channel = c.name
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	c.tasks.Go("deliver", func(ctx context.Context) error {
		return c.bus.PublishInbound(ctx, msg)
	})
	return true
}

// Background runs fn detached from the caller; failures are only logged.
func (c *BaseChannel) Background(name string, fn func(ctx context.Context) error) {
	c.tasks.Go(name, fn)
}

// WaitBackground blocks until scheduled tasks finish or ctx is done.
func (c *BaseChannel) WaitBackground(ctx context.Context) error {
	return c.tasks.Wait(ctx)
}
