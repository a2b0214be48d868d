package channels

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/tinyland-inc/imbridge/pkg/bus"
	"github.com/tinyland-inc/imbridge/pkg/config"
	"github.com/tinyland-inc/imbridge/pkg/logger"
)

// Manager owns the enabled channels and routes outbound replies to them.
type Manager struct {
	bus *bus.MessageBus

	mu       sync.RWMutex
	channels map[string]Channel

	cancel       context.CancelFunc
	dispatchDone chan struct{}
}

func NewManager(cfg *config.Config, mb *bus.MessageBus) (*Manager, error) {
	m := &Manager{
		bus:      mb,
		channels: make(map[string]Channel),
	}

	if cfg.Channels.DingTalk.Enabled {
		ch, err := NewDingTalkChannel(cfg.Channels.DingTalk, mb)
		if err != nil {
			return nil, err
		}
		m.Register(ch)
	}

	if cfg.Channels.WeCom.Enabled {
		ch, err := NewWeComChannel(cfg.Channels.WeCom, mb)
		if err != nil {
			return nil, err
		}
		m.Register(ch)
	}

	return m, nil
}

func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// StartAll starts every channel and the outbound dispatcher. Channels that
// fail to start are reported but do not prevent the others from running.
func (m *Manager) StartAll(ctx context.Context) error {
	var errs []error
	for _, name := range m.GetEnabledChannels() {
		ch, _ := m.GetChannel(name)
		if err := ch.Start(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to start channel", map[string]any{
				"channel": name,
				"error":   err.Error(),
			})
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.dispatchDone = make(chan struct{})
	go m.dispatchOutbound(dispatchCtx, m.dispatchDone)

	return errors.Join(errs...)
}

func (m *Manager) dispatchOutbound(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}

		ch, found := m.GetChannel(msg.Channel)
		if !found {
			logger.WarnCF("channels", "Outbound message for unknown channel", map[string]any{"channel": msg.Channel})
			continue
		}

		if err := ch.Send(ctx, msg); err != nil {
			logger.ErrorCF("channels", "Failed to send message", map[string]any{
				"channel": msg.Channel,
				"error":   err.Error(),
			})
		}
	}
}

func (m *Manager) StopAll(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
		select {
		case <-m.dispatchDone:
		case <-ctx.Done():
		}
	}

	var errs []error
	for _, name := range m.GetEnabledChannels() {
		ch, _ := m.GetChannel(name)
		if err := ch.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// HealthCheck probes every channel that implements HealthChecker.
func (m *Manager) HealthCheck(ctx context.Context) map[string]error {
	results := make(map[string]error)
	for _, name := range m.GetEnabledChannels() {
		ch, _ := m.GetChannel(name)
		if hc, ok := ch.(HealthChecker); ok {
			results[name] = hc.HealthCheck(ctx)
		}
	}
	return results
}
