// fishagent - Automated seller replies for goofish marketplace chats
// License: MIT
//
// Copyright (c) 2026 fishagent contributors

package channels

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/fishagent/pkg/logger"
)

type Manager struct {
	channels map[string]Channel
	mu       sync.RWMutex
}

func NewManager(channels ...Channel) *Manager {
	m := &Manager{channels: make(map[string]Channel, len(channels))}
	for _, ch := range channels {
		m.channels[ch.Name()] = ch
	}
	logger.InfoCF("channels", "Channel initialization completed", map[string]any{
		"enabled_channels": len(m.channels),
	})
	return m
}

func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	if len(m.channels) == 0 {
		m.mu.RUnlock()
		logger.WarnC("channels", "No channels enabled")
		return nil
	}
	channelsCopy := make(map[string]Channel, len(m.channels))
	for name, channel := range m.channels {
		channelsCopy[name] = channel
	}
	m.mu.RUnlock()

	logger.InfoC("channels", "Starting all channels")

	var started []string
	var startErrors []string
	for name, channel := range channelsCopy {
		logger.InfoCF("channels", "Starting channel", map[string]any{"channel": name})
		if err := channel.Start(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to start channel", map[string]any{
				"channel": name,
				"error":   err.Error(),
			})
			startErrors = append(startErrors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		started = append(started, name)
	}

	if len(startErrors) > 0 {
		for _, name := range started {
			if err := channelsCopy[name].Stop(ctx); err != nil {
				logger.WarnCF("channels", "Failed to stop partially-started channel", map[string]any{
					"channel": name,
					"error":   err.Error(),
				})
			}
		}
		sort.Strings(startErrors)
		return fmt.Errorf("failed to start channels: %s", strings.Join(startErrors, "; "))
	}

	logger.InfoCF("channels", "All channels started", map[string]any{"count": len(started)})
	return nil
}

func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	logger.InfoC("channels", "Stopping all channels")

	var stopErrors []string
	for name, channel := range m.channels {
		logger.InfoCF("channels", "Stopping channel", map[string]any{"channel": name})
		if err := channel.Stop(ctx); err != nil {
			logger.ErrorCF("channels", "Error stopping channel", map[string]any{
				"channel": name,
				"error":   err.Error(),
			})
			stopErrors = append(stopErrors, fmt.Sprintf("%s: %v", name, err))
		}
	}

	logger.InfoC("channels", "All channels stopped")
	if len(stopErrors) > 0 {
		sort.Strings(stopErrors)
		return fmt.Errorf("failed to stop channels: %s", strings.Join(stopErrors, "; "))
	}
	return nil
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

func (m *Manager) GetStatus() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]any, len(m.channels))
	for name, channel := range m.channels {
		status[name] = map[string]any{
			"running": channel.IsRunning(),
			"active":  channel.IsActive(),
		}
	}
	return status
}

// IsReady reports whether every registered channel has a live session.
func (m *Manager) IsReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.channels) == 0 {
		return false
	}
	for _, channel := range m.channels {
		if !channel.IsActive() {
			return false
		}
	}
	return true
}

func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) RegisterChannel(channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[channel.Name()] = channel
}

func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}
