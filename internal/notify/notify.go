// Package notify delivers operator alerts. A manager fans out to configured
// channels and suppresses identical messages inside a short window so a
// flapping check cannot flood the operator; force bypasses the window.
package notify

import (
	"sync"
	"time"

	"cohort-grid-bot/internal/logging"
)

// dedupWindow suppresses repeats of the same text.
const dedupWindow = time.Minute

// Channel is one delivery backend.
type Channel interface {
	Deliver(text string) error
}

// Manager implements the orchestrator's Notifier over N channels.
type Manager struct {
	channels []Channel
	logger   *logging.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewManager builds a manager. With no channels Send degrades to logging.
func NewManager(logger *logging.Logger, channels ...Channel) *Manager {
	return &Manager{
		channels: channels,
		logger:   logger.WithComponent("notify"),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// Send delivers text to every channel. Identical text inside the dedup
// window is dropped unless force is set.
func (m *Manager) Send(text string, force bool) {
	if !force && m.isDuplicate(text) {
		m.logger.Debug("notification suppressed", "length", len(text))
		return
	}
	if len(m.channels) == 0 {
		m.logger.Info("notification", "text", text)
		return
	}
	for _, ch := range m.channels {
		if err := ch.Deliver(text); err != nil {
			m.logger.Warn("notification delivery failed", "error", err)
		}
	}
}

// isDuplicate records the send time and reports whether the same text went
// out inside the window. Old entries are pruned opportunistically.
func (m *Manager) isDuplicate(text string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if last, ok := m.lastSent[text]; ok && now.Sub(last) < dedupWindow {
		return true
	}
	for k, t := range m.lastSent {
		if now.Sub(t) >= dedupWindow {
			delete(m.lastSent, k)
		}
	}
	m.lastSent[text] = now
	return false
}
