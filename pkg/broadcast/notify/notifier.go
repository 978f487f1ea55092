// Package notify publishes session state changes to per-tenant
// subscribers (web UI clients, typically over a socket owned elsewhere).
package notify

import (
	"log/slog"
	"sync"
	"time"
)

// StatusUpdate is one session state change for one tenant.
type StatusUpdate struct {
	TenantID     string    `json:"tenant_id"`
	IsConnected  bool      `json:"is_connected"`
	State        string    `json:"state"`
	PairingToken string    `json:"pairing_token,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Notifier fans session status updates out to tenant-scoped subscribers.
// Delivery is at-least-once and non-blocking: slow subscribers miss
// intermediate updates but always observe the latest on re-subscribe.
type Notifier struct {
	mu     sync.Mutex
	subs   map[string][]chan StatusUpdate
	last   map[string]StatusUpdate
	logger *slog.Logger
}

// NewNotifier creates an empty notifier.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		subs:   make(map[string][]chan StatusUpdate),
		last:   make(map[string]StatusUpdate),
		logger: logger.With("component", "notify"),
	}
}

// Subscribe registers for a tenant's status updates and returns the channel
// plus an unsubscribe function. The most recent update, if any, is replayed
// immediately so late joiners don't miss the current state.
func (n *Notifier) Subscribe(tenantID string) (<-chan StatusUpdate, func()) {
	ch := make(chan StatusUpdate, 8)

	n.mu.Lock()
	n.subs[tenantID] = append(n.subs[tenantID], ch)
	if last, ok := n.last[tenantID]; ok {
		ch <- last
	}
	n.mu.Unlock()

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		subs := n.subs[tenantID]
		for i, s := range subs {
			if s == ch {
				n.subs[tenantID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// Publish delivers an update to every subscriber of the tenant. Sends never
// block; a full subscriber buffer drops the update for that subscriber.
// The sends happen under the mutex so an unsubscribe can never close a
// channel mid-publish.
func (n *Notifier) Publish(update StatusUpdate) {
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now()
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.last[update.TenantID] = update
	for _, ch := range n.subs[update.TenantID] {
		select {
		case ch <- update:
		default:
			n.logger.Debug("subscriber too slow, dropping update",
				"tenant", update.TenantID, "state", update.State)
		}
	}
}

// Forget clears the cached last update for a tenant. Called when the
// session record is removed so new subscribers don't see stale state.
func (n *Notifier) Forget(tenantID string) {
	n.mu.Lock()
	delete(n.last, tenantID)
	n.mu.Unlock()
}
