package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/config"
	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/notify"
	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/transport"
)

var (
	// ErrAttemptInProgress means a connect or restore for the tenant is
	// already running; the caller should report that, not start another.
	ErrAttemptInProgress = errors.New("session: connection attempt already in progress")

	// ErrNoCredentials means restore was requested for a tenant with no
	// stored credentials.
	ErrNoCredentials = errors.New("session: no stored credentials")

	// ErrSessionNotOpen means a send path asked for a tenant whose session
	// is missing or not authenticated.
	ErrSessionNotOpen = errors.New("session: not open")

	// ErrInvalidTenantID rejects tenant IDs unusable as directory names.
	ErrInvalidTenantID = errors.New("session: invalid tenant id")
)

// statusPoll is the interval used when waiting for a session to reach
// open during restore and quick reconnect.
const statusPoll = 250 * time.Millisecond

// Manager drives every tenant's session through its lifecycle. It owns
// the registry, the credential store and the per-tenant attempt locks,
// and translates transport events into state transitions and published
// status updates.
type Manager struct {
	factory  transport.Factory
	creds    *CredentialStore
	registry *Registry
	notifier *notify.Notifier
	cfg      config.SessionConfig
	logger   *slog.Logger

	attemptMu sync.Mutex
	attempts  map[string]struct{}

	hookMu    sync.Mutex
	onOpen    func(tenantID string)
	onMessage func(tenantID string, msg transport.InboundMessage)
}

// NewManager wires a manager over the given transport factory.
func NewManager(factory transport.Factory, creds *CredentialStore, notifier *notify.Notifier, cfg config.SessionConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory:  factory,
		creds:    creds,
		registry: NewRegistry(),
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "session"),
		attempts: make(map[string]struct{}),
	}
}

// OnOpen registers the callback invoked each time a tenant's session
// reaches open. Used to kick off pending-message recovery.
func (m *Manager) OnOpen(fn func(tenantID string)) {
	m.hookMu.Lock()
	m.onOpen = fn
	m.hookMu.Unlock()
}

// OnMessage registers the sink for inbound messages. The sink is called
// from the transport's event goroutine and must not block for long.
func (m *Manager) OnMessage(fn func(tenantID string, msg transport.InboundMessage)) {
	m.hookMu.Lock()
	m.onMessage = fn
	m.hookMu.Unlock()
}

// Connect establishes the tenant's session. If the session is already
// open its status is returned unchanged. If a previous handle exists but
// dropped, a bounded quick reconnect is tried before starting fresh.
// A fresh attempt initializes the transport and polls, with backoff,
// until a pairing token or an open session appears; the returned status
// carries whichever came first. A stall timer aborts attempts that never
// leave pairing.
func (m *Manager) Connect(ctx context.Context, tenantID string) (Status, error) {
	if !validTenantID(tenantID) {
		return Status{}, ErrInvalidTenantID
	}
	if !m.acquireAttempt(tenantID) {
		return Status{}, ErrAttemptInProgress
	}
	defer m.releaseAttempt(tenantID)

	if existing := m.registry.Get(tenantID); existing != nil {
		snap := existing.Snapshot()
		if snap.IsConnected {
			return snap, nil
		}
		if st, ok := m.quickReconnect(ctx, existing); ok {
			return st, nil
		}
		m.teardown(existing)
	}

	sess := newSession(tenantID, StateConnecting)
	m.registry.Put(sess)
	m.publish(sess.Snapshot())

	client, err := m.factory.NewClient(ctx, tenantID, func(ev transport.Event) {
		m.handleEvent(tenantID, ev)
	})
	if err != nil {
		m.registry.Remove(tenantID)
		return Status{}, fmt.Errorf("creating transport client: %w", err)
	}
	sess.setClient(client)

	if err := client.Initialize(ctx); err != nil {
		m.teardown(sess)
		m.registry.Remove(tenantID)
		return Status{}, fmt.Errorf("initializing transport: %w", err)
	}

	sess.armStall(m.cfg.PairingTimeout, func() { m.abortStalled(tenantID) })

	return m.awaitPairingOrOpen(ctx, sess)
}

// awaitPairingOrOpen polls the session with geometric backoff until a
// pairing token, an open session or a terminal state shows up. Running
// out of polls is not an error: the attempt continues in the background
// and the caller gets the in-flight status.
func (m *Manager) awaitPairingOrOpen(ctx context.Context, sess *Session) (Status, error) {
	interval := m.cfg.PairingPollBase
	for i := 0; i < m.cfg.PairingPollMax; i++ {
		select {
		case <-ctx.Done():
			return sess.Snapshot(), ctx.Err()
		case <-time.After(interval):
		}

		snap := sess.Snapshot()
		switch {
		case snap.State == StateOpen, snap.PairingToken != "":
			return snap, nil
		case snap.State == StateAuthError, snap.State == StateTimeout, snap.State == StateDisconnected:
			return snap, nil
		}

		interval = time.Duration(float64(interval) * m.cfg.PairingPollFactor)
		if limit := m.cfg.PairingPollCap; limit > 0 && interval > limit {
			interval = limit
		}
	}
	return sess.Snapshot(), nil
}

// quickReconnect gives a dropped handle a bounded window to come back
// before the manager discards it and pairs from scratch.
func (m *Manager) quickReconnect(ctx context.Context, sess *Session) (Status, bool) {
	client := sess.Client()
	if client == nil || !m.creds.Exists(sess.TenantID) {
		return Status{}, false
	}

	m.logger.Info("waiting for reconnect", "tenant", sess.TenantID)
	deadline := time.After(m.cfg.ReconnectWait)
	for {
		select {
		case <-ctx.Done():
			return Status{}, false
		case <-deadline:
			m.logger.Info("reconnect window elapsed, starting fresh", "tenant", sess.TenantID)
			return Status{}, false
		case <-time.After(statusPoll):
		}
		if client.IsConnected() {
			sess.markOpen()
			m.publish(sess.Snapshot())
			return sess.Snapshot(), true
		}
	}
}

// Restore brings a tenant with stored credentials back to open without
// pairing, waiting up to the configured timeout. Tenants without
// credentials are rejected.
func (m *Manager) Restore(ctx context.Context, tenantID string) (Status, error) {
	if !validTenantID(tenantID) {
		return Status{}, ErrInvalidTenantID
	}
	if !m.creds.Exists(tenantID) {
		return Status{}, ErrNoCredentials
	}
	if !m.acquireAttempt(tenantID) {
		return Status{}, ErrAttemptInProgress
	}
	defer m.releaseAttempt(tenantID)

	if existing := m.registry.Get(tenantID); existing != nil {
		if snap := existing.Snapshot(); snap.IsConnected {
			return snap, nil
		}
		m.teardown(existing)
	}

	sess := newSession(tenantID, StateRestoring)
	m.registry.Put(sess)
	m.publish(sess.Snapshot())

	client, err := m.factory.NewClient(ctx, tenantID, func(ev transport.Event) {
		m.handleEvent(tenantID, ev)
	})
	if err != nil {
		m.registry.Remove(tenantID)
		return Status{}, fmt.Errorf("creating transport client: %w", err)
	}
	sess.setClient(client)

	if err := client.Initialize(ctx); err != nil {
		m.teardown(sess)
		m.registry.Remove(tenantID)
		return Status{}, fmt.Errorf("initializing transport: %w", err)
	}

	deadline := time.After(m.cfg.RestoreTimeout)
	for {
		select {
		case <-ctx.Done():
			return sess.Snapshot(), ctx.Err()
		case <-deadline:
			// The transport keeps retrying in the background; report
			// where the session got to so the caller can decide.
			m.logger.Warn("restore did not reach open in time", "tenant", tenantID)
			return sess.Snapshot(), nil
		case <-time.After(statusPoll):
		}

		snap := sess.Snapshot()
		switch snap.State {
		case StateOpen:
			return snap, nil
		case StateAuthError:
			return snap, nil
		}
	}
}

// Disconnect tears the tenant's session down and removes it from the
// registry. Stored credentials are kept so the tenant can be restored.
// Disconnecting an absent session is a no-op.
func (m *Manager) Disconnect(tenantID string) error {
	sess := m.registry.Remove(tenantID)
	if sess == nil {
		return nil
	}
	m.teardown(sess)
	m.publish(Status{TenantID: tenantID, State: StateDisconnected})
	m.notifier.Forget(tenantID)
	m.logger.Info("session disconnected", "tenant", tenantID)
	return nil
}

// Logout disconnects the tenant and deletes its stored credentials, so
// the next connect pairs from scratch.
func (m *Manager) Logout(tenantID string) error {
	if err := m.Disconnect(tenantID); err != nil {
		return err
	}
	return m.creds.Remove(tenantID)
}

// GetStatus reports the tenant's session status. Tenants with no live
// session but stored credentials show as disconnected-but-restorable.
func (m *Manager) GetStatus(tenantID string) Status {
	if sess := m.registry.Get(tenantID); sess != nil {
		return sess.Snapshot()
	}
	return Status{TenantID: tenantID, State: StateDisconnected}
}

// ClientFor returns the transport client for an open session; send paths
// use it and fail fast with ErrSessionNotOpen otherwise.
func (m *Manager) ClientFor(tenantID string) (transport.Client, error) {
	sess := m.registry.Get(tenantID)
	if sess == nil {
		return nil, ErrSessionNotOpen
	}
	snap := sess.Snapshot()
	if !snap.IsConnected {
		return nil, ErrSessionNotOpen
	}
	return sess.Client(), nil
}

// RestorableTenants lists tenants with stored credentials, for startup.
func (m *Manager) RestorableTenants() ([]string, error) {
	return m.creds.List()
}

// Shutdown disconnects every live session. Credentials are kept.
func (m *Manager) Shutdown() {
	for _, sess := range m.registry.All() {
		if err := m.Disconnect(sess.TenantID); err != nil {
			m.logger.Error("disconnecting on shutdown",
				"tenant", sess.TenantID, "error", err)
		}
	}
}

func (m *Manager) handleEvent(tenantID string, ev transport.Event) {
	sess := m.registry.Get(tenantID)

	switch ev.Type {
	case transport.EventPairingToken:
		if sess == nil {
			return
		}
		sess.setPairing(ev.Token)
		m.publish(sess.Snapshot())
		m.logger.Info("pairing token issued", "tenant", tenantID)

	case transport.EventOpen:
		if sess == nil {
			return
		}
		sess.markOpen()
		m.publish(sess.Snapshot())
		m.logger.Info("session open", "tenant", tenantID)
		m.hookMu.Lock()
		fn := m.onOpen
		m.hookMu.Unlock()
		if fn != nil {
			go fn(tenantID)
		}

	case transport.EventAuthFailure:
		m.logger.Warn("authentication failure, purging credentials",
			"tenant", tenantID, "reason", ev.Reason)
		if sess != nil {
			m.registry.Remove(tenantID)
			m.teardown(sess)
		}
		if err := m.creds.Remove(tenantID); err != nil {
			m.logger.Error("purging credentials", "tenant", tenantID, "error", err)
		}
		m.publish(Status{TenantID: tenantID, State: StateAuthError})

	case transport.EventDisconnected:
		if sess == nil {
			return
		}
		sess.setState(StateDisconnected)
		m.publish(sess.Snapshot())
		m.logger.Info("session disconnected by transport",
			"tenant", tenantID, "reason", ev.Reason)

	case transport.EventMessage:
		if ev.Message == nil {
			return
		}
		m.hookMu.Lock()
		fn := m.onMessage
		m.hookMu.Unlock()
		if fn != nil {
			fn(tenantID, *ev.Message)
		}
	}
}

// abortStalled fires when the pairing stall timer elapses. The session
// is only aborted if it never reached open.
func (m *Manager) abortStalled(tenantID string) {
	sess := m.registry.Get(tenantID)
	if sess == nil || !sess.stalled() {
		return
	}
	m.logger.Warn("connect attempt stalled in pairing, aborting", "tenant", tenantID)
	sess.setState(StateTimeout)
	m.publish(sess.Snapshot())
	m.teardown(sess)
	m.registry.Remove(tenantID)
}

// teardown destroys the session's transport handle and stops its timers.
func (m *Manager) teardown(sess *Session) {
	sess.cancelStall()
	if client := sess.Client(); client != nil {
		if err := client.Destroy(); err != nil {
			m.logger.Debug("destroying transport client",
				"tenant", sess.TenantID, "error", err)
		}
	}
}

func (m *Manager) publish(st Status) {
	m.notifier.Publish(notify.StatusUpdate{
		TenantID:     st.TenantID,
		IsConnected:  st.IsConnected,
		State:        string(st.State),
		PairingToken: st.PairingToken,
	})
}

func (m *Manager) acquireAttempt(tenantID string) bool {
	m.attemptMu.Lock()
	defer m.attemptMu.Unlock()
	if _, busy := m.attempts[tenantID]; busy {
		return false
	}
	m.attempts[tenantID] = struct{}{}
	return true
}

func (m *Manager) releaseAttempt(tenantID string) {
	m.attemptMu.Lock()
	delete(m.attempts, tenantID)
	m.attemptMu.Unlock()
}
