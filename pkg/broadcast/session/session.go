// Package session owns the per-tenant connection state machine: connect
// with pairing, restore from stored credentials, disconnect, and the
// event-driven transitions in between. At most one session exists per
// tenant, and at most one connect attempt runs per tenant at a time.
package session

import (
	"sync"
	"time"

	"github.com/algotwist369/whatsapp-broadcard-backend/pkg/broadcast/transport"
)

// State is a session's position in its lifecycle.
type State string

const (
	// StateConnecting means a connect attempt is initializing the transport.
	StateConnecting State = "connecting"
	// StatePairing means the transport is waiting for the pairing token scan.
	StatePairing State = "pairing"
	// StateOpen means the session is authenticated and can send.
	StateOpen State = "open"
	// StateRestoring means stored credentials are being replayed.
	StateRestoring State = "restoring"
	// StateAuthError means the stored credentials were rejected or revoked.
	StateAuthError State = "auth_error"
	// StateDisconnected means the connection dropped or was torn down.
	StateDisconnected State = "disconnected"
	// StateTimeout means a connect attempt stalled in pairing and was aborted.
	StateTimeout State = "timeout"
)

// Status is a point-in-time view of one tenant's session.
type Status struct {
	TenantID     string     `json:"tenant_id"`
	State        State      `json:"state"`
	IsConnected  bool       `json:"is_connected"`
	PairingToken string     `json:"pairing_token,omitempty"`
	ConnectedAt  *time.Time `json:"connected_at,omitempty"`
}

// Session is one tenant's live connection record. All mutation goes
// through the manager; fields are guarded by the session's own mutex so
// transport event handlers and API calls can race safely.
type Session struct {
	TenantID string

	mu           sync.Mutex
	client       transport.Client
	state        State
	pairingToken string
	connectedAt  time.Time
	stall        *time.Timer
}

func newSession(tenantID string, initial State) *Session {
	return &Session{TenantID: tenantID, state: initial}
}

func (s *Session) setClient(c transport.Client) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

// Client returns the transport handle, which may be nil before the
// connect attempt creates it.
func (s *Session) Client() transport.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	if st != StatePairing {
		s.pairingToken = ""
	}
	s.mu.Unlock()
}

func (s *Session) setPairing(token string) {
	s.mu.Lock()
	s.state = StatePairing
	s.pairingToken = token
	s.mu.Unlock()
}

func (s *Session) markOpen() {
	s.mu.Lock()
	s.state = StateOpen
	s.pairingToken = ""
	s.connectedAt = time.Now()
	if s.stall != nil {
		s.stall.Stop()
		s.stall = nil
	}
	s.mu.Unlock()
}

// armStall schedules fire after d unless the session opens first.
func (s *Session) armStall(d time.Duration, fire func()) {
	s.mu.Lock()
	if s.stall != nil {
		s.stall.Stop()
	}
	s.stall = time.AfterFunc(d, fire)
	s.mu.Unlock()
}

func (s *Session) cancelStall() {
	s.mu.Lock()
	if s.stall != nil {
		s.stall.Stop()
		s.stall = nil
	}
	s.mu.Unlock()
}

// stalled reports whether the session is still waiting on pairing; the
// stall timer uses it to decide if the attempt should be aborted.
func (s *Session) stalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnecting || s.state == StatePairing || s.state == StateRestoring
}

// Snapshot returns the session's current status.
func (s *Session) Snapshot() Status {
	s.mu.Lock()
	state := s.state
	token := s.pairingToken
	client := s.client
	connectedAt := s.connectedAt
	s.mu.Unlock()

	st := Status{
		TenantID:     s.TenantID,
		State:        state,
		PairingToken: token,
		IsConnected:  state == StateOpen && client != nil && client.IsConnected(),
	}
	if !connectedAt.IsZero() {
		t := connectedAt
		st.ConnectedAt = &t
	}
	return st
}
