package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/realtime"
)

// State is the lifecycle state of one call session.
type State string

const (
	StateIdle            State = "idle"
	StateRingingOutgoing State = "ringing_outgoing"
	StateRingingIncoming State = "ringing_incoming"
	StateConnecting      State = "connecting"
	StateActive          State = "active"
	StateEnded           State = "ended"
	StateRejected        State = "rejected"
	StateCancelled       State = "cancelled"
	StateFailed          State = "failed"
)

// Terminal reports whether the state ends the session. Server events for
// a session in a terminal state are dropped; a finished session is never
// resurrected.
func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateRejected, StateCancelled, StateFailed:
		return true
	}
	return false
}

// Direction distinguishes who initiated the call.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Peer is display metadata for the remote party.
type Peer struct {
	Name   string
	Avatar string
}

// Session is a snapshot of one call negotiation. Credentials are nil
// until the session reaches the connecting state.
type Session struct {
	ID             string
	Direction      Direction
	State          State
	ConversationID string
	Peer           Peer
	Credentials    *MediaCredentials
	Err            error
	RingStarted    time.Time
	RingDuration   time.Duration
}

// ChangeFunc observes session snapshots after each transition. It runs
// synchronously on the transition path and must not call back into the
// Machine.
type ChangeFunc func(Session)

// DefaultRingTimeout bounds how long a call may ring before it is
// auto-cancelled (outgoing) or auto-rejected (incoming).
const DefaultRingTimeout = 5 * time.Second

// ErrBusy is returned when a call is initiated while another session is
// still in progress. Only one session may be live per connection.
var ErrBusy = errors.New("call: a session is already in progress")

// ErrNoSession is returned by local actions that require a session in a
// specific state.
var ErrNoSession = errors.New("call: no session in the required state")

// sideEffectTimeout bounds REST calls triggered by timers and server
// events, which carry no caller context.
const sideEffectTimeout = 10 * time.Second

// MachineConfig configures the call state machine.
type MachineConfig struct {
	// RingTimeout bounds the ringing states (default DefaultRingTimeout).
	RingTimeout time.Duration

	// OnChange observes session snapshots. Optional.
	OnChange ChangeFunc
}

// Machine drives one call session at a time. Every transition is guarded
// by the session's current state, so a trigger racing a transition that
// already happened is dropped rather than applied twice. Transitions run
// strictly sequentially: the machine's lock is held across a transition
// and its signaling side effects.
type Machine struct {
	api         SignalingClient
	logger      *slog.Logger
	metrics     *observability.Metrics
	ringTimeout time.Duration
	onChange    ChangeFunc

	mu        sync.Mutex
	sess      *Session
	ringTimer *time.Timer

	// epoch invalidates ring timer callbacks that fire after the timer
	// was conceptually cleared.
	epoch int

	// earlyCreds holds credentials the server returned from the start
	// call itself; they are exposed only once the session reaches
	// connecting.
	earlyCreds *MediaCredentials
}

// NewMachine creates a call state machine over the given signaling client.
func NewMachine(api SignalingClient, cfg MachineConfig, logger *slog.Logger, metrics *observability.Metrics) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	return &Machine{
		api:         api,
		logger:      logger,
		metrics:     metrics,
		ringTimeout: cfg.RingTimeout,
		onChange:    cfg.OnChange,
	}
}

// Session returns a snapshot of the current session. ok is false when no
// session exists.
func (m *Machine) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Session{}, false
	}
	return m.snapshotLocked(), true
}

// State returns the current state, or StateIdle with no session.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return StateIdle
	}
	return m.sess.State
}

// Start initiates an outgoing call for the conversation. It is rejected
// while another session is still in progress; a session in a terminal
// state is replaced.
func (m *Machine) Start(ctx context.Context, conversationID string, peer Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil && !m.sess.State.Terminal() {
		return ErrBusy
	}
	return m.startLocked(ctx, conversationID, peer)
}

func (m *Machine) startLocked(ctx context.Context, conversationID string, peer Peer) error {
	m.clearRingTimerLocked()
	m.earlyCreds = nil
	m.sess = &Session{
		Direction:      DirectionOutgoing,
		State:          StateRingingOutgoing,
		ConversationID: conversationID,
		Peer:           peer,
	}
	m.notifyLocked()

	res, err := m.api.StartCall(ctx, conversationID)
	if err != nil {
		m.failLocked(err)
		return err
	}
	m.sess.ID = res.SessionID
	if res.MediaToken != "" {
		m.earlyCreds = &MediaCredentials{Token: res.MediaToken, ServerURL: res.MediaServerURL}
	}
	m.startRingTimerLocked()
	m.notifyLocked()
	return nil
}

// Accept accepts the incoming call.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.State != StateRingingIncoming {
		return ErrNoSession
	}
	return m.acceptLocked(ctx)
}

func (m *Machine) acceptLocked(ctx context.Context) error {
	m.clearRingTimerLocked()
	m.stopRingingLocked()
	m.sess.State = StateConnecting
	m.notifyLocked()

	creds, err := m.api.AcceptCall(ctx, m.sess.ID)
	if err != nil {
		m.failLocked(err)
		return err
	}
	m.sess.Credentials = creds
	m.sess.State = StateActive
	m.notifyLocked()
	return nil
}

// Reject declines the incoming call.
func (m *Machine) Reject(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.State != StateRingingIncoming {
		return ErrNoSession
	}
	m.clearRingTimerLocked()
	m.stopRingingLocked()
	m.terminalLocked(StateRejected)
	if err := m.api.RejectCall(ctx, m.sess.ID); err != nil {
		// The session is already terminal locally; the server will time
		// the ring out on its own.
		m.logger.Warn("reject call request failed", "session_id", m.sess.ID, "error", err)
	}
	return nil
}

// Cancel withdraws the outgoing call before the callee answers.
func (m *Machine) Cancel(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.State != StateRingingOutgoing {
		return ErrNoSession
	}
	m.clearRingTimerLocked()
	m.stopRingingLocked()
	m.terminalLocked(StateCancelled)
	if err := m.api.EndCall(ctx, m.sess.ID); err != nil {
		m.logger.Warn("cancel call request failed", "session_id", m.sess.ID, "error", err)
	}
	return nil
}

// End hangs up the active call.
func (m *Machine) End(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.State != StateActive {
		return ErrNoSession
	}
	m.terminalLocked(StateEnded)
	if err := m.api.EndCall(ctx, m.sess.ID); err != nil {
		m.logger.Warn("end call request failed", "session_id", m.sess.ID, "error", err)
	}
	return nil
}

// Retry re-invokes the action that led to a failed session: a fresh start
// for outgoing calls, a fresh accept for incoming ones.
func (m *Machine) Retry(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.State != StateFailed {
		return ErrNoSession
	}
	m.sess.Err = nil
	if m.sess.Direction == DirectionIncoming {
		return m.acceptLocked(ctx)
	}
	return m.startLocked(ctx, m.sess.ConversationID, m.sess.Peer)
}

// Dismiss discards a session that reached a terminal state, once the UI
// has closed its call surface.
func (m *Machine) Dismiss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || !m.sess.State.Terminal() {
		return
	}
	m.sess = nil
	m.earlyCreds = nil
}

// Close tears the machine down, clearing the ring timer and any session.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearRingTimerLocked()
	m.sess = nil
	m.earlyCreds = nil
}

// HandleIncomingCall reacts to the server announcing a call ringing
// toward the local user. It is dropped while another session is live.
func (m *Machine) HandleIncomingCall(p realtime.IncomingCallPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil && !m.sess.State.Terminal() {
		m.logger.Debug("dropping incoming call, session in progress",
			"session_id", p.SessionID, "current", m.sess.ID)
		return
	}
	m.earlyCreds = nil
	m.sess = &Session{
		ID:             p.SessionID,
		Direction:      DirectionIncoming,
		State:          StateRingingIncoming,
		ConversationID: p.ConversationID,
		Peer:           Peer{Name: p.CallerName, Avatar: p.CallerAvatar},
	}
	m.startRingTimerLocked()
	m.notifyLocked()
}

// HandleAccepted reacts to the callee accepting our outgoing call. The
// caller side fetches its media credentials and goes active.
func (m *Machine) HandleAccepted(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.matchLocked(sessionID, StateRingingOutgoing) {
		return
	}
	m.clearRingTimerLocked()
	m.stopRingingLocked()
	m.sess.State = StateConnecting
	m.notifyLocked()

	creds := m.earlyCreds
	if creds == nil {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		var err error
		creds, err = m.api.FetchToken(ctx, sessionID)
		if err != nil {
			m.failLocked(err)
			return
		}
	}
	m.sess.Credentials = creds
	m.sess.State = StateActive
	m.notifyLocked()
}

// HandleRejected reacts to the callee declining our outgoing call.
func (m *Machine) HandleRejected(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.matchLocked(sessionID, StateRingingOutgoing) {
		return
	}
	m.clearRingTimerLocked()
	m.stopRingingLocked()
	m.terminalLocked(StateRejected)
}

// HandleEnded reacts to the remote party hanging up the active call.
func (m *Machine) HandleEnded(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.matchLocked(sessionID, StateActive) {
		return
	}
	m.clearRingTimerLocked()
	m.terminalLocked(StateEnded)
}

// HandleDisconnect fails any in-flight session when the push connection
// is lost; call signaling cannot survive without it.
func (m *Machine) HandleDisconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.State.Terminal() {
		return
	}
	m.stopRingingLocked()
	m.failLocked(realtime.ErrConnection("connection lost during call", nil))
}

// matchLocked guards server events: the session must exist, carry the
// referenced identifier, and sit in the expected source state. Events
// for unknown or already-terminal sessions are dropped silently.
func (m *Machine) matchLocked(sessionID string, want State) bool {
	if m.sess == nil || m.sess.ID != sessionID || m.sess.State != want {
		m.logger.Debug("dropping stale call event", "session_id", sessionID, "want_state", string(want))
		return false
	}
	return true
}

func (m *Machine) startRingTimerLocked() {
	m.clearRingTimerLocked()
	m.sess.RingStarted = time.Now()
	epoch := m.epoch
	m.ringTimer = time.AfterFunc(m.ringTimeout, func() { m.ringTimedOut(epoch) })
}

// clearRingTimerLocked stops the timer and invalidates any callback that
// already fired but has not taken the lock yet.
func (m *Machine) clearRingTimerLocked() {
	m.epoch++
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

func (m *Machine) stopRingingLocked() {
	if m.sess != nil && !m.sess.RingStarted.IsZero() {
		m.sess.RingDuration = time.Since(m.sess.RingStarted)
	}
}

// ringTimedOut fires when a ringing state outlasted the ring window.
func (m *Machine) ringTimedOut(epoch int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch || m.sess == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	switch m.sess.State {
	case StateRingingOutgoing:
		m.clearRingTimerLocked()
		m.stopRingingLocked()
		m.terminalLocked(StateCancelled)
		if err := m.api.EndCall(ctx, m.sess.ID); err != nil {
			m.logger.Warn("auto-cancel request failed", "session_id", m.sess.ID, "error", err)
		}
	case StateRingingIncoming:
		m.clearRingTimerLocked()
		m.stopRingingLocked()
		m.terminalLocked(StateRejected)
		if err := m.api.RejectCall(ctx, m.sess.ID); err != nil {
			m.logger.Warn("auto-reject request failed", "session_id", m.sess.ID, "error", err)
		}
	}
}

// failLocked moves the session to failed, retaining the error for display
// and retry.
func (m *Machine) failLocked(err error) {
	m.clearRingTimerLocked()
	m.sess.Err = err
	m.terminalLocked(StateFailed)
}

// terminalLocked applies a terminal state and records the outcome.
func (m *Machine) terminalLocked(s State) {
	m.sess.State = s
	if m.metrics != nil {
		m.metrics.CallOutcomes.WithLabelValues(string(m.sess.Direction), string(s)).Inc()
	}
	m.logger.Info("call session finished",
		"session_id", m.sess.ID,
		"direction", string(m.sess.Direction),
		"outcome", string(s),
	)
	m.notifyLocked()
}

func (m *Machine) snapshotLocked() Session {
	snap := *m.sess
	if m.sess.Credentials != nil {
		creds := *m.sess.Credentials
		snap.Credentials = &creds
	}
	return snap
}

func (m *Machine) notifyLocked() {
	if m.onChange != nil {
		m.onChange(m.snapshotLocked())
	}
}
