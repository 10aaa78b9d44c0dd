// Package realtime maintains the persistent push connection to the server
// and dispatches server-pushed events to registered handlers.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/backoff"
	"github.com/parleyhq/parley/internal/observability"
)

// Status is the lifecycle state of the push connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// Handler receives the raw payload of one named server event.
// Handlers run on the read loop goroutine, in arrival order.
type Handler func(payload json.RawMessage)

// StatusFunc observes status transitions.
type StatusFunc func(status Status)

// Config configures the connection manager.
type Config struct {
	// URL is the push endpoint.
	URL string

	// Header is attached to the dial request (bearer auth lives here).
	Header http.Header

	// Backoff governs the reconnect schedule. Zero value means
	// backoff.Default().
	Backoff backoff.Policy
}

// Manager owns one logical push connection. It reconnects automatically
// on transport loss, following the backoff schedule, and settles into a
// terminal disconnected state once the schedule is exhausted. A later
// Connect call restarts the whole cycle.
//
// At most one dial is in flight at a time, and a pending reconnect timer
// is always stopped before a new one is scheduled.
type Manager struct {
	cfg     Config
	dialer  Dialer
	logger  *slog.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	status    Status
	transport Transport
	handlers  map[string][]Handler
	statusFns []StatusFunc
	attempt   int
	timer     *time.Timer
	lastErr   error

	// gen is bumped on every deliberate teardown; stale read loops and
	// reconnect timers check it and bail.
	gen int
}

// NewManager creates a connection manager. A nil dialer selects the
// websocket dialer; a nil logger selects slog.Default(). Metrics may be nil.
func NewManager(cfg Config, dialer Dialer, logger *slog.Logger, metrics *observability.Metrics) *Manager {
	if dialer == nil {
		dialer = &WebSocketDialer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Backoff.MaxAttempts == 0 {
		cfg.Backoff = backoff.Default()
	}
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		logger:   logger,
		metrics:  metrics,
		status:   StatusDisconnected,
		handlers: make(map[string][]Handler),
	}
}

// On registers a handler for a named server event. Events with no
// registered handler are ignored.
func (m *Manager) On(event string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], h)
}

// OnStatus registers a status transition observer. Observers run
// synchronously under the manager's lock, so they see transitions in
// order; they must not block or call back into the Manager.
func (m *Manager) OnStatus(fn StatusFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusFns = append(m.statusFns, fn)
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsConnected reports whether the push connection is live.
func (m *Manager) IsConnected() bool {
	return m.Status() == StatusConnected
}

// LastError returns the most recent transport error, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Connect establishes the push connection. It is idempotent: while a
// connection is live, a dial is in flight, or a reconnect is pending, it
// returns nil immediately. Calling it from the terminal disconnected
// state restarts the retry cycle from attempt zero.
//
// The returned error reflects only this first dial; on failure the
// manager keeps retrying in the background per the backoff schedule.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.status != StatusDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.attempt = 0
	m.lastErr = nil
	gen := m.gen
	m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()

	return m.dial(ctx, gen)
}

// Disconnect tears down the transport, stops any pending reconnect timer,
// and resets the retry counter. Safe to call when already disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	tr := m.transport
	m.transport = nil
	m.attempt = 0
	m.lastErr = nil
	m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()

	if tr != nil {
		_ = tr.Close() //nolint:errcheck // best-effort cleanup
	}
}

// dial performs one connect attempt for generation gen.
func (m *Manager) dial(ctx context.Context, gen int) error {
	tr, err := m.dialer.Dial(ctx, m.cfg.URL, m.cfg.Header)

	m.mu.Lock()
	if m.gen != gen {
		// Disconnected while dialing; discard the result.
		m.mu.Unlock()
		if tr != nil {
			_ = tr.Close() //nolint:errcheck // best-effort cleanup
		}
		return nil
	}

	if err != nil {
		m.lastErr = err
		if m.metrics != nil {
			m.metrics.ConnectAttempts.WithLabelValues("failure").Inc()
		}
		m.logger.Warn("push connect failed", "attempt", m.attempt, "error", err)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return err
	}

	m.transport = tr
	m.attempt = 0
	m.lastErr = nil
	if m.metrics != nil {
		m.metrics.ConnectAttempts.WithLabelValues("success").Inc()
		m.metrics.Connected.Set(1)
	}
	m.logger.Info("push connection established", "url", m.cfg.URL)
	m.setStatusLocked(StatusConnected)
	m.mu.Unlock()

	go m.readLoop(gen, tr)
	return nil
}

// readLoop reads events until the transport fails, then hands off to the
// reconnect path unless the teardown was deliberate.
func (m *Manager) readLoop(gen int, tr Transport) {
	for {
		ev, err := tr.ReadEvent()
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		m.dispatch(ev)
	}
}

// handleClose reacts to a transport-level close. A close is not fatal:
// it reenters the same backoff-governed reconnect path as a failed dial.
func (m *Manager) handleClose(gen int, err error) {
	m.mu.Lock()
	if m.gen != gen {
		// Deliberate disconnect; the read loop just drained out.
		m.mu.Unlock()
		return
	}
	m.transport = nil
	m.lastErr = err
	if m.metrics != nil {
		m.metrics.Connected.Set(0)
	}
	m.logger.Warn("push connection lost", "error", err)
	m.scheduleReconnectLocked()
	m.mu.Unlock()
}

// scheduleReconnectLocked arms the reconnect timer for the current attempt
// number, or settles into the terminal disconnected state once the
// schedule is exhausted. Caller holds m.mu.
func (m *Manager) scheduleReconnectLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	delay, ok := m.cfg.Backoff.Delay(m.attempt)
	m.attempt++
	if !ok {
		if m.metrics != nil {
			m.metrics.GiveUps.Inc()
			m.metrics.Connected.Set(0)
		}
		m.logger.Error("push reconnect attempts exhausted", "attempts", m.attempt-1)
		m.setStatusLocked(StatusDisconnected)
		return
	}

	if m.metrics != nil {
		m.metrics.Reconnects.Inc()
	}
	gen := m.gen
	m.timer = time.AfterFunc(delay, func() { m.redial(gen) })
	m.setStatusLocked(StatusReconnecting)
}

// redial runs when the reconnect timer fires.
func (m *Manager) redial(gen int) {
	m.mu.Lock()
	if m.gen != gen || m.status != StatusReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	_ = m.dial(context.Background(), gen) //nolint:errcheck // failure reenters the schedule
}

// dispatch routes one server event to its handlers, in registration order.
// Unknown event names are ignored.
func (m *Manager) dispatch(ev *Event) {
	m.mu.Lock()
	hs := append([]Handler(nil), m.handlers[ev.Name]...)
	m.mu.Unlock()

	if len(hs) == 0 {
		m.logger.Debug("ignoring unhandled event", "event", ev.Name)
		return
	}
	if m.metrics != nil {
		m.metrics.EventsDispatched.WithLabelValues(ev.Name).Inc()
	}
	for _, h := range hs {
		h(ev.Payload)
	}
}

// setStatusLocked updates the status and notifies observers in
// registration order. Observers run under m.mu, so notification order
// always matches transition order. Caller holds m.mu.
func (m *Manager) setStatusLocked(s Status) {
	if m.status == s {
		return
	}
	m.status = s
	for _, fn := range m.statusFns {
		fn(s)
	}
}
