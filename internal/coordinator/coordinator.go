// Package coordinator owns the realtime subsystem: the push connection,
// the call state machine, and the polling fallback. It routes server
// events into the machine and switches to polling while the push
// connection is unavailable.
package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/parleyhq/parley/internal/backoff"
	"github.com/parleyhq/parley/internal/call"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/polling"
	"github.com/parleyhq/parley/internal/realtime"
)

// Coordinator is the single owner of one connection, at most one call
// session, and the fallback poller. Each instance is independent; there
// is no cross-instance coordination.
type Coordinator struct {
	cfg     *config.Config
	logger  *slog.Logger
	manager *realtime.Manager
	machine *call.Machine
	poller  *polling.Poller
	onCount func(total int)
}

// Options overrides production collaborators, for tests.
type Options struct {
	Dialer    realtime.Dialer
	Signaling call.SignalingClient
	Fetcher   polling.CountFetcher
	Metrics   *observability.Metrics
	OnSession call.ChangeFunc
	OnAlert   polling.AlertFunc

	// OnNotificationCount forwards the server's unread total to the
	// notification UI.
	OnNotificationCount func(total int)
}

// New builds the subsystem from config.
func New(cfg *config.Config, logger *slog.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	token := func() string { return cfg.API.Token }

	signaling := opts.Signaling
	if signaling == nil {
		signaling = call.NewAPIClient(cfg.API.BaseURL, token, nil, logger, opts.Metrics)
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = polling.NewSummaryClient(cfg.API.BaseURL, token, nil)
	}

	header := http.Header{}
	if cfg.API.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.API.Token)
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &realtime.WebSocketDialer{
			HandshakeTimeout: durationMs(cfg.Push.HandshakeTimeoutMs),
		}
	}

	manager := realtime.NewManager(realtime.Config{
		URL:    cfg.Push.URL,
		Header: header,
		Backoff: backoff.Policy{
			BaseDelay:   durationMs(cfg.Push.Reconnect.BaseDelayMs),
			MaxDelay:    durationMs(cfg.Push.Reconnect.MaxDelayMs),
			Factor:      cfg.Push.Reconnect.Factor,
			MaxAttempts: cfg.Push.Reconnect.MaxAttempts,
		},
	}, dialer, logger, opts.Metrics)

	machine := call.NewMachine(signaling, call.MachineConfig{
		RingTimeout: cfg.RingTimeout(),
		OnChange:    opts.OnSession,
	}, logger, opts.Metrics)

	poller := polling.NewPoller(fetcher, opts.OnAlert, polling.Config{
		Interval:    cfg.PollInterval(),
		QuietWindow: cfg.QuietWindow(),
	}, logger, opts.Metrics)

	c := &Coordinator{
		cfg:     cfg,
		logger:  logger,
		manager: manager,
		machine: machine,
		poller:  poller,
		onCount: opts.OnNotificationCount,
	}
	c.wire()
	return c
}

// wire registers the event handlers and the degraded-mode switch.
func (c *Coordinator) wire() {
	c.manager.On(realtime.EventIncomingCall, func(payload json.RawMessage) {
		var p realtime.IncomingCallPayload
		if err := c.decode(realtime.EventIncomingCall, payload, &p); err != nil {
			return
		}
		c.machine.HandleIncomingCall(p)
	})
	c.manager.On(realtime.EventCallAccepted, func(payload json.RawMessage) {
		var p realtime.CallSignalPayload
		if err := c.decode(realtime.EventCallAccepted, payload, &p); err != nil {
			return
		}
		c.machine.HandleAccepted(p.SessionID)
	})
	c.manager.On(realtime.EventCallRejected, func(payload json.RawMessage) {
		var p realtime.CallSignalPayload
		if err := c.decode(realtime.EventCallRejected, payload, &p); err != nil {
			return
		}
		c.machine.HandleRejected(p.SessionID)
	})
	c.manager.On(realtime.EventCallEnded, func(payload json.RawMessage) {
		var p realtime.CallSignalPayload
		if err := c.decode(realtime.EventCallEnded, payload, &p); err != nil {
			return
		}
		c.machine.HandleEnded(p.SessionID)
	})

	if c.onCount != nil {
		c.manager.On(realtime.EventNotificationCount, func(payload json.RawMessage) {
			var p realtime.NotificationCountPayload
			if err := c.decode(realtime.EventNotificationCount, payload, &p); err != nil {
				return
			}
			c.onCount(p.Total)
		})
	}

	c.manager.OnStatus(func(s realtime.Status) {
		switch s {
		case realtime.StatusConnected:
			// Push is back; the poller's stale baseline dies with it.
			c.poller.Stop()
		case realtime.StatusDisconnected:
			// Terminal: the reconnect schedule is exhausted or the
			// subsystem is shutting down. Degrade to polling.
			c.machine.HandleDisconnect()
			c.poller.Start(c.cfg.PollInterval())
		case realtime.StatusReconnecting:
			c.machine.HandleDisconnect()
		}
	})
}

func (c *Coordinator) decode(event string, payload json.RawMessage, into any) error {
	if err := json.Unmarshal(payload, into); err != nil {
		// Malformed payloads are protocol errors: logged, never surfaced.
		c.logger.Warn("dropping malformed event payload", "event", event, "error", err)
		return err
	}
	return nil
}

// Connection exposes the connection manager.
func (c *Coordinator) Connection() *realtime.Manager { return c.manager }

// Calls exposes the call state machine.
func (c *Coordinator) Calls() *call.Machine { return c.machine }

// Poller exposes the polling fallback.
func (c *Coordinator) Poller() *polling.Poller { return c.poller }

// Run connects and blocks until ctx is done, then tears everything down.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.manager.Connect(ctx); err != nil {
		// The manager keeps retrying in the background; degraded mode
		// kicks in if it gives up.
		c.logger.Warn("initial connect failed, retrying in background", "error", err)
	}
	<-ctx.Done()
	c.Close()
	return ctx.Err()
}

// Close tears down the subsystem: transport, reconnect timer, ring timer,
// and poll loop.
func (c *Coordinator) Close() {
	c.manager.Disconnect()
	c.machine.Close()
	c.poller.Stop()
}

func durationMs(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
