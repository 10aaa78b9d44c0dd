// Package polling approximates push notifications by periodically pulling
// a summary resource while the realtime connection is unavailable.
package polling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/realtime"
)

// CountFetcher returns the server-side total of the counted resource.
type CountFetcher interface {
	FetchCount(ctx context.Context) (int, error)
}

// AlertFunc receives a synthetic "new items" signal sized to the observed
// growth since the previous tick.
type AlertFunc func(newItems int)

// Config configures the poller.
type Config struct {
	// Interval between fetches (default 30s).
	Interval time.Duration

	// QuietWindow bounds user-visible alerts to at most one per window
	// (default 10s), no matter how many ticks observe growth.
	QuietWindow time.Duration

	// FetchTimeout bounds a single fetch (default 10s).
	FetchTimeout time.Duration
}

func (c *Config) fillDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.QuietWindow <= 0 {
		c.QuietWindow = 10 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
}

// Poller is the degraded-mode substitute for the push connection. It can
// only approximate new-item detection; it cannot carry call signaling.
// The count baseline is change-detection state, not a source of truth,
// and is discarded on Stop.
type Poller struct {
	fetch   CountFetcher
	alert   AlertFunc
	logger  *slog.Logger
	metrics *observability.Metrics
	cfg     Config

	mu        sync.Mutex
	running   bool
	stop      chan struct{}
	baseline  *int
	lastAlert time.Time

	now func() time.Time
}

// NewPoller creates a poller over the given fetcher.
func NewPoller(fetch CountFetcher, alert AlertFunc, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.fillDefaults()
	return &Poller{
		fetch:   fetch,
		alert:   alert,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Start begins recurring fetches at the given interval (config interval
// when zero). No-op while already running.
func (p *Poller) Start(interval time.Duration) {
	if interval <= 0 {
		interval = p.cfg.Interval
	}
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	stop := p.stop
	p.mu.Unlock()

	p.logger.Info("polling fallback active", "interval", interval)
	go p.loop(stop, interval)
}

// Stop cancels the recurring fetch and clears the baseline. Safe to call
// when not running.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.stop)
	p.stop = nil
	p.baseline = nil
}

// Running reports whether the poll loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) loop(stop chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

// tick runs one fetch-and-diff cycle. Failures are logged and skipped; a
// failed tick never prevents the next one.
func (p *Poller) tick() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("polling tick panicked", "panic", r)
			p.record("failure")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.FetchTimeout)
	defer cancel()

	total, err := p.fetch.FetchCount(ctx)
	if err != nil {
		p.logger.Warn("polling fetch failed, skipping tick", "error", err)
		p.record("failure")
		return
	}
	p.record("success")

	p.mu.Lock()
	if !p.running {
		// Stopped while the fetch was in flight.
		p.mu.Unlock()
		return
	}
	if p.baseline == nil {
		p.baseline = &total
		p.mu.Unlock()
		return
	}
	delta := total - *p.baseline
	*p.baseline = total
	if delta <= 0 {
		p.mu.Unlock()
		return
	}
	now := p.now()
	if now.Sub(p.lastAlert) < p.cfg.QuietWindow {
		// Growth observed, but an alert already fired inside the quiet
		// window; stay silent.
		p.mu.Unlock()
		return
	}
	p.lastAlert = now
	alert := p.alert
	p.mu.Unlock()

	if alert != nil {
		alert(delta)
	}
	if p.metrics != nil {
		p.metrics.PollAlerts.Inc()
	}
}

func (p *Poller) record(outcome string) {
	if p.metrics != nil {
		p.metrics.PollTicks.WithLabelValues(outcome).Inc()
	}
}

// SummaryClient fetches the unread total from the notification summary
// endpoint with bearer authentication.
type SummaryClient struct {
	baseURL string
	token   func() string
	client  *http.Client
}

// NewSummaryClient creates the HTTP count fetcher.
func NewSummaryClient(baseURL string, token func() string, client *http.Client) *SummaryClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SummaryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

// FetchCount implements CountFetcher.
func (c *SummaryClient) FetchCount(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/notifications/summary", nil)
	if err != nil {
		return 0, fmt.Errorf("build summary request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != nil {
		req.Header.Set("Authorization", "Bearer "+c.token())
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, realtime.ErrConnection("notification summary request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, realtime.ErrServer(fmt.Sprintf("notification summary failed (status %d)", resp.StatusCode), nil)
	}

	var payload realtime.NotificationCountPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, realtime.ErrServer("decode notification summary", err)
	}
	return payload.Total, nil
}
