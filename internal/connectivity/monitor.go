package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/g960059/sduisync/internal/config"
	"github.com/g960059/sduisync/internal/transport"
)

// Prober checks reachability once. Only connectivity errors count as
// failures; any server answer proves the API is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

type HTTPProber struct {
	client transport.NetworkClient
	path   string
}

func NewHTTPProber(client transport.NetworkClient, path string) HTTPProber {
	return HTTPProber{client: client, path: path}
}

func (p HTTPProber) Probe(ctx context.Context) error {
	_, err := p.client.Do(ctx, transport.Request{Method: http.MethodGet, Path: p.path})
	return err
}

type Monitor struct {
	prober   Prober
	cfg      config.Config
	logger   *slog.Logger
	now      func() time.Time
	restored chan struct{}

	mu    sync.Mutex
	state HealthState
}

type Option func(*Monitor)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(prober Prober, cfg config.Config, opts ...Option) *Monitor {
	m := &Monitor{
		prober:   prober,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		restored: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Restored delivers a signal each time health returns to ok. Signals that
// arrive while one is still unread are coalesced.
func (m *Monitor) Restored() <-chan struct{} {
	return m.restored
}

func (m *Monitor) Health() HealthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) Online() bool {
	return m.Health().Online()
}

// Report feeds a plain success or failure into the health state.
func (m *Monitor) Report(success bool) HealthState {
	if success {
		return m.record(OutcomeReachable)
	}
	return m.record(OutcomeUnreachable)
}

func (m *Monitor) record(o Outcome) HealthState {
	if o == OutcomeIgnored {
		return m.Health()
	}
	m.mu.Lock()
	prev := m.state.Current
	m.state = m.state.Apply(PolicyFrom(m.cfg), o, m.now())
	next := m.state
	m.mu.Unlock()

	if prev != next.Current && prev != "" {
		m.logger.Info("connectivity changed", "from", string(prev), "to", string(next.Current))
	}
	if next.Current == HealthOK && (prev == HealthDegraded || prev == HealthDown) {
		select {
		case m.restored <- struct{}{}:
		default:
		}
	}
	return next
}

// Observe classifies a transport result and records it.
func (m *Monitor) Observe(err error) {
	m.record(OutcomeOf(err))
}

// Check probes once and reports the outcome.
func (m *Monitor) Check(ctx context.Context) HealthState {
	err := m.prober.Probe(ctx)
	if err != nil && ctx.Err() != nil {
		return m.Health()
	}
	m.Observe(err)
	return m.Health()
}

func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.cfg.ProbeInterval
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
