package health

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Status is the health of one probed dependency.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
)

// Probe checks one dependency. A nil error means healthy.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// ProbeStatus is the latest known state of one probe.
type ProbeStatus struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	FailCount   int       `json:"fail_count"`
	LastError   string    `json:"last_error,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// DegradedFunc is an optional callback fired when a probe crosses the
// failure threshold.
type DegradedFunc func(name string, err error)

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(success bool)

// Checker runs periodic dependency probes, such as the evidence ledger
// integrity walk and the database ping.
type Checker struct {
	probes     []Probe
	mu         sync.RWMutex
	state      map[string]*ProbeStatus
	cfg        Config
	onDegraded DegradedFunc
	onMetrics  MetricsRecordFunc
	logger     *zap.Logger
}

// New creates a new Checker.
func New(cfg Config, logger *zap.Logger, probes ...Probe) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 30 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	state := make(map[string]*ProbeStatus, len(probes))
	for _, p := range probes {
		state[p.Name] = &ProbeStatus{Name: p.Name, Status: StatusHealthy}
	}
	return &Checker{
		probes: probes,
		state:  state,
		cfg:    cfg,
		logger: logger,
	}
}

// SetDegradedHook configures the degraded callback.
func (h *Checker) SetDegradedHook(fn DegradedFunc) {
	h.onDegraded = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs the check loop until ctx is done.
func (h *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll runs every probe once, concurrently.
func (h *Checker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range h.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			err := p.Check(pctx)
			cancel()
			h.record(p.Name, err)
		}(p)
	}
	wg.Wait()
}

func (h *Checker) record(name string, err error) {
	if h.onMetrics != nil {
		h.onMetrics(err == nil)
	}

	h.mu.Lock()
	st := h.state[name]
	prev := st.Status
	st.LastChecked = time.Now().UTC()
	if err == nil {
		st.FailCount = 0
		st.LastError = ""
		st.Status = StatusHealthy
	} else {
		st.FailCount++
		st.LastError = err.Error()
		if st.FailCount >= h.cfg.FailThreshold {
			st.Status = StatusDegraded
		}
	}
	now := st.Status
	count := st.FailCount
	h.mu.Unlock()

	switch {
	case prev == StatusDegraded && now == StatusHealthy:
		h.logger.Info("health: recovered", zap.String("probe", name))
	case prev == StatusHealthy && now == StatusDegraded:
		h.logger.Warn("health: degraded",
			zap.String("probe", name),
			zap.Int("fail_count", count),
			zap.Error(err),
		)
		if h.onDegraded != nil {
			h.onDegraded(name, err)
		}
	case err != nil:
		h.logger.Warn("health: probe failed", zap.String("probe", name), zap.Error(err))
	}
}

// Healthy reports whether no probe is degraded.
func (h *Checker) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, st := range h.state {
		if st.Status == StatusDegraded {
			return false
		}
	}
	return true
}

// Report returns a copy of every probe's state, ordered by name.
func (h *Checker) Report() []ProbeStatus {
	h.mu.RLock()
	out := make([]ProbeStatus, 0, len(h.state))
	for _, st := range h.state {
		out = append(out, *st)
	}
	h.mu.RUnlock()
	slices.SortFunc(out, func(a, b ProbeStatus) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out
}
