package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Static errors for health package
var (
	ErrMonitoringAlreadyRunning = errors.New("monitoring is already running")
	ErrInvalidSchedule          = errors.New("invalid health check schedule")
	ErrNilCheck                 = errors.New("health check function is nil")
)

// DefaultHistorySize bounds the monitor history.
const DefaultHistorySize = 100

// CheckFunc produces a system report.
type CheckFunc func(ctx context.Context) *SystemReport

// StatusChangeCallback is called when the overall status changes between
// two consecutive runs.
type StatusChangeCallback func(previous, current Status, report *SystemReport)

// Logger is the subset of the host logger the monitor needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Monitor runs a CheckFunc on a cron schedule and keeps a bounded history.
type Monitor struct {
	check       CheckFunc
	logger      Logger
	historySize int

	mu       sync.Mutex
	cron     *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc
	history  []*SystemReport
	callback StatusChangeCallback
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithHistorySize bounds the number of retained reports.
func WithHistorySize(n int) MonitorOption {
	return func(m *Monitor) {
		if n > 0 {
			m.historySize = n
		}
	}
}

// WithLogger sets the monitor logger.
func WithLogger(l Logger) MonitorOption {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewMonitor creates a stopped monitor.
func NewMonitor(check CheckFunc, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		check:       check,
		logger:      discard{},
		historySize: DefaultHistorySize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start schedules checks. schedule is a standard cron expression or a
// descriptor such as "@every 30s".
func (m *Monitor) Start(ctx context.Context, schedule string) error {
	if m.check == nil {
		return ErrNilCheck
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidSchedule, schedule, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return ErrMonitoringAlreadyRunning
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	m.cron.Schedule(sched, cron.FuncJob(func() {
		m.RunOnce(m.ctx)
	}))
	m.cron.Start()
	m.logger.Info("Health monitoring started", "schedule", schedule)
	return nil
}

// Stop halts scheduling and waits for a running check to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	c := m.cron
	cancel := m.cancel
	m.cron = nil
	m.cancel = nil
	m.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	m.logger.Info("Health monitoring stopped")
}

// IsMonitoring reports whether checks are scheduled.
func (m *Monitor) IsMonitoring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cron != nil
}

// SetCallback sets the status change callback.
func (m *Monitor) SetCallback(cb StatusChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callback = cb
}

// RunOnce runs the check immediately and records the report.
func (m *Monitor) RunOnce(ctx context.Context) *SystemReport {
	if m.check == nil {
		return nil
	}
	report := m.check(ctx)
	if report == nil {
		return nil
	}

	m.mu.Lock()
	var previous *SystemReport
	if n := len(m.history); n > 0 {
		previous = m.history[n-1]
	}
	m.history = append(m.history, report)
	if over := len(m.history) - m.historySize; over > 0 {
		m.history = append(m.history[:0], m.history[over:]...)
	}
	cb := m.callback
	m.mu.Unlock()

	if previous != nil && previous.Overall != report.Overall {
		m.logger.Warn("Host health changed", "from", previous.Overall, "to", report.Overall)
		if cb != nil {
			cb(previous.Overall, report.Overall, report)
		}
	}
	return report
}

// Latest returns the most recent report, or nil.
func (m *Monitor) Latest() *SystemReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return nil
	}
	return m.history[len(m.history)-1]
}

// History returns the reports checked at or after since, oldest first.
func (m *Monitor) History(since time.Time) []*SystemReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*SystemReport
	for _, r := range m.history {
		if !r.CheckedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out
}

type discard struct{}

func (discard) Info(string, ...any) {}
func (discard) Warn(string, ...any) {}
