package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewModuleReport(t *testing.T) {
	tests := []struct {
		name   string
		checks []Check
		want   Status
		issues int
	}{
		{
			name:   "all checks pass",
			checks: []Check{{Name: "state", Passed: true}, {Name: "version", Passed: true}},
			want:   StatusHealthy,
		},
		{
			name:   "warning failure degrades",
			checks: []Check{{Name: "state", Passed: true}, {Name: "memory", Severity: SeverityWarning}},
			want:   StatusDegraded,
			issues: 1,
		},
		{
			name: "critical failure wins over warning",
			checks: []Check{
				{Name: "memory", Severity: SeverityWarning},
				{Name: "dependencies", Severity: SeverityCritical},
			},
			want:   StatusUnhealthy,
			issues: 2,
		},
		{
			name:   "info failure stays healthy",
			checks: []Check{{Name: "dependencies", Severity: SeverityInfo, Message: "optional missing"}},
			want:   StatusHealthy,
			issues: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewModuleReport("A", tt.checks)
			assert.Equal(t, tt.want, r.Status)
			assert.Len(t, r.Issues, tt.issues)
		})
	}
}

func TestAggregate(t *testing.T) {
	t.Run("should report no modules when empty", func(t *testing.T) {
		assert.Equal(t, StatusNoModules, Aggregate(nil).Overall)
	})

	t.Run("should take the worst module status", func(t *testing.T) {
		sys := Aggregate([]*ModuleReport{
			{Module: "a", Status: StatusHealthy},
			{Module: "b", Status: StatusDegraded},
		})
		assert.Equal(t, StatusDegraded, sys.Overall)
		assert.Equal(t, 1, sys.Healthy)
		assert.Equal(t, 1, sys.Degraded)

		sys = Aggregate([]*ModuleReport{
			{Module: "a", Status: StatusUnhealthy},
			{Module: "b", Status: StatusDegraded},
		})
		assert.Equal(t, StatusUnhealthy, sys.Overall)
		assert.Equal(t, 2, sys.Total)
		assert.NotNil(t, sys.Module("b"))
		assert.Nil(t, sys.Module("c"))
	})
}

func TestMonitor(t *testing.T) {
	t.Run("should record history and fire the callback on change", func(t *testing.T) {
		statuses := []Status{StatusHealthy, StatusHealthy, StatusDegraded}
		var i atomic.Int32
		m := NewMonitor(func(context.Context) *SystemReport {
			s := statuses[int(i.Add(1))-1]
			return &SystemReport{Overall: s, CheckedAt: time.Now()}
		}, WithHistorySize(2))

		var changes [][2]Status
		m.SetCallback(func(prev, curr Status, _ *SystemReport) {
			changes = append(changes, [2]Status{prev, curr})
		})

		start := time.Now()
		for range statuses {
			m.RunOnce(context.Background())
		}

		assert.Equal(t, [][2]Status{{StatusHealthy, StatusDegraded}}, changes)
		assert.Len(t, m.History(start), 2, "history is bounded")
		assert.Equal(t, StatusDegraded, m.Latest().Overall)
	})

	t.Run("should reject an invalid schedule", func(t *testing.T) {
		m := NewMonitor(func(context.Context) *SystemReport { return Aggregate(nil) })
		err := m.Start(context.Background(), "not a schedule")
		assert.ErrorIs(t, err, ErrInvalidSchedule)
		assert.False(t, m.IsMonitoring())
	})

	t.Run("should run on schedule until stopped", func(t *testing.T) {
		var runs atomic.Int32
		m := NewMonitor(func(context.Context) *SystemReport {
			runs.Add(1)
			return Aggregate(nil)
		})
		require.NoError(t, m.Start(context.Background(), "@every 1s"))
		assert.ErrorIs(t, m.Start(context.Background(), "@every 1s"), ErrMonitoringAlreadyRunning)
		assert.True(t, m.IsMonitoring())

		assert.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
		m.Stop()
		assert.False(t, m.IsMonitoring())
		assert.NotNil(t, m.Latest())
	})
}
