package health

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/symbolserver/pkg/util"
)

// Report is the outcome of a health check.
type Report struct {
	IsHealthy  bool              `json:"is_healthy"`
	Conditions []ConditionReport `json:"conditions"`
}

type ConditionReport struct {
	Name    string       `json:"name"`
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

type namedCondition struct {
	name string
	Condition
}

// Monitor probes the registered conditions on demand. A check is healthy
// unless one of the conditions is critical; conditions that fail to probe
// report NoData and do not affect the outcome.
type Monitor struct {
	logger log.Logger
	status *prometheus.GaugeVec

	mu         sync.RWMutex
	conditions []namedCondition
}

func NewMonitor(logger log.Logger, reg prometheus.Registerer) *Monitor {
	status := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "symbolserver_health_status",
		Help: "Status of the health condition as of the last check: 0 no data, 1 healthy, 2 warning, 3 critical",
	}, []string{"condition"})
	return &Monitor{
		logger: log.With(logger, "component", "health"),
		status: util.RegisterOrGet(reg, status),
	}
}

// Register adds a named condition to the monitor.
func (m *Monitor) Register(name string, c Condition) {
	m.mu.Lock()
	m.conditions = append(m.conditions, namedCondition{name: name, Condition: c})
	m.mu.Unlock()
}

// Check probes every condition and reports the combined status.
func (m *Monitor) Check() Report {
	m.mu.RLock()
	conditions := make([]namedCondition, len(m.conditions))
	copy(conditions, m.conditions)
	m.mu.RUnlock()

	r := Report{
		IsHealthy:  true,
		Conditions: make([]ConditionReport, 0, len(conditions)),
	}
	for _, c := range conditions {
		s, err := c.Probe()
		if err != nil {
			level.Warn(m.logger).Log("msg", "failed to make probe", "condition", c.name, "err", err)
			s = StatusMessage{Status: NoData, Message: err.Error()}
		}
		if s.Status == Critical {
			r.IsHealthy = false
		}
		m.status.WithLabelValues(c.name).Set(float64(s.Status))
		r.Conditions = append(r.Conditions, ConditionReport{
			Name:    c.name,
			Status:  s.Status,
			Message: s.Message,
		})
	}
	return r
}

// Unhealthy returns the conditions of the report that are not healthy.
func (r Report) Unhealthy() []ConditionReport {
	var unhealthy []ConditionReport
	for _, c := range r.Conditions {
		if c.Status > Healthy {
			unhealthy = append(unhealthy, c)
		}
	}
	return unhealthy
}
