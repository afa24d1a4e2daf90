package health

import "fmt"

// Condition represents an aspect of symbol server health.
//
// Probe must return promptly: it is called on every health check and must
// not wait for the work it reports on.
type Condition interface {
	Probe() (StatusMessage, error)
}

type StatusMessage struct {
	Status  HealthStatus
	Message string
}

type HealthStatus int

const (
	NoData HealthStatus = iota
	Healthy
	Warning
	Critical
)

func (e HealthStatus) String() string {
	switch e {
	case NoData:
		return "NoData"
	case Healthy:
		return "Healthy"
	case Warning:
		return "Warning"
	case Critical:
		return "Critical"
	default:
		return "Unknown"
	}
}

func (e HealthStatus) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *HealthStatus) UnmarshalText(text []byte) error {
	for _, s := range []HealthStatus{NoData, Healthy, Warning, Critical} {
		if s.String() == string(text) {
			*e = s
			return nil
		}
	}
	return fmt.Errorf("unknown health status %q", text)
}

// ConditionFunc adapts a function to the Condition interface.
type ConditionFunc func() (StatusMessage, error)

func (f ConditionFunc) Probe() (StatusMessage, error) { return f() }
