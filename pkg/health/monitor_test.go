package health_test

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-kit/log"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/grafana/symbolserver/pkg/health"
)

type mockCondition struct {
	mockData []health.StatusMessage
	name     string
	index    int
}

func (d *mockCondition) Probe() (health.StatusMessage, error) {
	status := d.mockData[d.index]
	status.Message = fmt.Sprintf("%s %s", status.Message, d.name)
	d.index = (d.index + 1) % len(d.mockData)
	return status, nil
}

var _ = Describe("Monitor", func() {
	var (
		monitor *health.Monitor
		reg     *prometheus.Registry
	)

	dataHealthy := []health.StatusMessage{{health.Healthy, "Healthy"}}
	dataWarning := []health.StatusMessage{{health.Warning, "Warning"}}
	dataCritical := []health.StatusMessage{{health.Critical, "Critical"}}

	BeforeEach(func() {
		reg = prometheus.NewRegistry()
		monitor = health.NewMonitor(log.NewNopLogger(), reg)
	})

	It("is healthy without conditions", func() {
		r := monitor.Check()
		Expect(r.IsHealthy).To(BeTrue())
		Expect(r.Conditions).To(BeEmpty())
	})

	It("is healthy while conditions only warn", func() {
		monitor.Register("a", &mockCondition{name: "a", mockData: dataHealthy})
		monitor.Register("b", &mockCondition{name: "b", mockData: dataWarning})

		r := monitor.Check()
		Expect(r.IsHealthy).To(BeTrue())
		Expect(r.Conditions).To(Equal([]health.ConditionReport{
			{Name: "a", Status: health.Healthy, Message: "Healthy a"},
			{Name: "b", Status: health.Warning, Message: "Warning b"},
		}))
		Expect(r.Unhealthy()).To(Equal([]health.ConditionReport{
			{Name: "b", Status: health.Warning, Message: "Warning b"},
		}))
	})

	It("is unhealthy when any condition is critical", func() {
		monitor.Register("a", &mockCondition{name: "a", mockData: dataHealthy})
		monitor.Register("b", &mockCondition{name: "b", mockData: dataCritical})
		monitor.Register("c", &mockCondition{name: "c", mockData: dataWarning})

		r := monitor.Check()
		Expect(r.IsHealthy).To(BeFalse())
		Expect(r.Unhealthy()).To(Equal([]health.ConditionReport{
			{Name: "b", Status: health.Critical, Message: "Critical b"},
			{Name: "c", Status: health.Warning, Message: "Warning c"},
		}))
		Expect(testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP symbolserver_health_status Status of the health condition as of the last check: 0 no data, 1 healthy, 2 warning, 3 critical
# TYPE symbolserver_health_status gauge
symbolserver_health_status{condition="a"} 1
symbolserver_health_status{condition="b"} 3
symbolserver_health_status{condition="c"} 2
`), "symbolserver_health_status")).To(Succeed())
	})

	It("reflects the current status on every check", func() {
		monitor.Register("a", &mockCondition{name: "a", mockData: []health.StatusMessage{
			{health.Critical, "Critical"},
			{health.Healthy, "Healthy"},
		}})

		Expect(monitor.Check().IsHealthy).To(BeFalse())
		Expect(monitor.Check().IsHealthy).To(BeTrue())
		Expect(monitor.Check().IsHealthy).To(BeFalse())
	})

	It("reports no data for conditions that fail to probe", func() {
		monitor.Register("broken", health.ConditionFunc(func() (health.StatusMessage, error) {
			return health.StatusMessage{}, errors.New("probe failed")
		}))

		r := monitor.Check()
		Expect(r.IsHealthy).To(BeTrue())
		Expect(r.Conditions).To(Equal([]health.ConditionReport{
			{Name: "broken", Status: health.NoData, Message: "probe failed"},
		}))
	})
})

var _ = DescribeTable("HealthStatus",
	func(s health.HealthStatus, expected string) {
		Expect(s.String()).To(Equal(expected))
		text, err := s.MarshalText()
		Expect(err).ToNot(HaveOccurred())
		Expect(string(text)).To(Equal(expected))
	},
	Entry("no data", health.NoData, "NoData"),
	Entry("healthy", health.Healthy, "Healthy"),
	Entry("warning", health.Warning, "Warning"),
	Entry("critical", health.Critical, "Critical"),
	Entry("unknown", health.HealthStatus(42), "Unknown"),
)
