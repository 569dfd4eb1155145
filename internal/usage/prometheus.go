package usage

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	storageDesc = prometheus.NewDesc("tenantvault_tenant_storage_bytes",
		"Bytes stored in the tenant partition.", []string{"tenant_id"}, nil)
	recordsDesc = prometheus.NewDesc("tenantvault_tenant_records",
		"Records stored in the tenant partition.", []string{"tenant_id"}, nil)
	activeUsersDesc = prometheus.NewDesc("tenantvault_tenant_active_users",
		"Distinct actors seen within the active window.", []string{"tenant_id"}, nil)
	apiCallsDesc = prometheus.NewDesc("tenantvault_tenant_api_calls_today",
		"Operations since the start of the UTC day.", []string{"tenant_id"}, nil)
	complianceDesc = prometheus.NewDesc("tenantvault_tenant_compliance_score",
		"Compliance score from 0 to 100.", []string{"tenant_id"}, nil)
	performanceDesc = prometheus.NewDesc("tenantvault_tenant_performance_score",
		"Performance score from 0 to 100.", []string{"tenant_id"}, nil)
)

var _ prometheus.Collector = (*Collector)(nil)

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- storageDesc
	ch <- recordsDesc
	ch <- activeUsersDesc
	ch <- apiCallsDesc
	ch <- complianceDesc
	ch <- performanceDesc
}

// Collect implements prometheus.Collector from the last snapshots; it never
// touches storage.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.Snapshots() {
		gauge := func(desc *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, m.TenantID)
		}
		gauge(storageDesc, float64(m.StorageUsed))
		gauge(recordsDesc, float64(m.StoredRecords))
		gauge(activeUsersDesc, float64(m.ActiveUsers))
		gauge(apiCallsDesc, float64(m.APICallsToday))
		gauge(complianceDesc, m.ComplianceScore)
		gauge(performanceDesc, m.PerformanceScore)
	}
}
