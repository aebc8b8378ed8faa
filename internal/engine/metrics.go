package engine

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"hypoline/internal/store"
)

// Metrics is a per-engine registry, served by the HTTP API under /metrics.
type Metrics struct {
	Registry  *prometheus.Registry
	mutations *prometheus.CounterVec
	failures  *prometheus.CounterVec
	importedN prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hypoline_case_mutations_total",
			Help: "Case changes applied, by operation.",
		}, []string{"op"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hypoline_case_mutation_failures_total",
			Help: "Case changes rejected, by operation.",
		}, []string{"op"}),
		importedN: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hypoline_cases_imported_total",
			Help: "Cases merged in by imports.",
		}),
	}
	m.Registry.MustRegister(m.mutations, m.failures, m.importedN)
	return m
}

func (m *Metrics) mutation(op string) { m.mutations.WithLabelValues(op).Inc() }
func (m *Metrics) failure(op string)  { m.failures.WithLabelValues(op).Inc() }
func (m *Metrics) imported(n int)     { m.importedN.Add(float64(n)) }

// observeStore exports case counts computed at scrape time.
func (m *Metrics) observeStore(s *store.Store) {
	cases := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "hypoline_cases",
		Help: "Cases currently in the store, archived included.",
	}, func() float64 {
		return float64(len(s.List(context.Background())))
	})
	m.Registry.MustRegister(cases, &pipelineCollector{store: s})
}

// pipelineCollector reports active cases per current stage index.
type pipelineCollector struct {
	store *store.Store
}

var pipelineDesc = prometheus.NewDesc(
	"hypoline_pipeline_cases",
	"Active cases waiting on each stage.",
	[]string{"stage_index"}, nil,
)

func (c *pipelineCollector) Describe(ch chan<- *prometheus.Desc) { ch <- pipelineDesc }

func (c *pipelineCollector) Collect(ch chan<- prometheus.Metric) {
	counts := map[int]int{}
	for _, cs := range c.store.Query(context.Background(), store.Filter{}) {
		counts[cs.CurrentStageIndex]++
	}
	for idx, n := range counts {
		ch <- prometheus.MustNewConstMetric(pipelineDesc, prometheus.GaugeValue, float64(n), strconv.Itoa(idx))
	}
}
