// Package metrics holds the Prometheus collectors for model loading and
// generation runs.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Run outcomes used as the "outcome" label of callm_runs_total.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
	OutcomeBusy   = "busy"
)

// Metrics is a set of collectors bound to one registerer. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	LoadSeconds       prometheus.Histogram
	RunsTotal         *prometheus.CounterVec
	PromptTokens      prometheus.Counter
	GeneratedTokens   prometheus.Counter
	GenerationSeconds prometheus.Histogram
	TimeToFirstToken  prometheus.Histogram
	KVCacheTokens     prometheus.Gauge
}

// New registers the collectors on reg. With a nil reg a private registry is
// created and exposed through Gatherer. Registering twice on the same
// registerer reuses the collectors already present.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{}
	if reg == nil {
		r := prometheus.NewRegistry()
		reg = r
		m.gatherer = r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	m.LoadSeconds = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "callm_model_load_seconds",
		Help:    "Time spent loading model weights, tokenizer and template",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}))
	m.RunsTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "callm_runs_total",
		Help: "Generation runs by outcome",
	}, []string{"outcome"}))
	m.PromptTokens = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "callm_prompt_tokens_total",
		Help: "Prompt tokens processed",
	}))
	m.GeneratedTokens = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "callm_generated_tokens_total",
		Help: "Tokens sampled by the decode loop",
	}))
	m.GenerationSeconds = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "callm_generation_seconds",
		Help:    "Wall time of a generation run",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}))
	m.TimeToFirstToken = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "callm_time_to_first_token_seconds",
		Help:    "Time from run start until the first token is sampled",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}))
	m.KVCacheTokens = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "callm_kv_cache_tokens",
		Help: "Tokens held in the KV cache after the last run",
	}))
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Gatherer returns the registry the collectors live in, or nil when the
// caller supplied a registerer that cannot gather.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return nil
	}
	return m.gatherer
}

func (m *Metrics) ObserveLoad(d time.Duration) {
	if m == nil {
		return
	}
	m.LoadSeconds.Observe(d.Seconds())
}

// Run describes one finished generation call.
type Run struct {
	Outcome         string
	PromptTokens    int
	GeneratedTokens int
	Duration        time.Duration
	FirstToken      time.Duration
	CacheTokens     int
}

func (m *Metrics) ObserveRun(r Run) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(r.Outcome).Inc()
	m.PromptTokens.Add(float64(r.PromptTokens))
	m.GeneratedTokens.Add(float64(r.GeneratedTokens))
	if r.Duration > 0 {
		m.GenerationSeconds.Observe(r.Duration.Seconds())
	}
	if r.FirstToken > 0 {
		m.TimeToFirstToken.Observe(r.FirstToken.Seconds())
	}
	m.KVCacheTokens.Set(float64(r.CacheTokens))
}

// WriteTextfile dumps the gathered metrics in the node_exporter textfile
// format.
func (m *Metrics) WriteTextfile(path string) error {
	g := m.Gatherer()
	if g == nil {
		return errors.New("metrics: registerer does not support gathering")
	}
	return prometheus.WriteToTextfile(path, g)
}
