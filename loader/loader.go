// Package loader implements the load-generation engine: workers,
// clients, session adapters, admission control and the statistics
// aggregation that feeds the final report.
package loader

import (
	"crypto/tls"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codahale/hdrhistogram"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/antJack/sofaload/config"
	"github.com/antJack/sofaload/stats"
)

// Process-wide admission counters, shared by all workers. They are
// reinitialized on each Run so the engine can be reused.
var (
	totalReqLeft atomic.Int64
	totalReqSent atomic.Int64
)

// TotalRequestsSent reports how many submissions were issued.
func TotalRequestsSent() int64 { return totalReqSent.Load() }

var (
	metricsEnabled bool

	promRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "requests",
		Help: "Number of requests",
	})

	promSuccesses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "successes",
		Help: "Number of successful requests",
	})

	promLatencyHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "latency_ms",
		Help: "Request latency distributions in milliseconds.",
		// 50 exponential buckets ranging from 0.5 ms to 3 minutes
		Buckets: prometheus.ExponentialBuckets(0.5, 1.3, 50),
	})
)

func registerMetrics() {
	prometheus.MustRegister(promRequests)
	prometheus.MustRegister(promSuccesses)
	prometheus.MustRegister(promLatencyHistogram)
}

// Result is the aggregate outcome of one run.
type Result struct {
	RunID    string
	Duration time.Duration

	Stats       stats.Stats
	TimeStats   stats.TimeStats
	Percentiles []stats.PercentileValue

	// Histogram merges every worker's HDR latency histogram
	// (microseconds).
	Histogram *hdrhistogram.Histogram

	// TotalRequests is the figure reported as "N total".
	TotalRequests      int64
	RPS                float64
	BPS                float64
	HeaderSpaceSavings float64
}

// Run executes the configured workload and aggregates the results.
func Run(cfg *config.Config) (*Result, error) {
	runID := uuid.New().String()
	log := logrus.WithField("run", runID)

	totalReqLeft.Store(cfg.TotalRequests())
	totalReqSent.Store(0)

	var tlsConfig *tls.Config
	if cfg.Scheme == "https" {
		tlsConfig = &tls.Config{
			ServerName:         cfg.Host,
			NextProtos:         translateALPN(cfg.NPNList),
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS12,
		}
	}

	if cfg.MetricAddr != "" {
		metricsEnabled = true
		registerMetrics()
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricAddr, mux); err != nil {
				log.WithError(err).Error("metric endpoint failed")
			}
		}()
	}

	log.WithFields(logrus.Fields{
		"clients": cfg.NClients,
		"threads": cfg.NThreads,
	}).Info("starting benchmark")

	workers := createWorkers(cfg, tlsConfig)

	// Start all workers against a single ready barrier so they begin
	// within tens of microseconds of each other.
	ready := make(chan struct{})
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go w.Run(ready, &wg)
	}
	close(ready)

	start := time.Now()
	wg.Wait()
	duration := time.Since(start)

	res := aggregate(cfg, workers, duration)
	res.RunID = runID
	log.WithFields(logrus.Fields{
		"p50_us": res.Histogram.ValueAtQuantile(50),
		"p99_us": res.Histogram.ValueAtQuantile(99),
	}).Debug("latency summary")
	return res, nil
}

// createWorkers splits clients, connection rate and the QPS budget
// across the worker threads, remainders spread one per worker from
// worker zero.
func createWorkers(cfg *config.Config, tlsConfig *tls.Config) []*Worker {
	nclientsPerThread := cfg.NClients / cfg.NThreads
	nclientsRem := cfg.NClients % cfg.NThreads

	ratePerThread := cfg.Rate / cfg.NThreads
	rateRem := cfg.Rate % cfg.NThreads

	var appInfoOnce sync.Once

	workers := make([]*Worker, 0, cfg.NThreads)
	for i := 0; i < cfg.NThreads; i++ {
		rate := ratePerThread
		if rateRem > 0 {
			rateRem--
			rate++
		}
		nclients := nclientsPerThread
		if nclientsRem > 0 {
			nclientsRem--
			nclients++
		}
		if !cfg.IsRateMode() {
			rate = nclients
		}

		w := NewWorker(i, cfg, tlsConfig, nclients, rate, &appInfoOnce)
		if cfg.IsQPSMode() {
			nqps := cfg.QPS / cfg.NThreads
			if i < cfg.QPS%cfg.NThreads {
				nqps++
			}
			// Scatter the second's budget across the 200 slots at
			// random so bursts are stochastic, not even.
			counts := make([]int, QPSUpdatePerSecond)
			for q := 0; q < nqps; q++ {
				counts[rand.Intn(QPSUpdatePerSecond)]++
			}
			w.SetQPSCounts(counts)
		}
		workers = append(workers, w)
	}
	return workers
}

// translateALPN returns a copy of the configured identifier list, or of
// DefaultNPNList when none is configured. Tokens are passed through
// unfiltered.
func translateALPN(npnList []string) []string {
	if len(npnList) == 0 {
		return append([]string(nil), config.DefaultNPNList...)
	}
	return append([]string(nil), npnList...)
}

func aggregate(cfg *config.Config, workers []*Worker, duration time.Duration) *Result {
	res := &Result{Duration: duration}

	for _, w := range workers {
		res.Stats.Add(&w.Stats)
	}

	res.TimeStats = stats.ComputeTimeStats(&res.Stats)

	// Requests that were never issued due to connection errors are
	// charged to req_failed and req_error, fixed-count mode only.
	if !cfg.IsTimingBasedMode() && !cfg.IsQPSMode() {
		notIssued := cfg.NReqs - res.Stats.ReqStatusSuccess - res.Stats.ReqFailed
		if notIssued > 0 {
			res.Stats.ReqFailed += notIssued
			res.Stats.ReqError += notIssued
		}
	}

	if duration > 0 {
		if cfg.IsTimingBasedMode() {
			// Only the measurement window counts when a warm-up ran.
			secs := cfg.Duration.Seconds()
			res.RPS = float64(res.Stats.ReqSuccess) / secs
			res.BPS = float64(res.Stats.BytesTotal) / secs
		} else {
			secs := duration.Seconds()
			res.RPS = float64(res.Stats.ReqSuccess) / secs
			res.BPS = float64(res.Stats.BytesTotal) / secs
		}
	}

	if res.Stats.BytesHeadDecomp > 0 {
		res.HeaderSpaceSavings = 1 - float64(res.Stats.BytesHead)/float64(res.Stats.BytesHeadDecomp)
	}

	res.TotalRequests = cfg.NReqs
	if cfg.IsTimingBasedMode() {
		if cfg.IsQPSMode() {
			res.TotalRequests = cfg.TotalRequests()
		} else {
			res.TotalRequests = totalReqSent.Load()
		}
	}

	rttMin := int64(math.MaxInt64)
	rttMax := int64(math.MinInt64)
	rttVectors := make([][]int64, 0, len(workers))
	merged := hdrhistogram.New(1, int64(10*time.Minute/time.Microsecond), 3)
	for _, w := range workers {
		min, max := w.RTTRange()
		if min < rttMin {
			rttMin = min
		}
		if max > rttMax {
			rttMax = max
		}
		rttVectors = append(rttVectors, w.RTTs())
		merged.Merge(w.Histogram())
	}
	res.Percentiles = stats.LatencyDistribution(rttVectors, rttMin, rttMax)
	res.Histogram = merged

	if metricsEnabled {
		promSuccesses.Add(float64(res.Stats.ReqSuccess))
	}

	return res
}
