// Package server implements a cleartext HTTP/1.1 + h2c echo server used
// to exercise the load generator locally.
package server

import (
	"context"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

var (
	promRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "requests",
		Help: "Number of requests",
	})

	promResponses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "responses",
		Help: "Number of responses sent",
	})

	promBytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bytes_tx",
		Help: "Number of bytes sent",
	})
)

func registerMetrics() {
	prometheus.MustRegister(promRequests)
	prometheus.MustRegister(promResponses)
	prometheus.MustRegister(promBytesSent)
}

// Config configures the echo server.
type Config struct {
	Addr       string
	MetricAddr string
	// Latency is sampled per request and slept before responding.
	Latency LatencyDistribution
	// ErrorRate is the chance in [0,1] of answering 500.
	ErrorRate float64
}

// Server answers every request with its own body (or a fixed greeting
// for bodyless requests), over both HTTP/1.1 and h2c.
type Server struct {
	cfg Config
	log *logrus.Entry
}

// New builds a Server.
func New(cfg Config) *Server {
	return &Server{cfg: cfg, log: logrus.WithField("component", "server")}
}

// Handler exposes the echo handler.
func (s *Server) Handler() http.HandlerFunc { return s.handle }

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	promRequests.Inc()

	if len(s.cfg.Latency) > 0 {
		if d := s.cfg.Latency.Get(rand.Intn(1000)); d > 0 {
			time.Sleep(time.Duration(d) * time.Millisecond)
		}
	}

	if s.cfg.ErrorRate > 0 && rand.Float64() < s.cfg.ErrorRate {
		http.Error(w, "injected error", http.StatusInternalServerError)
		promResponses.Inc()
		return
	}

	body, _ := io.ReadAll(r.Body)
	if len(body) == 0 {
		body = []byte("hello from sofaload echo server\n")
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	n, _ := w.Write(body)
	promBytesSent.Add(float64(n))
	promResponses.Inc()
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	registerMetrics()

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)

	h2s := &http2.Server{}
	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: h2c.NewHandler(mux, h2s),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ln, err := net.Listen("tcp", s.cfg.Addr)
		if err != nil {
			return err
		}
		s.log.WithField("addr", ln.Addr().String()).Info("listening")
		return srv.Serve(ln)
	})

	if s.cfg.MetricAddr != "" {
		metricMux := http.NewServeMux()
		metricMux.Handle("/metrics", promhttp.Handler())
		metricSrv := &http.Server{Addr: s.cfg.MetricAddr, Handler: metricMux}
		g.Go(func() error {
			return metricSrv.ListenAndServe()
		})
		g.Go(func() error {
			<-ctx.Done()
			return metricSrv.Shutdown(context.Background())
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return srv.Shutdown(context.Background())
	})

	return g.Wait()
}
