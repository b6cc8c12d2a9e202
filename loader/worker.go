package loader

import (
	"crypto/tls"
	"math"
	"net"
	"sync"
	"time"

	"github.com/codahale/hdrhistogram"
	"github.com/sirupsen/logrus"

	"github.com/antJack/sofaload/config"
	"github.com/antJack/sofaload/stats"
)

// Phase is the measurement phase of a worker. Only MAIN_DURATION
// requests contribute to statistics.
type Phase int

const (
	PhaseInitialIdle Phase = iota
	PhaseWarmUp
	PhaseMainDuration
	PhaseDurationOver
)

// QPS tokens are refilled every 5ms, 200 slots per second.
const (
	qpsUpdatePeriod    = 5 * time.Millisecond
	QPSUpdatePerSecond = int(time.Second / qpsUpdatePeriod)
)

type eventKind int

const (
	evConnected eventKind = iota
	evConnectFailed
	evRead
	evReadError
	evConnTimeout
	evRequestTimeout
)

// event is one unit of work delivered to a worker loop. Everything that
// happens off-loop (dials, reads, timers) arrives here.
type event struct {
	kind    eventKind
	client  *Client
	gen     int
	conn    net.Conn
	proto   string
	data    []byte
	err     error
	tlsFail bool
}

// Worker owns one event loop and a disjoint set of clients. All client
// state and the worker's Stats are touched only from the loop
// goroutine.
type Worker struct {
	id        int
	config    *config.Config
	tlsConfig *tls.Config
	log       *logrus.Entry

	Stats   stats.Stats
	clients []*Client
	events  chan event
	phase   Phase

	nclients     int
	rate         int
	nconnsMade   int
	nextClientID int
	liveClients  int
	looping      bool

	blockedDueToQPS []*Client
	qpsLeft         int
	qpsCounts       []int
	qpsIndex        int

	rtts   []int64
	rttMin int64
	rttMax int64
	hist   *hdrhistogram.Histogram

	warmupTimer   *time.Timer
	durationTimer *time.Timer
	qpsTicker     *time.Ticker
	rateTicker    *time.Ticker

	appInfoOnce *sync.Once
}

const timerIdle = 10000 * time.Hour

// NewWorker builds a worker owning nclients clients, opened rate at a
// time in rate mode.
func NewWorker(id int, cfg *config.Config, tlsConfig *tls.Config, nclients, rate int, appInfoOnce *sync.Once) *Worker {
	w := &Worker{
		id:          id,
		config:      cfg,
		tlsConfig:   tlsConfig,
		log:         logrus.WithField("worker", id),
		events:      make(chan event, 256),
		nclients:    nclients,
		rate:        rate,
		rttMin:      math.MaxInt64,
		rttMax:      math.MinInt64,
		hist:        hdrhistogram.New(1, int64(10*time.Minute/time.Microsecond), 3),
		appInfoOnce: appInfoOnce,
	}

	w.warmupTimer = time.NewTimer(timerIdle)
	w.warmupTimer.Stop()
	w.durationTimer = time.NewTimer(timerIdle)
	w.durationTimer.Stop()

	if cfg.IsTimingBasedMode() {
		w.phase = PhaseInitialIdle
	} else {
		w.phase = PhaseMainDuration
	}
	return w
}

// SetQPSCounts installs this worker's per-slot token budget.
func (w *Worker) SetQPSCounts(counts []int) { w.qpsCounts = counts }

// post delivers an event to the loop. Called from reader, dialer and
// timer goroutines.
func (w *Worker) post(ev event) { w.events <- ev }

// Run waits on the ready barrier, then drives the loop until the run
// completes.
func (w *Worker) Run(ready <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	<-ready
	w.run()
}

func (w *Worker) run() {
	w.looping = true

	if w.config.IsRateMode() {
		w.startClients(w.rate)
		w.rateTicker = time.NewTicker(w.config.RatePeriod)
	} else {
		w.startClients(w.nclients)
	}

	for w.looping {
		var qpsC, rateC <-chan time.Time
		if w.qpsTicker != nil {
			qpsC = w.qpsTicker.C
		}
		if w.rateTicker != nil {
			rateC = w.rateTicker.C
		}

		select {
		case ev := <-w.events:
			w.handleEvent(ev)
		case <-w.warmupTimer.C:
			w.onWarmupDone()
		case <-w.durationTimer.C:
			w.onDurationOver()
		case <-qpsC:
			w.onQPSRefill()
		case <-rateC:
			w.startClients(w.rate)
		}
	}

	if w.rateTicker != nil {
		w.rateTicker.Stop()
	}
	if w.qpsTicker != nil {
		w.qpsTicker.Stop()
	}
}

// startClients opens up to n new connections, bounded by the configured
// client count.
func (w *Worker) startClients(n int) {
	for i := 0; i < n && w.nconnsMade < w.nclients; i++ {
		client := newClient(w.nextClientID, w)
		w.nextClientID++
		w.nconnsMade++
		w.liveClients++
		w.clients = append(w.clients, client)

		if err := client.connect(); err != nil {
			w.log.WithError(err).Error("client could not connect to host")
			client.fail()
			client.gone()
		}
	}
	if w.rateTicker != nil && w.nconnsMade >= w.nclients {
		w.rateTicker.Stop()
		w.rateTicker = nil
	}
}

func (w *Worker) handleEvent(ev event) {
	c := ev.client
	if c.gen != ev.gen {
		// The connection episode this event belongs to is gone.
		if ev.conn != nil {
			ev.conn.Close()
		}
		return
	}
	switch ev.kind {
	case evConnected:
		c.onConnected(ev.conn, ev.proto)
	case evConnectFailed:
		c.onConnectFailed(ev.err, ev.tlsFail)
	case evRead:
		c.onReadEvent(ev.data)
	case evReadError:
		c.onReadError(ev.err)
	case evConnTimeout:
		c.onConnTimeout()
	case evRequestTimeout:
		c.onRequestPacing()
	}
}

// onWarmupDone resets every live client's timing baselines and opens
// the measurement window.
func (w *Worker) onWarmupDone() {
	for _, client := range w.clients {
		if client.dead {
			continue
		}
		client.recordClientStartTime()
		client.clearConnectTimes()
		client.recordConnectStartTime()
	}

	w.phase = PhaseMainDuration
	w.durationTimer.Reset(w.config.Duration)
	if w.config.IsQPSMode() {
		w.qpsTicker = time.NewTicker(qpsUpdatePeriod)
	}
}

// onDurationOver ends the measurement window and breaks the loop.
func (w *Worker) onDurationOver() {
	totalReqLeft.Store(0)
	w.phase = PhaseDurationOver

	if w.qpsTicker != nil {
		w.qpsTicker.Stop()
		w.qpsTicker = nil
	}

	w.stopAllClients()
	w.looping = false
}

// onQPSRefill adds the current slot's tokens and drains the blocked
// queue, most recently blocked first.
func (w *Worker) onQPSRefill() {
	if len(w.qpsCounts) > 0 {
		w.qpsLeft += w.qpsCounts[w.qpsIndex]
		w.qpsIndex = (w.qpsIndex + 1) % len(w.qpsCounts)
	} else {
		w.qpsLeft = math.MaxInt32
	}

	for w.qpsLeft > 0 && len(w.blockedDueToQPS) > 0 {
		c := w.blockedDueToQPS[len(w.blockedDueToQPS)-1]
		w.blockedDueToQPS = w.blockedDueToQPS[:len(w.blockedDueToQPS)-1]
		if c.dead || c.state != ClientConnected {
			continue
		}
		if err := c.submitRequest(); err != nil {
			w.processRequestFailure()
		}
		c.signalWrite()
	}
}

// stopAllClients records end times, terminates sessions and
// disconnects everything still live.
func (w *Worker) stopAllClients() {
	for _, client := range w.clients {
		if client.dead {
			continue
		}
		client.recordClientEndTime()
		if client.session != nil {
			client.terminateSession()
			client.doWrite()
		}
		client.disconnect()
		client.gone()
	}
}

// clientGone ends the loop once the last client of a fixed-count run is
// finished; timing-based runs end on the duration timer.
func (w *Worker) clientGone() {
	w.liveClients--
	if w.config.IsTimingBasedMode() {
		return
	}
	if w.liveClients == 0 && w.nconnsMade >= w.nclients {
		w.looping = false
	}
}

// processRequestFailure breaks the loop when a submission fails outside
// the measurement window.
func (w *Worker) processRequestFailure() {
	if w.phase != PhaseMainDuration {
		w.looping = false
	}
}

func (w *Worker) recordRTT(us int64) {
	if us < 0 {
		us = 0
	}
	w.rtts = append(w.rtts, us)
	if us < w.rttMin {
		w.rttMin = us
	}
	if us > w.rttMax {
		w.rttMax = us
	}
	if us > 0 {
		w.hist.RecordValue(us)
	}
	if metricsEnabled {
		promLatencyHistogram.Observe(float64(us) / 1000.0)
	}
}

// reportAppInfo logs the negotiated application protocol once per run.
func (w *Worker) reportAppInfo(proto string) {
	w.appInfoOnce.Do(func() {
		w.log.WithField("protocol", proto).Info("application protocol selected")
	})
}

// RTTRange reports this worker's observed RTT bounds in microseconds.
func (w *Worker) RTTRange() (int64, int64) { return w.rttMin, w.rttMax }

// RTTs returns the recorded RTT samples in microseconds.
func (w *Worker) RTTs() []int64 { return w.rtts }

// Histogram exposes the worker's HDR latency histogram.
func (w *Worker) Histogram() *hdrhistogram.Histogram { return w.hist }
