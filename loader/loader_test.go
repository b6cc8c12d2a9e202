package loader

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"

	check "gopkg.in/check.v1"

	"github.com/antJack/sofaload/config"
)

type LoaderTestSuite struct{}

var _ = check.Suite(&LoaderTestSuite{})

// newRunConfig points a built config at a local test server.
func newRunConfig(c *check.C, rawurl string, mut func(*config.Config)) *config.Config {
	u, err := url.Parse(rawurl)
	c.Assert(err, check.IsNil)
	port, err := strconv.Atoi(u.Port())
	c.Assert(err, check.IsNil)

	cfg := config.New()
	cfg.Scheme = "http"
	cfg.Host = u.Hostname()
	cfg.DefaultPort = 80
	cfg.Port = port
	cfg.ReqLines = []string{"/"}
	cfg.NoTLSProto = config.ProtoHTTP1
	cfg.Addrs = []config.Addr{{Network: "tcp", Address: u.Host}}
	if mut != nil {
		mut(cfg)
	}
	cfg.BuildRequests()
	return cfg
}

func (*LoaderTestSuite) TestFixedCountRun(c *check.C) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer ts.Close()

	cfg := newRunConfig(c, ts.URL, func(cfg *config.Config) {
		cfg.NReqs = 10
		cfg.NClients = 2
		cfg.NThreads = 1
	})

	res, err := Run(cfg)
	c.Assert(err, check.IsNil)

	s := &res.Stats
	c.Assert(s.ReqDone, check.Equals, int64(10))
	c.Assert(s.ReqSuccess, check.Equals, int64(10))
	c.Assert(s.ReqStatusSuccess, check.Equals, int64(10))
	c.Assert(s.Status[2], check.Equals, int64(10))
	c.Assert(s.ReqFailed, check.Equals, int64(0))
	c.Assert(s.ReqDone, check.Equals, s.ReqSuccess+s.ReqFailed)
	c.Assert(len(s.ReqStats), check.Equals, 10)
	// Two clients reported their stats.
	c.Assert(len(s.ClientStats), check.Equals, 2)
	c.Assert(res.TotalRequests, check.Equals, int64(10))
	// At-most-T-overshoot bound on submissions.
	c.Assert(TotalRequestsSent() <= int64(10+cfg.NThreads), check.Equals, true)
}

func (*LoaderTestSuite) TestSingleRequestRun(c *check.C) {
	hits := 0
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	}))
	defer ts.Close()

	cfg := newRunConfig(c, ts.URL, nil)

	res, err := Run(cfg)
	c.Assert(err, check.IsNil)
	c.Assert(res.Stats.ReqDone, check.Equals, int64(1))
	mu.Lock()
	c.Assert(hits, check.Equals, 1)
	mu.Unlock()
}

func (*LoaderTestSuite) TestPipelinedRun(c *check.C) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer ts.Close()

	cfg := newRunConfig(c, ts.URL, func(cfg *config.Config) {
		cfg.NReqs = 20
		cfg.NClients = 2
		cfg.NThreads = 2
		cfg.MaxConcurrentStreams = 4
	})

	res, err := Run(cfg)
	c.Assert(err, check.IsNil)
	c.Assert(res.Stats.ReqStatusSuccess, check.Equals, int64(20))
}

func (*LoaderTestSuite) TestUnreachableHostFailsAllRequests(c *check.C) {
	cfg := config.New()
	cfg.Scheme = "http"
	cfg.Host = "127.0.0.1"
	cfg.DefaultPort = 80
	cfg.Port = 1
	cfg.ReqLines = []string{"/"}
	cfg.NoTLSProto = config.ProtoHTTP1
	// A port that nothing listens on.
	cfg.Addrs = []config.Addr{{Network: "tcp", Address: "127.0.0.1:1"}}
	cfg.NReqs = 10
	cfg.NClients = 5
	cfg.NThreads = 1
	cfg.BuildRequests()

	res, err := Run(cfg)
	c.Assert(err, check.IsNil)
	c.Assert(res.Stats.ReqStatusSuccess, check.Equals, int64(0))
	// Unissued requests are charged post-hoc in fixed-count mode.
	c.Assert(res.Stats.ReqFailed, check.Equals, int64(10))
	c.Assert(res.Stats.ReqError, check.Equals, int64(10))
}

func (*LoaderTestSuite) TestAddressFailover(c *check.C) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer ts.Close()

	cfg := newRunConfig(c, ts.URL, func(cfg *config.Config) {
		u, _ := url.Parse(ts.URL)
		// The first address refuses connections; the second works.
		cfg.Addrs = []config.Addr{
			{Network: "tcp", Address: "127.0.0.1:1"},
			{Network: "tcp", Address: u.Host},
		}
		cfg.NReqs = 4
		cfg.NClients = 2
	})

	res, err := Run(cfg)
	c.Assert(err, check.IsNil)
	// Failover happens in connect, not in submit: no failed requests.
	c.Assert(res.Stats.ReqStatusSuccess, check.Equals, int64(4))
	c.Assert(res.Stats.ReqFailed, check.Equals, int64(0))
}

func (*LoaderTestSuite) TestDurationRun(c *check.C) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer ts.Close()

	cfg := newRunConfig(c, ts.URL, func(cfg *config.Config) {
		cfg.NClients = 2
		cfg.Duration = 300 * time.Millisecond
	})

	start := time.Now()
	res, err := Run(cfg)
	c.Assert(err, check.IsNil)
	c.Assert(time.Since(start) >= 300*time.Millisecond, check.Equals, true)
	c.Assert(res.Stats.ReqDone > 0, check.Equals, true)
	c.Assert(res.Stats.ReqDone, check.Equals, res.Stats.ReqSuccess+res.Stats.ReqFailed)
}

func (*LoaderTestSuite) TestWarmUpRequestsNotCounted(c *check.C) {
	var mu sync.Mutex
	hits := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.Write([]byte("ok"))
	}))
	defer ts.Close()

	cfg := newRunConfig(c, ts.URL, func(cfg *config.Config) {
		cfg.Duration = 200 * time.Millisecond
		cfg.WarmUpTime = 200 * time.Millisecond
	})

	res, err := Run(cfg)
	c.Assert(err, check.IsNil)

	mu.Lock()
	total := hits
	mu.Unlock()
	// The server saw warm-up traffic the stats exclude.
	c.Assert(int64(total) >= res.Stats.ReqDone, check.Equals, true)
	c.Assert(res.Stats.ReqDone > 0, check.Equals, true)
}

func (*LoaderTestSuite) TestQPSBudgetSplit(c *check.C) {
	cfg := config.New()
	cfg.Host = "example.com"
	cfg.QPS = 501
	cfg.Duration = 2 * time.Second
	cfg.NClients = 4
	cfg.NThreads = 2

	workers := createWorkers(cfg, nil)
	c.Assert(workers, check.HasLen, 2)

	sum := func(counts []int) int {
		total := 0
		for _, n := range counts {
			total += n
		}
		return total
	}
	// 501 split over 2 workers: 251 + 250, scattered over 200 slots.
	c.Assert(sum(workers[0].qpsCounts), check.Equals, 251)
	c.Assert(sum(workers[1].qpsCounts), check.Equals, 250)
	c.Assert(workers[0].qpsCounts, check.HasLen, QPSUpdatePerSecond)
}

func (*LoaderTestSuite) TestClientSplitAcrossWorkers(c *check.C) {
	cfg := config.New()
	cfg.Host = "example.com"
	cfg.NClients = 7
	cfg.NThreads = 3

	workers := createWorkers(cfg, nil)
	c.Assert(workers[0].nclients, check.Equals, 3)
	c.Assert(workers[1].nclients, check.Equals, 2)
	c.Assert(workers[2].nclients, check.Equals, 2)
}

func (*LoaderTestSuite) TestAggregateChargesUnissuedRequests(c *check.C) {
	cfg := config.New()
	cfg.Host = "example.com"
	cfg.NReqs = 10

	w := NewWorker(0, cfg, nil, 1, 1, &sync.Once{})
	w.Stats.ReqStatusSuccess = 3
	w.Stats.ReqFailed = 2
	w.Stats.ReqError = 2

	res := aggregate(cfg, []*Worker{w}, time.Second)
	c.Assert(res.Stats.ReqFailed, check.Equals, int64(7))
	c.Assert(res.Stats.ReqError, check.Equals, int64(7))
}

func (*LoaderTestSuite) TestQPSRefillDrainsBlockedLIFO(c *check.C) {
	client := newTestClient(100, func(cfg *config.Config) {
		cfg.QPS = 100
		cfg.Duration = time.Second
	})
	w := client.worker
	sess := newHTTP1Session(client)
	client.session = sess

	// No tokens yet: the submission parks the client.
	w.qpsLeft = 0
	c.Assert(client.submitRequest(), check.IsNil)
	c.Assert(w.blockedDueToQPS, check.HasLen, 1)
	c.Assert(client.streams, check.HasLen, 0)

	// A refill drains the queue and submits.
	w.SetQPSCounts([]int{2})
	w.onQPSRefill()
	c.Assert(w.blockedDueToQPS, check.HasLen, 0)
	c.Assert(client.streams, check.HasLen, 1)
	c.Assert(w.qpsLeft, check.Equals, 1)
}
