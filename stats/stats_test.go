package stats_test

import (
	"testing"
	"time"

	"gonum.org/v1/gonum/stat"
	. "gopkg.in/check.v1"

	"github.com/antJack/sofaload/stats"
)

// Hook up gocheck into the "go test" runner.
func Test(t *testing.T) { TestingT(t) }

type StatsTestSuite struct{}

var _ = Suite(&StatsTestSuite{})

func almostEqual(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-9
}

func (*StatsTestSuite) TestComputeSDStatMatchesGonum(c *C) {
	samples := []float64{0.5, 1.5, 2.0, 4.0, 8.0, 16.0, 23.0}

	res := stats.ComputeSDStat(samples, false)
	c.Assert(almostEqual(res.Mean, stat.Mean(samples, nil)), Equals, true)
	c.Assert(almostEqual(res.SD, stat.PopStdDev(samples, nil)), Equals, true)
	c.Assert(res.Min, Equals, 0.5)
	c.Assert(res.Max, Equals, 23.0)

	res = stats.ComputeSDStat(samples, true)
	c.Assert(almostEqual(res.SD, stat.StdDev(samples, nil)), Equals, true)
}

func (*StatsTestSuite) TestComputeSDStatEmpty(c *C) {
	res := stats.ComputeSDStat(nil, false)
	c.Assert(res, Equals, stats.SDStat{})
}

func (*StatsTestSuite) TestWithinSD(c *C) {
	// mean=3, population sd=sqrt(1.6); 1 and 5 fall outside.
	samples := []float64{1, 3, 3, 3, 5}
	res := stats.ComputeSDStat(samples, false)
	c.Assert(almostEqual(res.WithinSD, 60.0), Equals, true)
}

func (*StatsTestSuite) TestLatencyDistributionRanks(c *C) {
	rtts := make([]int64, 0, 100)
	for i := int64(1); i <= 100; i++ {
		rtts = append(rtts, i)
	}

	pvs := stats.LatencyDistribution([][]int64{rtts}, 1, 100)
	c.Assert(pvs, HasLen, 5)

	// rank = round(p/100*100 + 0.5)
	want := map[float64]int64{50: 51, 75: 76, 90: 91, 95: 96, 99: 100}
	for _, pv := range pvs {
		c.Assert(pv.Invalid, Equals, false)
		c.Assert(pv.RTT, Equals, want[pv.Percentile], Commentf("p%v", pv.Percentile))
	}

	// Percentiles are monotonic.
	for i := 1; i < len(pvs); i++ {
		c.Assert(pvs[i].RTT >= pvs[i-1].RTT, Equals, true)
	}
}

func (*StatsTestSuite) TestLatencyDistributionEmpty(c *C) {
	pvs := stats.LatencyDistribution(nil, int64(1)<<62, -int64(1)<<62)
	for _, pv := range pvs {
		c.Assert(pv.Invalid, Equals, true)
		c.Assert(pv.RTT, Equals, int64(0))
	}
}

func (*StatsTestSuite) TestLatencyDistributionMergesWorkers(c *C) {
	pvs := stats.LatencyDistribution([][]int64{{10, 10, 10}, {20}}, 10, 20)
	// 4 samples; p50 rank = round(2.5) = 3 -> 10, p99 rank = 4 -> 20.
	c.Assert(pvs[0].RTT, Equals, int64(10))
	c.Assert(pvs[4].RTT, Equals, int64(20))
}

func (*StatsTestSuite) TestComputeTimeStats(c *C) {
	base := time.Now()
	s := &stats.Stats{
		ReqStats: []stats.RequestStat{
			{RequestTime: base, StreamCloseTime: base.Add(100 * time.Millisecond), Completed: true},
			{RequestTime: base, StreamCloseTime: base.Add(300 * time.Millisecond), Completed: true},
			// Incomplete stats do not contribute.
			{RequestTime: base, StreamCloseTime: base.Add(time.Hour)},
		},
		ClientStats: []stats.ClientStat{
			{
				ClientStartTime:  base,
				ClientEndTime:    base.Add(2 * time.Second),
				ConnectStartTime: base,
				ConnectTime:      base.Add(10 * time.Millisecond),
				TTFB:             base.Add(30 * time.Millisecond),
				ReqSuccess:       10,
			},
			// A client that never connected contributes nothing.
			{},
		},
	}

	ts := stats.ComputeTimeStats(s)
	c.Assert(almostEqual(ts.Request.Mean, 0.2), Equals, true)
	c.Assert(almostEqual(ts.Connect.Mean, 0.01), Equals, true)
	c.Assert(almostEqual(ts.TTFB.Mean, 0.03), Equals, true)
	c.Assert(almostEqual(ts.RPS.Mean, 5.0), Equals, true)
}

func (*StatsTestSuite) TestStatsAdd(c *C) {
	var a, b stats.Stats
	a.ReqDone = 1
	a.Status[2] = 3
	b.ReqDone = 2
	b.Status[2] = 4
	b.SofaRPCStatus[0] = 7
	b.ReqStats = []stats.RequestStat{{Completed: true}}

	a.Add(&b)
	c.Assert(a.ReqDone, Equals, int64(3))
	c.Assert(a.Status[2], Equals, int64(7))
	c.Assert(a.SofaRPCStatus[0], Equals, int64(7))
	c.Assert(a.ReqStats, HasLen, 1)
}
