package stats

import "math"

// ReportPercentiles are the latency distribution rows of the report.
var ReportPercentiles = []float64{50.0, 75.0, 90.0, 95.0, 99.0}

// PercentileValue is one row of the latency distribution.
type PercentileValue struct {
	Percentile float64
	RTT        int64 // microseconds
	Invalid    bool
}

// LatencyDistribution computes the report percentiles from per-worker
// RTT vectors (microseconds) using a dense histogram over
// [rttMin, rttMax]. The rank for percentile p over n samples is
// round(p/100*n + 0.5); the reported value is the first bucket whose
// running total reaches the rank.
func LatencyDistribution(rttVectors [][]int64, rttMin, rttMax int64) []PercentileValue {
	invalid := false
	if rttMin > rttMax {
		rttMin, rttMax = 0, 0
		invalid = true
	}

	buckets := make([]int64, rttMax-rttMin+1)
	var count int64
	for _, rtts := range rttVectors {
		count += int64(len(rtts))
		for _, rtt := range rtts {
			buckets[rtt-rttMin]++
		}
	}

	out := make([]PercentileValue, 0, len(ReportPercentiles))
	for _, p := range ReportPercentiles {
		rank := int64(math.Round(p/100.0*float64(count) + 0.5))
		var total int64
		rtt := rttMin
		for ; rtt <= rttMax; rtt++ {
			total += buckets[rtt-rttMin]
			if total >= rank {
				break
			}
		}
		if rtt > rttMax {
			rtt = rttMax
		}
		out = append(out, PercentileValue{Percentile: p, RTT: rtt, Invalid: invalid})
	}
	return out
}
