package stats

import "math"

// SDStat summarizes a sample set: min, max, mean, standard deviation
// and the percentage of samples within mean +/- sd.
type SDStat struct {
	Min      float64
	Max      float64
	Mean     float64
	SD       float64
	WithinSD float64
}

// ComputeSDStat computes an SDStat over samples using Welford's
// incremental method. Sample variance is used when sampling is true,
// population variance otherwise.
func ComputeSDStat(samples []float64, sampling bool) SDStat {
	if len(samples) == 0 {
		return SDStat{}
	}

	res := SDStat{Min: math.MaxFloat64, Max: -math.MaxFloat64}
	var a, q, sum float64
	n := 0
	for _, t := range samples {
		n++
		res.Min = math.Min(res.Min, t)
		res.Max = math.Max(res.Max, t)
		sum += t

		na := a + (t-a)/float64(n)
		q += (t - a) * (t - na)
		a = na
	}

	res.Mean = sum / float64(n)
	div := float64(n)
	if sampling && n > 1 {
		div = float64(n - 1)
	}
	res.SD = math.Sqrt(q / div)
	res.WithinSD = withinSD(samples, res.Mean, res.SD)
	return res
}

// withinSD returns the percentage of samples within [mean-sd, mean+sd].
func withinSD(samples []float64, mean, sd float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	lower, upper := mean-sd, mean+sd
	m := 0
	for _, t := range samples {
		if lower <= t && t <= upper {
			m++
		}
	}
	return float64(m) / float64(len(samples)) * 100
}

// TimeStats carries the four aggregate tables of the final report.
type TimeStats struct {
	Request SDStat
	Connect SDStat
	TTFB    SDStat
	RPS     SDStat
}

// ComputeTimeStats derives the report tables from the merged stat
// vectors. Durations are in seconds.
func ComputeTimeStats(s *Stats) TimeStats {
	var requestTimes, connectTimes, ttfbTimes, rpsValues []float64

	for _, rs := range s.ReqStats {
		if !rs.Completed {
			continue
		}
		requestTimes = append(requestTimes, rs.StreamCloseTime.Sub(rs.RequestTime).Seconds())
	}

	for _, cs := range s.ClientStats {
		if Recorded(cs.ClientStartTime) && Recorded(cs.ClientEndTime) {
			t := cs.ClientEndTime.Sub(cs.ClientStartTime).Seconds()
			if t > 1e-9 {
				rpsValues = append(rpsValues, float64(cs.ReqSuccess)/t)
			}
		}

		// The connect event always precedes the first byte.
		if !Recorded(cs.ConnectStartTime) || !Recorded(cs.ConnectTime) {
			continue
		}
		connectTimes = append(connectTimes, cs.ConnectTime.Sub(cs.ConnectStartTime).Seconds())

		if !Recorded(cs.TTFB) {
			continue
		}
		ttfbTimes = append(ttfbTimes, cs.TTFB.Sub(cs.ConnectStartTime).Seconds())
	}

	return TimeStats{
		Request: ComputeSDStat(requestTimes, false),
		Connect: ComputeSDStat(connectTimes, false),
		TTFB:    ComputeSDStat(ttfbTimes, false),
		RPS:     ComputeSDStat(rpsValues, false),
	}
}
