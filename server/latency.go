package server

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// LatencyDistribution maps percentiles (multiplied by 10, so 999 means
// 99.9) to injected latencies in milliseconds. Requests sample it to
// simulate a realistic response-time curve.
type LatencyDistribution map[int]int64

// ParseLatencyPercentiles parses a "50=10,99=100,999=200" argument.
// Percentiles up to 100 are multiplied by 10 into the per-mille space;
// larger keys are taken as per-mille already, so fractional percentiles
// like 99.9 can be expressed as 999.
func ParseLatencyPercentiles(input string) (LatencyDistribution, error) {
	dist := LatencyDistribution{}
	if input == "" {
		return dist.normalize()
	}
	for _, pair := range strings.Split(input, ",") {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			return nil, errors.Errorf("bad percentile pair: %q", pair)
		}
		p, err := strconv.Atoi(key)
		if err != nil {
			return nil, errors.Wrapf(err, "bad percentile: %q", key)
		}
		if p <= 100 {
			p *= 10
		}
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad latency value: %q", value)
		}
		dist[p] = v
	}
	return dist.normalize()
}

// normalize pins the 0th and 1000th percentile and checks monotonicity.
func (d LatencyDistribution) normalize() (LatencyDistribution, error) {
	d[0] = 0
	if _, ok := d[1000]; !ok {
		max := int64(0)
		for _, v := range d {
			if v > max {
				max = v
			}
		}
		d[1000] = max
	}

	keys := d.sortedKeys()
	last := int64(0)
	for _, k := range keys {
		if d[k] < last {
			return nil, errors.Errorf("latency distribution is not monotonic at %d", k)
		}
		last = d[k]
	}
	return d, nil
}

func (d LatencyDistribution) sortedKeys() []int {
	keys := make([]int, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// Get returns the latency for a roll in [0, 1000), linearly
// interpolating between the configured percentiles.
func (d LatencyDistribution) Get(roll int) int64 {
	if roll < 0 {
		roll = 0
	}
	if roll > 1000 {
		roll = 1000
	}
	if v, ok := d[roll]; ok {
		return v
	}

	keys := d.sortedKeys()
	var lo, hi int
	for i, k := range keys {
		if roll < k {
			hi = k
			lo = keys[i-1]
			break
		}
	}
	if hi == lo {
		return d[lo]
	}

	frac := float64(roll-lo) / float64(hi-lo)
	return d[lo] + int64(frac*float64(d[hi]-d[lo]))
}
