package api

import (
	"sort"
	"time"
)

// Latency summarizes request round-trip times over the client's latency window.
type Latency struct {
	Count int
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
	P95   time.Duration
	P99   time.Duration
}

// Latency returns round-trip statistics for requests in the current window.
func (c *Client) Latency() Latency {
	var durations []time.Duration
	c.latencies.Range(func(_ time.Time, d time.Duration) bool {
		durations = append(durations, d)
		return true
	})
	return summarize(durations)
}

func summarize(durations []time.Duration) Latency {
	n := len(durations)
	if n == 0 {
		return Latency{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var total time.Duration
	for _, d := range durations {
		total += d
	}
	return Latency{
		Count: n,
		Min:   durations[0],
		Max:   durations[n-1],
		Avg:   total / time.Duration(n),
		P95:   durations[percentileIndex(n, 0.95)],
		P99:   durations[percentileIndex(n, 0.99)],
	}
}

func percentileIndex(n int, p float64) int {
	i := int(float64(n) * p)
	if i >= n {
		i = n - 1
	}
	return i
}
