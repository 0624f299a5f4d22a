package stats

import (
	"slices"
	"sync"

	tdigest "github.com/caio/go-tdigest"
)

const (
	digestCompression = 100
	p99               = 0.99
)

// CallStat summarises one series recorded by a CallCollector.
type CallStat struct {
	Count  int     `json:"count"`
	Sum    int64   `json:"sum"`
	Min    int64   `json:"min"`
	Max    int64   `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P99    float64 `json:"p99,omitempty"` // timing series only
}

// CallCollector records client call counters and timings by name. It backs the
// stats middleware; protocol level series go through a Sink instead.
type CallCollector struct {
	mu      sync.RWMutex
	series  map[string][]int64
	digests map[string]*tdigest.TDigest
}

// NewCallCollector creates an empty collector.
func NewCallCollector() *CallCollector {
	return &CallCollector{series: make(map[string][]int64), digests: make(map[string]*tdigest.TDigest)}
}

// Incr adds value to the named counter series.
func (c *CallCollector) Incr(stat string, value int64) { c.append(stat, value) }

// Timing records a duration in nanoseconds; timing series also feed a t-digest.
func (c *CallCollector) Timing(stat string, value int64) {
	c.append(stat, value)

	c.mu.Lock()
	defer c.mu.Unlock()

	td, ok := c.digests[stat]
	if !ok {
		var err error

		td, err = tdigest.New(tdigest.Compression(digestCompression))
		if err != nil {
			return
		}

		c.digests[stat] = td
	}

	_ = td.Add(float64(value)) //nolint:errcheck // only rejects NaN and Inf
}

func (c *CallCollector) append(stat string, value int64) {
	c.mu.Lock()
	c.series[stat] = append(c.series[stat], value)
	c.mu.Unlock()
}

// Count returns the number of samples recorded under stat.
func (c *CallCollector) Count(stat string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.series[stat])
}

// Percentile returns the pth percentile (0..1) of a series, 0 when empty. Timing
// series answer from their digest, counters from the raw samples.
func (c *CallCollector) Percentile(stat string, p float64) float64 {
	if q, ok := c.quantile(stat, p); ok {
		return q
	}

	values := c.sorted(stat)
	if len(values) == 0 {
		return 0
	}

	idx := int(float64(len(values)) * p)
	if idx >= len(values) {
		idx = len(values) - 1
	}

	return float64(values[idx])
}

// Snapshot summarises every series.
func (c *CallCollector) Snapshot() map[string]CallStat {
	c.mu.RLock()
	names := make([]string, 0, len(c.series))

	for name := range c.series {
		names = append(names, name)
	}
	c.mu.RUnlock()

	out := make(map[string]CallStat, len(names))
	for _, name := range names {
		values := c.sorted(name)
		if len(values) == 0 {
			continue
		}

		var sum int64
		for _, v := range values {
			sum += v
		}

		mid := len(values) / 2
		median := float64(values[mid])

		if len(values)%2 == 0 {
			median = float64(values[mid-1]+values[mid]) / 2 //nolint:mnd // midpoint
		}

		out[name] = CallStat{
			Count:  len(values),
			Sum:    sum,
			Min:    values[0],
			Max:    values[len(values)-1],
			Mean:   float64(sum) / float64(len(values)),
			Median: median,
			P99:    c.digestP99(name),
		}
	}

	return out
}

func (c *CallCollector) sorted(stat string) []int64 {
	c.mu.RLock()
	values := slices.Clone(c.series[stat])
	c.mu.RUnlock()

	slices.Sort(values)

	return values
}

func (c *CallCollector) digestP99(stat string) float64 {
	q, _ := c.quantile(stat, p99)

	return q
}

// quantile reads a digest under the write lock: digests compress lazily on read.
func (c *CallCollector) quantile(stat string, q float64) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	td, ok := c.digests[stat]
	if !ok {
		return 0, false
	}

	return td.Quantile(q), true
}
