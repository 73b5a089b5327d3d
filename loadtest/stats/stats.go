// Package stats aggregates latency samples from load-test clients and
// prints a percentile summary. All methods are safe to call from many
// client goroutines.
package stats

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Collector accumulates samples for one run.
type Collector struct {
	mu       sync.Mutex
	connects []time.Duration
	rtts     []time.Duration
	errors   int
	start    time.Time
}

func NewCollector() *Collector {
	return &Collector{start: time.Now()}
}

// AddConnect records one successful connect-and-intro latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connects = append(c.connects, d)
	c.mu.Unlock()
}

// AddRTT records one request round trip.
func (c *Collector) AddRTT(d time.Duration) {
	c.mu.Lock()
	c.rtts = append(c.rtts, d)
	c.mu.Unlock()
}

// AddError counts one failure of any kind.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func summarize(name string, samples []time.Duration) string {
	if len(samples) == 0 {
		return fmt.Sprintf("%s: no samples", name)
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return fmt.Sprintf("%s: n=%d p50=%v p95=%v p99=%v max=%v",
		name, len(sorted),
		percentile(sorted, 0.50), percentile(sorted, 0.95),
		percentile(sorted, 0.99), sorted[len(sorted)-1])
}

// Report prints the run summary.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()
	elapsed := time.Since(c.start).Round(time.Millisecond)
	fmt.Printf("---- load test report (%v) ----\n", elapsed)
	fmt.Println(summarize("connect", c.connects))
	fmt.Println(summarize("rtt", c.rtts))
	fmt.Printf("errors: %d\n", c.errors)
	if sec := time.Since(c.start).Seconds(); sec > 0 {
		fmt.Printf("throughput: %.1f req/s\n", float64(len(c.rtts))/sec)
	}
}
