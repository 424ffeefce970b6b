package metrics

import (
	"time"

	"github.com/cuemby/prte/pkg/registry"
)

// Collector periodically samples the registry and updates the gauge
// metrics that aren't naturally updated at the point of change (node
// counts by status, job counts by state).
type Collector struct {
	reg    *registry.Registry
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over reg.
func NewCollector(reg *registry.Registry) *Collector {
	return &Collector{
		reg:    reg,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectNodeMetrics()
	c.collectJobMetrics()
}

func (c *Collector) collectNodeMetrics() {
	nodes := c.reg.ListNodes()

	counts := make(map[string]int)
	for _, n := range nodes {
		counts[string(n.State)]++
	}
	for status, count := range counts {
		NodesTotal.WithLabelValues(status).Set(float64(count))
	}
}

func (c *Collector) collectJobMetrics() {
	jobs := c.reg.ListJobs()

	jobCounts := make(map[string]int)
	procCounts := make(map[string]int)
	for _, j := range jobs {
		jobCounts[string(j.State)]++
		for _, p := range j.Procs {
			procCounts[string(p.State)]++
		}
	}
	for state, count := range jobCounts {
		JobsTotal.WithLabelValues(state).Set(float64(count))
	}
	for state, count := range procCounts {
		ProcsTotal.WithLabelValues(state).Set(float64(count))
	}
}
