package metrics

import (
	"context"
	"time"
)

// RecordCounter is the slice of the registry the collector needs
type RecordCounter interface {
	CountRecords(ctx context.Context) (int, error)
}

// Collector periodically samples registry size into InstancesTracked
type Collector struct {
	source   RecordCounter
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source RecordCounter, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
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

// Collect samples once. Registry errors mark the registry component
// unhealthy rather than zeroing the gauge.
func (c *Collector) Collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := c.source.CountRecords(ctx)
	if err != nil {
		UpdateComponent("registry", false, err.Error())
		return
	}
	UpdateComponent("registry", true, "")
	InstancesTracked.Set(float64(n))
}
