package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"
)

// QueueStatsProvider reports the whole-queue item count per status
type QueueStatsProvider interface {
	QueueStats(ctx context.Context) (map[string]int, error)
}

// Collector refreshes gauges that are sampled rather than counted
type Collector struct {
	metrics     *Metrics
	queueStats  QueueStatsProvider
	storagePath string
	interval    time.Duration
	startTime   time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new metrics collector. storagePath may be empty when
// the queue does not live in a single file.
func NewCollector(m *Metrics, queueStats QueueStatsProvider, storagePath string, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		metrics:     m,
		queueStats:  queueStats,
		storagePath: storagePath,
		interval:    interval,
		startTime:   time.Now(),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the collector background task
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect samples process and queue state once
func (c *Collector) Collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.queueStats != nil {
		stats, err := c.queueStats.QueueStats(ctx)
		if err == nil {
			for status, n := range stats {
				c.metrics.QueueItems.WithLabelValues(status).Set(float64(n))
			}
		}
	}
}
