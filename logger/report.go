package logger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type componentStat struct {
	warns  int64
	errors int64
}

// reportCounters tallies warn/error volume per component so that a periodic
// report can summarize provider health without scraping log lines.
type reportCounters struct {
	stats sync.Map // map[string]*componentStat
}

func newReportCounters() *reportCounters {
	return &reportCounters{}
}

func (c *reportCounters) stat(component string) *componentStat {
	if v, ok := c.stats.Load(component); ok {
		return v.(*componentStat)
	}
	v, _ := c.stats.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

func (c *reportCounters) recordWarn(component string) {
	atomic.AddInt64(&c.stat(component).warns, 1)
}

func (c *reportCounters) recordError(component string) {
	atomic.AddInt64(&c.stat(component).errors, 1)
}

// snapshot returns the current tallies and resets them.
func (c *reportCounters) snapshot() map[string][2]int64 {
	out := make(map[string][2]int64)
	c.stats.Range(func(key, value interface{}) bool {
		stat := value.(*componentStat)
		warns := atomic.SwapInt64(&stat.warns, 0)
		errs := atomic.SwapInt64(&stat.errors, 0)
		if warns != 0 || errs != 0 {
			out[key.(string)] = [2]int64{warns, errs}
		}
		return true
	})
	return out
}

// StartReport emits a periodic per-component warn/error summary until the
// context is cancelled. Each summary is also published as metrics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for component, counts := range log.counter.snapshot() {
					entry := log.WithComponent("report").WithFields(Fields{
						"target_component": component,
						"warns":            counts[0],
						"errors":           counts[1],
					})
					entry.Info("component health report")
					if counts[1] > 0 {
						log.LogMetric(component, "error_count", counts[1], "counter", nil)
					}
					if counts[0] > 0 {
						log.LogMetric(component, "warn_count", counts[0], "counter", nil)
					}
				}
			}
		}
	}()
}
