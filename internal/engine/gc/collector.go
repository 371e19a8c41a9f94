// Package gc implements the garbage collector loop (spec §4.7): scanning a
// provider's residual-resource namespace, selecting candidates older than
// the configured retention, and tearing them down through a funnel
// dedicated to GC so it never competes with live invocations for API quota.
package gc

import (
	"context"
	"sync"
	"time"

	"github.com/nimbuscall/nimbuscall/internal/engine/cache"
	"github.com/nimbuscall/nimbuscall/internal/engine/driver"
	"github.com/nimbuscall/nimbuscall/internal/engine/funnel"
	"github.com/nimbuscall/nimbuscall/internal/engine/logging"
)

// lastRunKey is the well-known persistent-cache key the collector uses to
// track when it last ran, shared by every process on the machine (spec
// §4.7: "tracked in the persistent cache under a well-known key").
const lastRunKey = "gc:last-run"

// minInterval is the "at most every hour" floor on GC passes.
const minInterval = time.Hour

// LoopInterval is how often Loop checks whether a pass is due. It is
// shorter than minInterval so a freshly started process lines up close to
// the hourly window regardless of when the previous process last ran.
const LoopInterval = 15 * time.Minute

// deleteConcurrency is the dedicated funnel's admission limit: deletions run
// one at a time, independent of the invocation engine's own funnel.
const deleteConcurrency = 1

// Collector runs the garbage-collection pass for one provider instance.
type Collector struct {
	drv   driver.Driver
	state driver.State
	cache *cache.PersistentCache

	namePrefix      string
	retentionInDays int

	log    logging.Logger
	funnel *funnel.Funnel[struct{}]
}

// New constructs a Collector. namePrefix is the provider-defined namespace
// ScanResources searches (spec §4.7: "a provider-defined namespace").
func New(drv driver.Driver, state driver.State, c *cache.PersistentCache, namePrefix string, retentionInDays int, log logging.Logger) *Collector {
	return &Collector{
		drv:             drv,
		state:           state,
		cache:           c,
		namePrefix:      namePrefix,
		retentionInDays: retentionInDays,
		log:             log,
		funnel:          funnel.New[struct{}](deleteConcurrency),
	}
}

// Loop runs Run immediately, then re-checks every LoopInterval until ctx is
// canceled.
func (c *Collector) Loop(ctx context.Context) {
	c.runAndLog(ctx)

	ticker := time.NewTicker(LoopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runAndLog(ctx)
		}
	}
}

func (c *Collector) runAndLog(ctx context.Context) {
	if _, err := c.Run(ctx); err != nil {
		c.log.Error("gc: pass failed", err, nil)
	}
}

// Run performs one GC pass if due, per spec §4.7: scan, filter by
// retention, reconstruct handles, delete through the dedicated funnel. It
// returns (false, nil) when a pass already ran within minInterval.
func (c *Collector) Run(ctx context.Context) (bool, error) {
	if !c.due() {
		return false, nil
	}

	candidates, err := c.drv.ScanResources(ctx, c.namePrefix)
	if err != nil {
		return false, err
	}

	cutoff := time.Now().Add(-time.Duration(c.retentionInDays) * 24 * time.Hour)

	var wg sync.WaitGroup
	for _, res := range candidates {
		if !c.eligible(res, cutoff) {
			continue
		}
		res := res
		fut := c.funnel.Push(ctx, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.drv.DeleteResources(ctx, c.state, res)
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := fut.Wait(); err != nil {
				c.log.Error("gc: failed to delete resource", err, logging.Fields{"name": res.Name})
			}
		}()
	}
	wg.Wait()

	c.recordRun()
	return true, nil
}

// eligible implements spec §4.7's retention filter. retentionInDays == 0 is
// the documented-dangerous opt-in that also collects resources currently
// owned by other live processes: every scanned candidate is eligible.
func (c *Collector) eligible(res driver.Resources, cutoff time.Time) bool {
	if c.retentionInDays <= 0 {
		return true
	}
	return time.UnixMilli(res.CreatedAt).Before(cutoff)
}

func (c *Collector) due() bool {
	_, ok := c.cache.Get(lastRunKey, minInterval)
	return !ok
}

func (c *Collector) recordRun() {
	if err := c.cache.Set(lastRunKey, []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
		c.log.Error("gc: failed to record last-run timestamp", err, nil)
	}
}
