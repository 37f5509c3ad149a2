package baseline

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/transitops/detourd/internal/transit"
)

// PolledSource caches the most recently fetched StaticData and
// refreshes it on its own schedule, independent of the detector's
// per-tick reads: GTFS static data changes far less often than
// vehicle positions, so there's no reason to re-download and
// re-parse the zip on every detection tick.
type PolledSource struct {
	source *Source

	mu   sync.RWMutex
	data transit.StaticData
}

// NewPolledSource wraps source with a cache. Callers should call
// LoadInitial once before serving traffic, then Run in a background
// goroutine to keep the cache warm.
func NewPolledSource(source *Source) *PolledSource {
	return &PolledSource{source: source}
}

// LoadInitial performs a synchronous first fetch so the engine has
// baseline shape data before its first detection tick.
func (p *PolledSource) LoadInitial(ctx context.Context) error {
	data, err := p.source.Refresh(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.data = data
	p.mu.Unlock()
	return nil
}

// Run refreshes the cached data every interval until ctx is canceled.
// A failed refresh leaves the previous cached data in place and logs
// the error rather than propagating it, since a stale baseline is
// preferable to no baseline at all.
func (p *PolledSource) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := p.source.Refresh(ctx)
			if err != nil {
				log.Printf("baseline: refresh failed, keeping previous data: %v", err)
				continue
			}
			p.mu.Lock()
			p.data = data
			p.mu.Unlock()
		}
	}
}

// GetStaticData implements transit.StaticDataSource by returning the
// most recently cached data.
func (p *PolledSource) GetStaticData(ctx context.Context) (transit.StaticData, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.data, nil
}
