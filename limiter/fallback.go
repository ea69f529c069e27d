package limiter

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gatelink/throttle/store"
)

const (
	// fallbackSweepInterval is how often the janitor scans for idle buckets.
	fallbackSweepInterval = 1 * time.Minute
	// fallbackMaxIdle is how long a fallback bucket may sit untouched before
	// the janitor drops it. Keeps the cache bounded during long outages.
	fallbackMaxIdle = 10 * time.Minute
)

// fallbackCache is the in-process degraded-mode store: a Memory store plus
// a background janitor sweeping idle buckets, since there is no server-side
// TTL to do it.
type fallbackCache struct {
	store    *store.Memory
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newFallbackCache() *fallbackCache {
	f := &fallbackCache{
		store:    store.NewMemory(),
		stopChan: make(chan struct{}),
	}
	f.wg.Add(1)
	go f.janitor()
	return f
}

func (f *fallbackCache) janitor() {
	defer f.wg.Done()
	ticker := time.NewTicker(fallbackSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopChan:
			return
		case <-ticker.C:
			f.store.Sweep(fallbackMaxIdle)
		}
	}
}

// stop shuts down the janitor and waits for it to exit.
func (f *fallbackCache) stop() {
	f.stopOnce.Do(func() {
		close(f.stopChan)
		f.wg.Wait()
		log.Debug().Int("buckets", f.store.Len()).Msg("fallback cache janitor stopped")
	})
}
