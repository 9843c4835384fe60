package hart

import (
	"strconv"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// microOpBytes is the nominal per-MicroOp cost used for the cache's
// byte-budget accounting (SPEC_FULL.md §6 cache_max_bytes).
const microOpBytes = 48

// BlockCache is the shared, PC-keyed cache of compiled Blocks (C8). It is
// safe for concurrent use by every hart goroutine: the LRU itself guards
// its own map, the compiling set is a singleflight.Group so two harts
// racing to compile the same PC get one compile, and blacklist/failure
// bookkeeping use their own mutex. Grounded structurally on
// original_source/riscv-vm/src/jit/types.rs's JitRuntime (BlockStatus,
// generation counter, blacklist) — net new relative to the teacher, which
// has no block cache at all.
type BlockCache struct {
	cfg *Config

	lru        *lru.Cache[uint64, *Block]
	totalBytes atomic.Int64
	generation atomic.Uint64

	compiling singleflight.Group

	mu        sync.Mutex
	blacklist map[uint64]bool
	failures  map[uint64]int
}

// NewBlockCache constructs an empty cache sized per cfg.
func NewBlockCache(cfg *Config) *BlockCache {
	c := &BlockCache{
		cfg:       cfg,
		blacklist: make(map[uint64]bool),
		failures:  make(map[uint64]int),
	}
	l, _ := lru.NewWithEvict[uint64, *Block](cfg.CacheMaxEntries, func(_ uint64, b *Block) {
		c.totalBytes.Add(-int64(len(b.Ops) * microOpBytes))
	})
	c.lru = l
	for _, pc := range cfg.Blacklist {
		c.blacklist[pc] = true
	}
	return c
}

// Generation returns the current block-cache generation. Blocks compiled
// under an older generation are stale and must be recompiled rather than
// reused, since the address-translation state they were built against may
// have changed (SPEC_FULL.md §4.6/§4.7).
func (c *BlockCache) Generation() uint64 { return c.generation.Load() }

// BumpGeneration invalidates every live block without walking the LRU: a
// stale generation is detected lazily on the next Lookup.
func (c *BlockCache) BumpGeneration() { c.generation.Add(1) }

// Lookup returns a cached, still-current block for pc, if one exists.
func (c *BlockCache) Lookup(pc uint64) (*Block, bool) {
	b, ok := c.lru.Get(pc)
	if !ok {
		return nil, false
	}
	if b.Generation != c.Generation() {
		c.lru.Remove(pc)
		return nil, false
	}
	return b, true
}

// IsBlacklisted reports whether pc has failed compilation too many times
// (or was pre-seeded via Config.Blacklist) and should always run
// interpreted.
func (c *BlockCache) IsBlacklisted(pc uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blacklist[pc]
}

// RecordFailure counts a tier-2 compilation failure for pc, blacklisting it
// once MaxConsecutiveFailures is reached.
func (c *BlockCache) RecordFailure(pc uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[pc]++
	if c.failures[pc] >= c.cfg.MaxConsecutiveFailures {
		c.blacklist[pc] = true
	}
}

// RecordSuccess clears pc's failure streak.
func (c *BlockCache) RecordSuccess(pc uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failures, pc)
}

// CompileOnce returns the cached, still-current block at pc, compiling it
// only when none exists, and deduplicates concurrent requests for the same
// pc across hart goroutines (two harts racing into the same freshly-hot PC
// compile it once, not twice).
func (c *BlockCache) CompileOnce(h *Hart, pc uint64) (*Block, error) {
	v, err, _ := c.compiling.Do(strconv.FormatUint(pc, 10), func() (interface{}, error) {
		if b, ok := c.Lookup(pc); ok {
			return b, nil
		}
		b := h.CompileBlock(pc, h.Cfg.MaxBlockSize)
		c.insert(pc, b)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Block), nil
}

func (c *BlockCache) insert(pc uint64, b *Block) {
	c.totalBytes.Add(int64(len(b.Ops) * microOpBytes))
	c.lru.Add(pc, b)
	for c.totalBytes.Load() > c.cfg.CacheMaxBytes && c.lru.Len() > 0 {
		_, _, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
	}
}
