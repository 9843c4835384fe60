package hart

import "testing"

func TestBlockCacheCompileOnceDeduplicatesAcrossCallers(t *testing.T) {
	h := newTestHart(t)
	cache := NewBlockCache(DefaultConfig())
	h.Cache = cache

	// addi a0,a0,1 ; jalr x0, 0(ra) — a two-op block ending in a terminator.
	loadCode(t, h, []uint32{0x00150513, 0x00008067})

	b1, err := cache.CompileOnce(h, DRAMBase)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	b2, err := cache.CompileOnce(h, DRAMBase)
	if err != nil {
		t.Fatalf("compile again: %v", err)
	}
	if b1 != b2 {
		t.Error("expected the second CompileOnce to return the cached block, not recompile")
	}
}

func TestBlockCacheGenerationInvalidatesLookup(t *testing.T) {
	h := newTestHart(t)
	cache := NewBlockCache(DefaultConfig())
	h.Cache = cache

	loadCode(t, h, []uint32{0x00150513, 0x00008067})
	if _, err := cache.CompileOnce(h, DRAMBase); err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, ok := cache.Lookup(DRAMBase); !ok {
		t.Fatal("expected a cache hit before generation bump")
	}

	cache.BumpGeneration()
	if _, ok := cache.Lookup(DRAMBase); ok {
		t.Error("expected a stale-generation block to miss on Lookup")
	}
}

func TestBlockCacheBlacklistsAfterRepeatedTier2Failures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveFailures = 2
	cache := NewBlockCache(cfg)

	const pc = DRAMBase
	if cache.IsBlacklisted(pc) {
		t.Fatal("should not start blacklisted")
	}
	cache.RecordFailure(pc)
	if cache.IsBlacklisted(pc) {
		t.Fatal("should not blacklist before threshold")
	}
	cache.RecordFailure(pc)
	if !cache.IsBlacklisted(pc) {
		t.Error("expected pc to be blacklisted after MaxConsecutiveFailures")
	}
}

func TestBlockCacheSeedsConfigBlacklist(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Blacklist = []uint64{0x1234}
	cache := NewBlockCache(cfg)

	if !cache.IsBlacklisted(0x1234) {
		t.Error("expected Config.Blacklist entries to be pre-seeded")
	}
}
