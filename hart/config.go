package hart

// Config holds the tunables governing the tiered execution pipeline: when
// tier-1 promotes a block to tier-2, how big the block cache is allowed to
// grow, how aggressively interrupts are polled, and which PCs are never
// eligible for compilation. Field defaults are restated in SPEC_FULL.md §6
// and are themselves grounded on original_source/riscv-vm/src/jit/types.rs's
// JitConfig.
type Config struct {
	// Tier1Threshold is the hit count a block must reach before it is
	// handed to the tier-2 compiler.
	Tier1Threshold uint32

	// MaxBlockSize caps how many MicroOps a single compiled Block may
	// contain. MinBlockSize is not consulted: a block shorter than it is
	// cached and run like any other.
	MinBlockSize int
	MaxBlockSize int

	// CacheMaxEntries and CacheMaxBytes bound the block cache (C8).
	CacheMaxEntries int
	CacheMaxBytes   int64

	// InterruptCheckInterval is how many Step calls separate batched
	// interrupt polls (SPEC_FULL.md §4.6); PollCounter resets to zero on
	// this boundary. A Step that runs a cached block counts once however
	// many instructions that block retires.
	InterruptCheckInterval uint16

	// EnableTLBFastPath and TLBFastPathThreshold are not consulted by the
	// hart package: every memory access of every block run goes through
	// the MMU's normal TLB lookup.
	EnableTLBFastPath     bool
	TLBFastPathThreshold  uint32

	// MaxConsecutiveFailures blacklists a PC after this many tier-2
	// compile failures in a row; a success resets the streak.
	// MaxTotalFailures is not consulted: no lifetime failure count is
	// kept, per PC or overall, and tier-2 is never disabled as a whole.
	MaxConsecutiveFailures int
	MaxTotalFailures       int

	// Blacklist pre-seeds PCs that must never be compiled (e.g. known
	// MMIO polling loops where interpretation is cheaper and safer).
	Blacklist []uint64

	// AsyncCompilation and CompileTimeoutMs are not consulted: tier-2
	// compilation always runs synchronously in tryPromote on the hart
	// that triggered promotion, with no time limit.
	AsyncCompilation bool
	CompileTimeoutMs int

	// MaxWasmSize is retained from the reference implementation's naming
	// (SPEC_FULL.md §2.3). It is not consulted: CompileTier2 puts no size
	// cap on a compiled tier-2 unit.
	MaxWasmSize int
}

// DefaultConfig returns the JitConfig-derived defaults from SPEC_FULL.md §6.
func DefaultConfig() *Config {
	return &Config{
		Tier1Threshold:          50,
		MinBlockSize:            4,
		MaxBlockSize:            256,
		CacheMaxEntries:         1024,
		CacheMaxBytes:           16 * 1024 * 1024,
		InterruptCheckInterval:  256,
		EnableTLBFastPath:       false,
		TLBFastPathThreshold:    100,
		MaxConsecutiveFailures:  10,
		MaxTotalFailures:        100,
		MaxWasmSize:             64 * 1024,
		AsyncCompilation:        true,
		CompileTimeoutMs:        100,
	}
}
