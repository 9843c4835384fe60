package hart

// Block is a straight-line run of decoded instructions sharing one
// compilation unit: the basic block the tier-1 interpreter hands to tier-2
// once it gets hot. Grounded on the teacher's Machine.Step fetch loop,
// extended here into a loop that keeps fetching until a terminator, a
// page-boundary crossing, or the configured capacity is hit
// (SPEC_FULL.md §3/§4.5).
type Block struct {
	StartPC  uint64
	Ops      []MicroOp
	Fallthru uint64 // PC to resume at if the block ends without a terminator

	// Generation pins this block to the MMU/TLB state it was compiled
	// under; the block cache invalidates it on a generation mismatch.
	Generation uint64

	HitCount uint32

	// Tier2 is non-nil once the block compiler hands Ops off to the
	// tier-2 compiler and it succeeds.
	Tier2 *CompiledBlock
}

// CompileBlock walks instructions from pc until a terminator, a Sv39 page
// boundary, or maxOps is reached, fetching and decoding through the given
// hart's MMU/Bus exactly as a single interpreted step would. A translation
// fault ends the block at the faulting instruction rather than propagating
// the error — the caller re-fetches (and the real fault is taken) when it
// actually executes that instruction.
func (h *Hart) CompileBlock(pc uint64, maxOps int) *Block {
	b := &Block{StartPC: pc, Generation: h.Cache.Generation()}
	cur := pc

	for len(b.Ops) < maxOps {
		raw, insnLen, err := h.fetchInsn(cur)
		if err != nil {
			break
		}
		op := Decode(raw, insnLen)
		b.Ops = append(b.Ops, op)
		next := cur + uint64(insnLen)

		if op.isTerminator() {
			b.Fallthru = next
			return b
		}
		// Stop at a 4KiB page boundary: the next instruction may be
		// mapped by a different translation and the block must not span
		// that uncertainty (SPEC_FULL.md §4.5).
		if next&(PageSize-1) == 0 {
			b.Fallthru = next
			return b
		}
		cur = next
	}

	b.Fallthru = cur
	return b
}

// fetchInsn fetches and, if necessary, expands one instruction at vaddr,
// mirroring the teacher's Bus.Fetch 2-then-4-byte compressed detection but
// routed through the MMU so that fetch respects paging.
func (h *Hart) fetchInsn(vaddr uint64) (raw uint32, insnLen uint8, err error) {
	paddr, err := h.MMU.TranslateFetch(vaddr)
	if err != nil {
		return 0, 0, err
	}
	low, err := h.Bus.Read16(paddr)
	if err != nil {
		return 0, 0, err
	}
	if low&0x3 != 0x3 {
		expanded, err := ExpandCompressed(low)
		if err != nil {
			return 0, 0, err
		}
		return expanded, 2, nil
	}
	hi, err := h.Bus.Read16(paddr + 2)
	if err != nil {
		return 0, 0, err
	}
	return uint32(low) | (uint32(hi) << 16), 4, nil
}

// Run interprets a compiled Block's MicroOps one at a time against h,
// stopping (and returning its error) the moment one traps. This is the
// fallback path used whenever a block hasn't (or couldn't) be promoted to
// tier-2, or when tier-2 declines an op it can't translate.
func (h *Hart) Run(b *Block) error {
	for _, op := range b.Ops {
		if err := h.ExecMicroOp(op); err != nil {
			return err
		}
		h.Instret++
	}
	return nil
}
