package hart

// RunTier2 runs a CompiledBlock's closures in order against h. It returns
// the real exception when a step traps (ExecMicroOp already set h's xCAUSE
// inputs via the returned error; the caller enters the trap exactly as it
// would for an interpreted fault). On a clean exit it leaves h.PC at
// whatever the block's last closure set it to — either a branch target or,
// if the block ran off the end without a taken branch, the block's
// Fallthru address.
func (h *Hart) RunTier2(cb *CompiledBlock) error {
	for _, op := range cb.ops {
		_, err, exit := op(h)
		h.Instret++
		if err != nil {
			return err
		}
		if exit {
			return nil
		}
	}
	h.PC = cb.fallthru
	return nil
}
