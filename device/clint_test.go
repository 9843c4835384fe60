package device

import (
	"testing"

	"github.com/kestrelvm/rv64core/hart"
)

func newTestHarts(t *testing.T, n int) []*hart.Hart {
	t.Helper()
	bus := hart.NewBus(4096)
	harts := make([]*hart.Hart, n)
	for i := range harts {
		harts[i] = hart.NewHart(uint32(i), bus, nil, hart.DefaultConfig(), hart.Discard())
	}
	return harts
}

func TestCLINTMsipTargetsOnlyItsOwnHart(t *testing.T) {
	harts := newTestHarts(t, 2)
	c := NewCLINT(harts)

	if err := c.Write(CLINTMsipStride*1, 4, 1); err != nil {
		t.Fatalf("write msip[1]: %v", err)
	}

	if harts[0].Mip&hart.MipMSIP != 0 {
		t.Error("expected hart 0's MSIP to be untouched by a write to hart 1's msip register")
	}
	if harts[1].Mip&hart.MipMSIP == 0 {
		t.Error("expected hart 1's MSIP to be set")
	}
}

func TestCLINTTickRaisesTimerInterruptPerHart(t *testing.T) {
	harts := newTestHarts(t, 2)
	c := NewCLINT(harts)

	// Arm only hart 0's mtimecmp to fire immediately.
	if err := c.Write(CLINTMtimecmpBase, 8, 0); err != nil {
		t.Fatalf("write mtimecmp[0]: %v", err)
	}

	c.Tick()

	if harts[0].Mip&hart.MipMTIP == 0 {
		t.Error("expected hart 0's MTIP to be set once mtime clears its mtimecmp")
	}
	if harts[1].Mip&hart.MipMTIP != 0 {
		t.Error("expected hart 1's MTIP to remain clear (its mtimecmp is still max)")
	}
}
