package device

import (
	"testing"

	"github.com/kestrelvm/rv64core/hart"
)

func TestPLICClaimRespectsThresholdAndPriority(t *testing.T) {
	harts := newTestHarts(t, 1)
	p := NewPLIC(harts)

	const source = 3
	const mCtx = 0

	if err := p.Write(PLICPriorityBase+source*4, 4, 5); err != nil {
		t.Fatalf("set priority: %v", err)
	}
	if err := p.Write(PLICEnableBase+mCtx*0x80, 4, 1<<source); err != nil {
		t.Fatalf("enable source: %v", err)
	}
	p.SetPending(source, true)

	val, err := p.Read(PLICThresholdBase+uint64(mCtx)*PLICContextStride+4, 4)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if uint32(val) != source {
		t.Errorf("expected claim to return source %d, got %d", source, val)
	}

	// A second claim with nothing newly pending returns 0.
	val2, _ := p.Read(PLICThresholdBase+uint64(mCtx)*PLICContextStride+4, 4)
	if val2 != 0 {
		t.Errorf("expected a second claim with no pending source to return 0, got %d", val2)
	}
}

func TestPLICRoutesInterruptToOwningHartContextOnly(t *testing.T) {
	harts := newTestHarts(t, 2)
	p := NewPLIC(harts)

	const source = 7
	// Enable and raise the source only on hart 1's M-mode context (context 2).
	if err := p.Write(PLICPriorityBase+source*4, 4, 1); err != nil {
		t.Fatal(err)
	}
	if err := p.Write(PLICEnableBase+2*0x80, 4, 1<<source); err != nil {
		t.Fatal(err)
	}
	p.SetPending(source, true)

	if harts[0].Mip&hart.MipMEIP != 0 {
		t.Error("expected hart 0 (whose contexts never enabled the source) to see no MEIP")
	}
	if harts[1].Mip&hart.MipMEIP == 0 {
		t.Error("expected hart 1's M-mode context to observe the pending external interrupt")
	}
}
