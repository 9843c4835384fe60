// Package device adapts the teacher's single-hart CLINT/PLIC/UART
// implementations into the memory-mapped devices this core's Bus expects,
// generalized to the N-hart case SPEC_FULL.md's concurrency model requires.
package device

import (
	"sync/atomic"
	"time"

	"github.com/kestrelvm/rv64core/hart"
)

// CLINT register layout, one MSIP word and one MTIMECMP doubleword per
// hart, plus a single shared MTIME counter.
const (
	CLINTMsipStride     = 0x4
	CLINTMtimecmpBase   = 0x4000
	CLINTMtimecmpStride = 0x8
	CLINTMtime          = 0xbff8
)

// CLINT implements the Core Local Interruptor for every hart sharing this
// bus. Grounded on the teacher's single-hart clint.go, widened from one
// cpu pointer to a slice indexed by hart ID.
type CLINT struct {
	harts []*hart.Hart

	msip     []uint32
	mtimecmp []uint64

	startTime time.Time
	nsPerTick uint64
}

// NewCLINT creates a CLINT driving interrupts into every hart in harts,
// indexed by Hart.ID.
func NewCLINT(harts []*hart.Hart) *CLINT {
	c := &CLINT{
		harts:     harts,
		msip:      make([]uint32, len(harts)),
		mtimecmp:  make([]uint64, len(harts)),
		startTime: time.Now(),
		nsPerTick: 100, // 10 MHz timer
	}
	for i := range c.mtimecmp {
		c.mtimecmp[i] = ^uint64(0)
	}
	return c
}

func (c *CLINT) Size() uint64 { return hart.CLINTSize }

func (c *CLINT) getMtime() uint64 {
	elapsed := time.Since(c.startTime).Nanoseconds()
	return uint64(elapsed) / c.nsPerTick
}

func (c *CLINT) Read(offset uint64, size int) (uint64, error) {
	switch {
	case offset < CLINTMtimecmpBase:
		id := offset / CLINTMsipStride
		if int(id) < len(c.msip) {
			return uint64(atomic.LoadUint32(&c.msip[id])), nil
		}
	case offset >= CLINTMtimecmpBase && offset < CLINTMtime:
		id := (offset - CLINTMtimecmpBase) / CLINTMtimecmpStride
		if int(id) < len(c.mtimecmp) {
			return c.mtimecmp[id], nil
		}
	case offset >= CLINTMtime && offset < CLINTMtime+8:
		return c.getMtime(), nil
	}
	return 0, nil
}

func (c *CLINT) Write(offset uint64, size int, value uint64) error {
	switch {
	case offset < CLINTMtimecmpBase:
		id := offset / CLINTMsipStride
		if int(id) >= len(c.msip) {
			return nil
		}
		if value&1 != 0 {
			atomic.StoreUint32(&c.msip[id], 1)
			c.harts[id].Mip |= hart.MipMSIP
		} else {
			atomic.StoreUint32(&c.msip[id], 0)
			c.harts[id].Mip &^= hart.MipMSIP
		}

	case offset >= CLINTMtimecmpBase && offset < CLINTMtime:
		id := (offset - CLINTMtimecmpBase) / CLINTMtimecmpStride
		if int(id) >= len(c.mtimecmp) {
			return nil
		}
		sub := (offset - CLINTMtimecmpBase) % CLINTMtimecmpStride
		if size == 4 {
			if sub == 0 {
				c.mtimecmp[id] = (c.mtimecmp[id] &^ 0xffffffff) | (value & 0xffffffff)
			} else {
				c.mtimecmp[id] = (c.mtimecmp[id] &^ 0xffffffff00000000) | ((value & 0xffffffff) << 32)
			}
		} else {
			c.mtimecmp[id] = value
		}
		if c.mtimecmp[id] > c.getMtime() {
			c.harts[id].Mip &^= hart.MipMTIP
		}
	}
	return nil
}

// Tick updates every hart's timer interrupt pending bit against the
// shared mtime. Called once per driver iteration by the timekeeping
// goroutine in hart.RunHarts.
func (c *CLINT) Tick() {
	mtime := c.getMtime()
	for i, cmp := range c.mtimecmp {
		if mtime >= cmp {
			c.harts[i].Mip |= hart.MipMTIP
		}
	}
}

var _ hart.Device = (*CLINT)(nil)
var _ hart.Ticker = (*CLINT)(nil)
