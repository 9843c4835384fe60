// Command rv64run boots a flat RV64GC firmware or kernel image against the
// tiered interpreter/JIT core in package hart, wiring up CLINT, PLIC and a
// 16550 UART the way a minimal "virt" board would.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/kestrelvm/rv64core/device"
	"github.com/kestrelvm/rv64core/hart"
	"github.com/kestrelvm/rv64core/internal/rvlog"
)

// uint64ListFlag accumulates repeated -blacklist=0x... flags into a PC
// list, grounded on the teacher's cmd/cc custom flag.Value pattern
// (intFlag/uint64Flag in cmd/cc/main.go) rather than a stdlib flag that
// can only be set once.
type uint64ListFlag struct {
	values []uint64
}

func (f *uint64ListFlag) String() string {
	parts := make([]string, len(f.values))
	for i, v := range f.values {
		parts[i] = strconv.FormatUint(v, 16)
	}
	return strings.Join(parts, ",")
}

func (f *uint64ListFlag) Set(s string) error {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return fmt.Errorf("parse blacklist PC %q: %w", s, err)
	}
	f.values = append(f.values, v)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rv64run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	numHarts := flag.Int("harts", 1, "Number of hart threads")
	memMB := flag.Uint64("memory", 128, "DRAM size in MB")
	image := flag.String("image", "", "Path to a flat binary image loaded at DRAM base")
	entryOff := flag.Uint64("entry", 0, "Entry offset from DRAM base")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	tier1Threshold := flag.Uint("tier1-threshold", 50, "Block hit count before tier-2 promotion")
	var blacklist uint64ListFlag
	flag.Var(&blacklist, "blacklist", "PC (hex) to exclude from compilation; may be repeated")
	flag.Parse()

	if *image == "" {
		flag.Usage()
		return fmt.Errorf("-image is required")
	}

	log := rvlog.New(os.Stderr, *dbg)

	data, err := os.ReadFile(*image)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	cfg := hart.DefaultConfig()
	cfg.Tier1Threshold = uint32(*tier1Threshold)
	cfg.Blacklist = blacklist.values

	bus := hart.NewBus(*memMB * 1024 * 1024)
	if err := bus.LoadBytes(hart.DRAMBase, data); err != nil {
		return fmt.Errorf("load image: %w", err)
	}

	cache := hart.NewBlockCache(cfg)

	harts := make([]*hart.Hart, *numHarts)
	for i := range harts {
		h := hart.NewHart(uint32(i), bus, cache, cfg, log)
		h.PC = hart.DRAMBase + *entryOff
		harts[i] = h
	}

	clint := device.NewCLINT(harts)
	plic := device.NewPLIC(harts)
	uart := device.NewUART(os.Stdout, os.Stdin)
	uart.OnInterrupt = func(pending bool) {
		const uartIRQ = 10
		plic.SetPending(uartIRQ, pending)
	}

	bus.AddDevice(hart.CLINTBase, clint)
	bus.AddDevice(hart.PLICBase, plic)
	bus.AddDevice(hart.UARTBase, uart)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("booting", "harts", *numHarts, "memory_mb", *memMB, "entry", fmt.Sprintf("0x%x", harts[0].PC))

	err = hart.RunHarts(ctx, harts, clint, 4096)
	if err != nil && !errors.Is(err, hart.ErrHalt) && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("halted")
	return nil
}
