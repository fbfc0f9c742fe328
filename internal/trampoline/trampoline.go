// Package trampoline builds the per-module tracing trampoline of
// spec.md §4.4: a fixed slot of executable memory holding a two-
// instruction indirect jump to the entry (and, for XRAY, exit) routine.
// The eight-byte header and slot layout follow uftrace's own
// mcount_setup_trampoline (original_source/arch/x86_64/mcount-dynamic.c);
// the page-growth technique (map one more anonymous RWX page at a fixed
// address when the module's last page has no slack left) follows the
// teacher's hotreload_unix.go AllocateExecutablePage, extended to a
// fixed-address mapping via a raw mmap syscall the way the teacher's own
// raw-syscall siblings (parallel_unix.go) do for clone/futex.
package trampoline

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/xyproto/livepatch/internal/module"
)

// SlotSize is the size in bytes of one trampoline slot: an 8-byte header
// followed by an 8-byte absolute target address.
const SlotSize = 16

// pageSize is the standard x86_64 Linux page size.
const pageSize = 4096

// header is "ds: jmp *1(%rip); int3", uftrace's own encoding: the jump
// reads the absolute address stored immediately after the 8-byte header,
// and the trailing 0xcc pads the slot so a disassembler never decodes
// into the data that follows.
var header = [8]byte{0x3e, 0xff, 0x25, 0x01, 0x00, 0x00, 0x00, 0xcc}

func writeSlot(buf []byte, target uint64) {
	copy(buf, header[:])
	binary.LittleEndian.PutUint64(buf[8:16], target)
}

// memView returns a writable []byte view over size bytes of this
// process's own address space starting at addr. The patch engine only
// ever instruments the process it runs in (spec.md §1), so every
// address here is already mapped into this process.
func memView(addr uint64, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size)
}

// mmapFixed maps one anonymous read+write+execute page at the given
// fixed address, extending a module's text region. Uses a raw mmap
// syscall (via the typed unix.Syscall6 wrapper) because
// golang.org/x/sys/unix.Mmap never lets the caller pick the address.
func mmapFixed(addr uint64) error {
	ret, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		uintptr(addr),
		uintptr(pageSize),
		uintptr(unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC),
		uintptr(unix.MAP_FIXED|unix.MAP_PRIVATE|unix.MAP_ANONYMOUS),
		^uintptr(0),
		0,
	)
	if errno != 0 {
		return fmt.Errorf("trampoline: mmap(MAP_FIXED) at %#x failed: %w", addr, errno)
	}
	if ret != uintptr(addr) {
		return fmt.Errorf("trampoline: mmap(MAP_FIXED) returned %#x, wanted %#x", ret, addr)
	}
	return nil
}

// Builder reserves trampoline slots at the tail of a module's text
// segment, growing it by one page when necessary.
type Builder struct{}

// NewBuilder returns a trampoline Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Build writes the trampoline for d. entryTarget is required; exitTarget
// is used only when strategy is StrategyXray, in which case a second
// 16-byte slot is written immediately after the first.
func (b *Builder) Build(d *module.Descriptor, strategy module.Strategy, entryTarget, exitTarget uint64) error {
	slots := 1
	if strategy == module.StrategyXray {
		slots = 2
	}
	need := uint64(slots * SlotSize)

	tail := d.TextStart + d.TextSize
	slack := pageAlign(tail) - tail

	base := tail
	if slack < need {
		mapAddr := pageAlign(tail)
		if err := mmapFixed(mapAddr); err != nil {
			return err
		}
		d.GrowText(pageSize)
		base = mapAddr
	}

	writable := memView(base, int(need))
	// mprotect needs a page-aligned range covering the slot(s).
	pageStart := base &^ (pageSize - 1)
	span := memView(pageStart, int(pageAlign(base+need)-pageStart))
	if err := unix.Mprotect(span, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("trampoline: mprotect rw failed: %w", err)
	}

	writeSlot(writable[:SlotSize], entryTarget)
	if slots == 2 {
		writeSlot(writable[SlotSize:2*SlotSize], exitTarget)
		d.SetTrampoline(base, base+SlotSize)
	} else {
		d.SetTrampoline(base, 0)
	}

	if err := unix.Mprotect(span, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("trampoline: mprotect rx failed: %w", err)
	}

	return nil
}

func pageAlign(addr uint64) uint64 {
	if addr%pageSize == 0 {
		return addr
	}
	return (addr/pageSize + 1) * pageSize
}
