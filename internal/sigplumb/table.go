// Package sigplumb is the signal plumbing of spec.md §4.7/§4.10: the
// trap (breakpoint) handler, the real-time-signal thread-steering
// handler, the maps both read, and the core-synchronising barrier.
//
// The trap and steering handlers are async-signal contexts (spec.md
// §5): "they must only perform read-only map lookups and signal-safe
// memory stores on their own ucontext... must not allocate, log, or
// take locks." A Go map, or any code that might call into the Go
// scheduler or allocator, cannot satisfy that from inside a signal
// handler without cgo — and this repository, like its teacher, carries
// no cgo. The three maps this package needs (trap records, the steering
// map, the emulated-return map) are therefore flat, fixed-capacity,
// open-addressed tables backed by mmap'ed memory (never touched by the
// Go garbage collector, never resized once installed — see the Design
// Note in spec.md §9: "size them generously at init"), and the handlers
// themselves are hand-written x86-64 routines in handler_linux_amd64.s,
// installed as the native signal entry point via a raw rt_sigaction
// syscall (handler_linux_amd64.go). This is the one place this port's
// mechanism differs from the uftrace C original (which simply writes a
// C function); the protocol it implements is identical (see DESIGN.md).
package sigplumb

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// tableSlots is the number of open-addressed slots per table. Sized
// generously relative to any realistic number of concurrently patched
// sites, matching the Design Note in spec.md §9.
const tableSlots = 4096

// slotWords is the number of 8-byte words per slot: key, value1, value2.
const slotWords = 3
const slotBytes = slotWords * 8

// emptyKey marks an unused slot. Real function addresses are never zero.
const emptyKey = 0

// flatTable is an open-addressed hash table of fixed capacity, backed by
// a single mmap'ed, non-moving buffer so both Go code and the raw
// assembly handlers can read and write it without the GC ever relocating
// it. Each slot is {key, value1, value2}, all uint64, written with a
// release store (key last) and read with an acquire load (key first) so
// a reader that observes a non-empty key also observes fully-written
// values — the same ordering discipline spec.md §9 calls for.
type flatTable struct {
	mem []byte // tableSlots * slotBytes bytes, PROT_READ|WRITE
}

func newFlatTable() (*flatTable, error) {
	mem, err := unix.Mmap(-1, 0, tableSlots*slotBytes, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("sigplumb: failed to map table: %w", err)
	}
	return &flatTable{mem: mem}, nil
}

func (t *flatTable) baseAddr() uintptr {
	if len(t.mem) == 0 {
		return 0
	}
	return addrOfSlice(t.mem)
}

// tableMask requires tableSlots to be a power of two so both this Go
// code and the raw assembly handlers can compute the same slot index
// with a mask instead of a modulo.
const tableMask = tableSlots - 1

func hashKey(key uint64) uint64 {
	// Fibonacci hashing, same multiplicative-hash shape uftrace's own
	// hashmap.c uses for its open-addressed pointer maps.
	return ((key * 11400714819323198485) >> 52) & tableMask
}

func (t *flatTable) slot(i uint64) []byte {
	off := i * slotBytes
	return t.mem[off : off+slotBytes]
}

// insert stores (key, v1, v2) at the first free or matching slot, using
// linear probing. Called only from the instrumenter thread.
func (t *flatTable) insert(key, v1, v2 uint64) error {
	if key == emptyKey {
		return fmt.Errorf("sigplumb: key 0 is reserved for empty slots")
	}
	start := hashKey(key)
	for probe := uint64(0); probe < tableSlots; probe++ {
		i := (start + probe) & tableMask
		s := t.slot(i)
		existing := getU64(s, 0)
		if existing == emptyKey || existing == key {
			putU64(s, 1, v1)
			putU64(s, 2, v2)
			storeRelease(s, 0, key)
			return nil
		}
	}
	return fmt.Errorf("sigplumb: table full (capacity %d)", tableSlots)
}

// lookup returns (v1, v2, true) if key is present.
func (t *flatTable) lookup(key uint64) (uint64, uint64, bool) {
	start := hashKey(key)
	for probe := uint64(0); probe < tableSlots; probe++ {
		i := (start + probe) & tableMask
		s := t.slot(i)
		k := loadAcquire(s, 0)
		if k == emptyKey {
			return 0, 0, false
		}
		if k == key {
			return getU64(s, 1), getU64(s, 2), true
		}
	}
	return 0, 0, false
}

// delete clears a slot. Linear-probed open addressing with deletion
// needs tombstones to stay correct in general, but this table is only
// ever used for the short-lived duration of one patch/unpatch batch
// (spec.md §3: "populated just before peer threads are signalled,
// drained once all signalled threads have returned"), so a full clear
// between batches (reset) avoids needing them.
func (t *flatTable) delete(key uint64) {
	start := hashKey(key)
	for probe := uint64(0); probe < tableSlots; probe++ {
		i := (start + probe) & tableMask
		s := t.slot(i)
		k := getU64(s, 0)
		if k == emptyKey {
			return
		}
		if k == key {
			storeRelease(s, 0, emptyKey)
			return
		}
	}
}

// reset clears every slot; used between patch/unpatch batches for the
// short-lived steering map.
func (t *flatTable) reset() {
	for i := range t.mem {
		t.mem[i] = 0
	}
}

func (t *flatTable) release() error {
	if len(t.mem) == 0 {
		return nil
	}
	err := unix.Munmap(t.mem)
	t.mem = nil
	return err
}

func getU64(s []byte, word int) uint64 {
	off := word * 8
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(s[off+i]) << (8 * uint(i))
	}
	return v
}

func putU64(s []byte, word int, v uint64) {
	off := word * 8
	for i := 0; i < 8; i++ {
		s[off+i] = byte(v >> (8 * uint(i)))
	}
}

// storeRelease and loadAcquire provide the ordering spec.md §5 demands
// between map writes and the subsequent CC/E8 byte stores: a release
// store on the key word, and an acquire load when probing it, so any
// reader that observes the key also observes the value words written
// before it.
func storeRelease(s []byte, word int, v uint64) {
	off := word * 8
	atomic.StoreUint64(word64Ptr(s, off), v)
}

func loadAcquire(s []byte, word int) uint64 {
	off := word * 8
	return atomic.LoadUint64(word64Ptr(s, off))
}
