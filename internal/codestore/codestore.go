// Package codestore is the instruction store and original-instruction
// map of spec.md §4.1/§4.2: an append-only set of executable pages
// holding out-of-line copies of patched prologues, plus the keyed map
// the trap handler and unpatcher use to find them. The page-chunk /
// bump-allocation shape follows the teacher's hotreload_unix.go
// (CodePage, HotReloadManager.AllocateExecutablePage) and uftrace's own
// libmcount/dynamic.c (alloc_codepage, mcount_save_code); mmap/munmap
// use the typed golang.org/x/sys/unix wrappers in place of the teacher's
// raw syscall.Syscall6(SYS_MMAP, ...) calls, since the dependency is
// already declared.
package codestore

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// chunkSize mirrors uftrace's CODE_CHUNK (PAGE_SIZE * 8).
const chunkSize = 4096 * 8

// page is one bump-allocated executable chunk.
type page struct {
	mem    []byte
	pos    int
	frozen bool
}

func newPage() (*page, error) {
	mem, err := unix.Mmap(-1, 0, chunkSize, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("codestore: mmap failed: %w", err)
	}
	return &page{mem: mem}, nil
}

func (p *page) reserve(n int) ([]byte, uintptr, bool) {
	if p.frozen || p.pos+n > len(p.mem) {
		return nil, 0, false
	}
	buf := p.mem[p.pos : p.pos+n]
	addr := uintptr(unsafe.Pointer(&p.mem[0])) + uintptr(p.pos)
	p.pos += n
	return buf, addr, true
}

// SavedProlog is the saved-prologue record of spec.md §3: the original
// function address, its original bytes, the relocated out-of-line copy
// and its address, and the resume address. No separate branch-fixup
// table is kept: relative branches are already rewritten inside the
// relocated copy (see internal/disasm.Prologue.Relocate).
type SavedProlog struct {
	FuncStart     uint64
	PrologueLen   int
	CETOffset     int
	OrigBytes     []byte
	Relocated     []byte
	RelocatedAddr uint64
	ResumeAddr    uint64
}

// Key is the lookup key of spec.md §4.2: function_start + prologue_length,
// adjusted by the CET offset when an ENDBR64 landing pad precedes the
// relocated window (see internal/disasm.Prologue.CETOffset).
func Key(funcStart uint64, prologueLen, cetOffset int) uint64 {
	return funcStart + uint64(prologueLen) + uint64(cetOffset)
}

// Store owns the executable pages and the original-instruction map. All
// mutation happens on the instrumenter thread; the trap handler only
// ever reads Lookup results through internal/sigplumb's own snapshot,
// never this map directly (see internal/sigplumb for the async-signal-
// safe path) — this map is the instrumenter-side source of truth.
type Store struct {
	mu    sync.Mutex
	pages []*page
	orig  map[uint64]*SavedProlog
}

// New returns an empty instruction store.
func New() *Store {
	return &Store{orig: make(map[uint64]*SavedProlog)}
}

// Reserve returns a writable region of at least n bytes that survives
// until Freeze. If every existing page is frozen or full, a fresh page
// is allocated — a frozen page is never promoted back to writable.
func (s *Store) Reserve(n int) ([]byte, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.pages {
		if buf, addr, ok := p.reserve(n); ok {
			return buf, uint64(addr), nil
		}
	}

	p, err := newPage()
	if err != nil {
		return nil, 0, err
	}
	s.pages = append(s.pages, p)

	buf, addr, ok := p.reserve(n)
	if !ok {
		return nil, 0, fmt.Errorf("codestore: requested size %d exceeds chunk size %d", n, chunkSize)
	}
	return buf, uint64(addr), nil
}

// Save records the saved-prologue record under its resumption-address key.
func (s *Store) Save(rec *SavedProlog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Key(rec.FuncStart, rec.PrologueLen, rec.CETOffset)
	s.orig[key] = rec
}

// Lookup returns the saved-prologue record for the given key, if any.
func (s *Store) Lookup(key uint64) (*SavedProlog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.orig[key]
	return rec, ok
}

// Delete removes a saved-prologue record, used by the unpatcher once the
// original bytes are restored.
func (s *Store) Delete(key uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orig, key)
}

// Freeze makes every held page read+execute only; no further Reserve
// call may land in a frozen page.
func (s *Store) Freeze() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pages {
		if p.frozen {
			continue
		}
		if err := unix.Mprotect(p.mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
			return fmt.Errorf("codestore: mprotect freeze failed: %w", err)
		}
		p.frozen = true
	}
	return nil
}

// Release unmaps every page and drops the original-instruction map. Per
// the teacher's own lifetime rule (hotreload_unix.go's cleanupOldPages)
// and spec.md's "nothing in the maps outlives the engine", Release must
// only be called once the engine is certain no trap or steering handler
// can still observe these pages.
func (s *Store) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, p := range s.pages {
		if err := unix.Munmap(p.mem); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("codestore: munmap failed: %w", err)
		}
	}
	s.pages = nil
	s.orig = make(map[uint64]*SavedProlog)
	return firstErr
}

// Len reports how many saved-prologue records are currently live, for
// stats and tests.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orig)
}
