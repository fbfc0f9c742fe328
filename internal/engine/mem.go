package engine

import "unsafe"

// pageSize is the x86_64 Linux page size, used to round an mprotect
// target out to whole pages the way the teacher's own mmap/mprotect
// call sites do (hotreload_unix.go AllocateExecutablePage).
const pageSize = 4096

// memView returns a writable view over n bytes of this process's own
// address space at addr. The engine only ever instruments the process
// it runs in (spec.md §1), so every patch-site address is already
// mapped here.
func memView(addr uint64, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}

// wordPtr returns a *uint64 over the 8 bytes starting at addr, used for
// the single-atomic-store rewrite of compiler-assisted patch sites.
func wordPtr(addr uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(addr))
}

// pageSpan returns the []byte covering every page touched by an n-byte
// region starting at addr, the granularity mprotect requires.
func pageSpan(addr uint64, n int) []byte {
	start := addr &^ uint64(pageSize-1)
	end := (addr + uint64(n) + uint64(pageSize-1)) &^ uint64(pageSize-1)
	return memView(start, int(end-start))
}
