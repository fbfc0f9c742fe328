package sigplumb

import (
	"fmt"
	"reflect"
	"unsafe"

	"golang.org/x/sys/unix"
)

// trapHandlerAsm, steeringHandlerAsm, serializeHandlerAsm, and
// restorerAsm are implemented in handler_linux_amd64.s. They are never
// called from Go code directly — only installed as the raw kernel
// signal entry point via installHandler below — so their Go signatures
// exist only to give the linker typed symbols to take the address of.
func trapHandlerAsm(sig int32, info, ctx unsafe.Pointer)
func steeringHandlerAsm(sig int32, info, ctx unsafe.Pointer)
func serializeHandlerAsm(sig int32, info, ctx unsafe.Pointer)
func restorerAsm()

// Package-level table base addresses, read directly by the assembly
// handlers via their Go symbol names (·trapTableBase(SB) etc. in the
// .s file). Written once at Init, on the instrumenter thread, before
// any handler is installed.
var (
	trapTableBase     uintptr
	steeringTableBase uintptr
	emulatedTableBase uintptr
)

// installHandler installs fn as the native SA_SIGINFO handler for sig
// via a raw rt_sigaction call, with the SA_RESTORER trampoline Linux's
// amd64 ABI requires.
func installHandler(sig int, fn func(int32, unsafe.Pointer, unsafe.Pointer)) error {
	act := &unix.Sigaction{
		Handler:  uintptr(funcPC(fn)),
		Flags:    unix.SA_SIGINFO | unix.SA_RESTORER | unix.SA_ONSTACK,
		Restorer: uintptr(funcPC(restorerAsm)),
	}
	// Block no additional signals while the handler runs; the handler
	// itself touches no shared mutable Go state, only the flat tables.
	if err := unix.Sigaction(sig, act, nil); err != nil {
		return fmt.Errorf("sigplumb: sigaction(%d) failed: %w", sig, err)
	}
	return nil
}

// funcPC returns the entry address of a Go function value that wraps a
// raw assembly routine with no Go-managed frame. reflect.Value.Pointer
// on a func value yields the function's code entry address; that only
// describes a valid native C-callable entry point because
// trapHandlerAsm et al. are NOSPLIT, zero-frame assembly routines with
// no Go prologue standing between the symbol address and the
// hand-written instructions.
func funcPC(f interface{}) uintptr {
	return reflect.ValueOf(f).Pointer()
}
