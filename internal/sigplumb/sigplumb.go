package sigplumb

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// TrapRecord is the trap record of spec.md §3, keyed by function_start.
type TrapRecord struct {
	FuncStart  uint64
	ResumeAddr uint64 // function_start + prologue_length (+ CET offset)
	Trampoline uint64
}

// Plumbing owns the trap-record table, the steering table, the
// emulated-return table, the installed signal numbers, and the
// core-sync barrier. One Plumbing exists per engine instance
// (spec.md §9: "installation of the trap handler... once per process").
type Plumbing struct {
	traps    *flatTable
	steering *flatTable
	emulated *flatTable

	sigrt           int // the real-time signal used for thread steering
	sigrtSerialize  int // fallback serialising signal on old kernels
	membarrierReady bool
	installed       bool
}

// New returns an uninitialised Plumbing. Call Init before use.
func New() *Plumbing {
	return &Plumbing{}
}

// Init allocates the flat tables, installs the trap and steering
// handlers, finds two unused real-time signals (steering, and the
// cpuid-serialisation fallback), and registers for the membarrier
// sync-core command if the running kernel supports it.
func (p *Plumbing) Init() error {
	var err error
	if p.traps, err = newFlatTable(); err != nil {
		return err
	}
	if p.steering, err = newFlatTable(); err != nil {
		return err
	}
	if p.emulated, err = newFlatTable(); err != nil {
		return err
	}

	trapTableBase = p.traps.baseAddr()
	steeringTableBase = p.steering.baseAddr()
	emulatedTableBase = p.emulated.baseAddr()

	if err := installHandler(unix.SIGTRAP, trapHandlerAsm); err != nil {
		return err
	}

	p.sigrt, err = findUnusedRTSignal()
	if err != nil {
		return fmt.Errorf("sigplumb: %w", err)
	}
	if err := installHandler(p.sigrt, steeringHandlerAsm); err != nil {
		return err
	}

	p.sigrtSerialize, err = findUnusedRTSignal(p.sigrt)
	if err != nil {
		return fmt.Errorf("sigplumb: %w", err)
	}
	if err := installHandler(p.sigrtSerialize, serializeHandlerAsm); err != nil {
		return err
	}

	if err := membarrier(membarrierCmdRegisterPrivateExpeditedSyncCore); err == nil {
		p.membarrierReady = true
	}

	p.installed = true
	return nil
}

// NewTestPlumbing returns a Plumbing with its three tables allocated but
// no signal handler installed, no real-time signal claimed, and no
// membarrier command registered — enough for tests that only exercise
// the trap/steering bookkeeping and have no interest in (or business
// installing) process-wide signal disposition.
func NewTestPlumbing() (*Plumbing, error) {
	p := New()
	var err error
	if p.traps, err = newFlatTable(); err != nil {
		return nil, err
	}
	if p.steering, err = newFlatTable(); err != nil {
		return nil, err
	}
	if p.emulated, err = newFlatTable(); err != nil {
		return nil, err
	}
	p.installed = true
	return p, nil
}

// findUnusedRTSignal scans SIGRTMIN..SIGRTMAX for a slot with no
// installed handler, matching uftrace's find_unused_sigrt. exclude lists
// signals already claimed by this same Plumbing instance.
func findUnusedRTSignal(exclude ...int) (int, error) {
	excluded := make(map[int]bool, len(exclude))
	for _, s := range exclude {
		excluded[s] = true
	}

	for sig := rtSigMin(); sig <= rtSigMax(); sig++ {
		if excluded[sig] {
			continue
		}
		var old unix.Sigaction
		if err := unix.Sigaction(sig, nil, &old); err != nil {
			continue
		}
		if old.Handler == 0 {
			return sig, nil
		}
	}
	return 0, fmt.Errorf("no unused real-time signal available")
}

func rtSigMin() int { return 34 } // SIGRTMIN on Linux glibc
func rtSigMax() int { return 64 } // SIGRTMAX on Linux glibc

// membarrier commands, from linux/membarrier.h. golang.org/x/sys/unix
// exposes SYS_MEMBARRIER but no typed wrapper or these command
// constants, so both are declared here the way the teacher declares its
// own raw syscall numbers and flag bits locally (parallel_unix.go's
// CLONE_* constants).
const (
	membarrierCmdRegisterPrivateExpeditedSyncCore = 1 << 6
	membarrierCmdPrivateExpeditedSyncCore         = 1 << 5
)

func membarrier(cmd int) error {
	_, _, errno := unix.Syscall(unix.SYS_MEMBARRIER, uintptr(cmd), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// InstallTrap inserts a trap record, establishing the fence ordering
// spec.md §4.7 step 2 requires: this insertion must happen-before the
// 0xCC byte is written at FuncStart, which the caller (internal/engine)
// guarantees by calling InstallTrap before touching memory.
func (p *Plumbing) InstallTrap(rec TrapRecord) error {
	return p.traps.insert(rec.FuncStart, rec.ResumeAddr, rec.Trampoline)
}

// LookupTrap returns the trap record for funcStart, if any.
func (p *Plumbing) LookupTrap(funcStart uint64) (TrapRecord, bool) {
	resume, tramp, ok := p.traps.lookup(funcStart)
	if !ok {
		return TrapRecord{}, false
	}
	return TrapRecord{FuncStart: funcStart, ResumeAddr: resume, Trampoline: tramp}, true
}

// RemoveTrap deletes a trap record once the site's 0xCC byte has been
// overwritten by a benign opcode (spec.md §3 invariant).
func (p *Plumbing) RemoveTrap(funcStart uint64) {
	p.traps.delete(funcStart)
}

// SetSteering populates one entry of the steering map: a thread whose
// pc is found at oldPC should be redirected to newPC.
func (p *Plumbing) SetSteering(oldPC, newPC uint64) error {
	return p.steering.insert(oldPC, newPC, 0)
}

// ClearSteering drops every steering entry (spec.md §4.7 step 7).
func (p *Plumbing) ClearSteering() {
	p.steering.reset()
}

// EmulatedReturn translates a stack slot address that the trap handler
// used to emulate a call's return address back to the resume address it
// actually represents, for stack walkers consulting the tool (spec.md
// §4.7, "Trap handler contract").
func (p *Plumbing) EmulatedReturn(stackSlot uint64) (uint64, bool) {
	resume, _, ok := p.emulated.lookup(stackSlot)
	return resume, ok
}

// HerdPeers enumerates every other thread of this process via
// /proc/self/task (the teacher's own enumeration idiom, parallel_unix.go
// GetNumCPUCores / GetTID, extended here to list every TID rather than
// just count them) and sends the steering signal to each. Delivery is
// best-effort: a thread that has already exited is silently skipped,
// matching spec.md §4.7 step 3.
func (p *Plumbing) HerdPeers() error {
	self := os.Getpid()
	entries, err := os.ReadDir("/proc/self/task")
	if err != nil {
		return fmt.Errorf("sigplumb: failed to enumerate threads: %w", err)
	}

	me := unix.Gettid()
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if tid == me {
			continue
		}
		// Best-effort: ESRCH (thread exited between readdir and tgkill)
		// is not reported as an error.
		_ = unix.Tgkill(self, tid, unix.Signal(p.sigrt))
	}
	return nil
}

// Serialize issues the core-synchronising barrier of spec.md §4.7 step
// 5: the membarrier sync-core command where the kernel supports it,
// else a real-time signal to every peer thread whose handler executes a
// serialising CPUID instruction.
func (p *Plumbing) Serialize() error {
	if p.membarrierReady {
		if err := membarrier(membarrierCmdPrivateExpeditedSyncCore); err == nil {
			return nil
		}
		// Fall through to the signal-based path if the command is
		// registered but rejected at call time (e.g. revoked kernel
		// feature); uftrace treats this the same way.
	}

	self := os.Getpid()
	entries, err := os.ReadDir("/proc/self/task")
	if err != nil {
		return fmt.Errorf("sigplumb: failed to enumerate threads for serialization: %w", err)
	}
	me := unix.Gettid()
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if tid == me {
			continue
		}
		_ = unix.Tgkill(self, tid, unix.Signal(p.sigrtSerialize))
	}
	return nil
}

// Teardown releases every table. Must only be called once no thread can
// still be inside the instrumented address range (spec.md §5).
func (p *Plumbing) Teardown() error {
	if !p.installed {
		return nil
	}
	var firstErr error
	for _, t := range []*flatTable{p.traps, p.steering, p.emulated} {
		if t == nil {
			continue
		}
		if err := t.release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	trapTableBase, steeringTableBase, emulatedTableBase = 0, 0, 0
	p.installed = false
	return firstErr
}
