// Package engine ties internal/symtab, internal/disasm, internal/module,
// internal/trampoline, internal/codestore, internal/pattern, and
// internal/sigplumb together into the patch/unpatch state machine of
// spec.md §4.6/§4.7. Grounded throughout on uftrace's
// libmcount/dynamic.c: mcount_dynamic_init, mcount_dynamic_update,
// do_dynamic_update, update_func_matched, patch_code, patch_normal_func,
// unpatch_normal_func, and mcount_arch_dynamic_recover.
package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/xyproto/livepatch/internal/codestore"
	"github.com/xyproto/livepatch/internal/disasm"
	"github.com/xyproto/livepatch/internal/module"
	"github.com/xyproto/livepatch/internal/pattern"
	"github.com/xyproto/livepatch/internal/sigplumb"
	"github.com/xyproto/livepatch/internal/symtab"
	"github.com/xyproto/livepatch/internal/trampoline"
)

// trapOpcode is the single-byte int3 trap spec.md §4.7 step 2 installs.
const trapOpcode = 0xcc

// callOpcode is a direct relative call, the steady-state instruction
// step 6 leaves behind once every peer thread has been steered clear.
const callOpcode = 0xe8

// Engine is the process-wide instrumenter state (spec.md §9: "model
// them as a single engine object"). One Engine exists per process.
type Engine struct {
	mu sync.Mutex

	cfg      Config
	loader   symtab.Loader
	patterns *pattern.Patterns
	registry *module.Registry
	store    *codestore.Store
	plumbing *sigplumb.Plumbing
	builder  *trampoline.Builder

	entryStub uint64 // address of the tracer's entry callback
	exitStub  uint64 // address of the tracer's exit callback, XRAY only

	stats Stats
}

// New constructs an Engine around a symtab.Loader and the tracer's entry
// (and, for XRAY modules, exit) callback addresses. The loader is
// pluggable per spec.md §6; callers outside this module may supply their
// own rather than symtab.NewELFLoader.
func New(loader symtab.Loader, entryStub, exitStub uint64) *Engine {
	return &Engine{
		cfg:       LoadConfig(),
		loader:    loader,
		registry:  module.NewRegistry(),
		store:     codestore.New(),
		plumbing:  sigplumb.New(),
		builder:   trampoline.NewBuilder(),
		entryStub: entryStub,
		exitStub:  exitStub,
	}
}

// Init installs the trap and steering handlers and compiles the
// patch/unpatch pattern lists, moving the registry from StateNone. It
// must run exactly once per process, before any call to Update (spec.md
// §9: "installation of the trap handler... once per process").
func (e *Engine) Init(patchSpec, unpatchSpec string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.registry.State() != module.StateNone {
		return fmt.Errorf("engine: already initialised")
	}

	if err := e.plumbing.Init(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	patterns, err := pattern.CompilePatterns(patchSpec, unpatchSpec, "")
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	e.patterns = patterns

	e.registry.SetState(module.StateMainOnly)
	return nil
}

// Update runs one full patch/unpatch sweep over every module currently
// in the registry: newly added modules are discovered via symtab, each
// candidate function is matched against the pattern lists, and patch or
// unpatch is attempted per spec.md §4.6/§4.7. Returns the Stats of the
// sweep just performed, summed over every module it visited.
func (e *Engine) Update() (Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var sweep Stats
	for _, d := range e.registry.Modules() {
		if err := e.updateModule(d, &sweep); err != nil {
			return sweep, err
		}
	}

	if e.registry.State() == module.StateMainOnly {
		e.registry.SetState(module.StateAll)
	}

	e.stats = accumulate(e.stats, sweep)
	dbgf("%s\n", sweep.Summary("update"))
	return sweep, nil
}

// accumulate adds one sweep's counters onto the running totals.
func accumulate(total, sweep Stats) Stats {
	total.Total += sweep.Total
	total.Patched += sweep.Patched
	total.Failed += sweep.Failed
	total.Skipped += sweep.Skipped
	total.NoMatch += sweep.NoMatch
	total.Unpatch += sweep.Unpatch
	return total
}

// AddModule registers a module discovered after the initial sweep (a
// dlopen-style arrival) and immediately runs the patch protocol over it,
// matching uftrace's mcount_dynamic_dlopen (SPEC_FULL.md §12.3): the
// registry moves to StateModuleAdded without touching any other module.
func (e *Engine) AddModule(d *module.Descriptor) (Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.registry.AddModule(d)

	var sweep Stats
	if err := e.updateModule(d, &sweep); err != nil {
		return sweep, err
	}
	e.stats = accumulate(e.stats, sweep)
	dbgf("%s\n", sweep.Summary(d.Name))
	return sweep, nil
}

// Discover populates a freshly registered module's Strategy and, for
// XRAY/PATCHABLE, its compiler-emitted patch-target table, following
// SPEC_FULL.md §12.1's priority order: __patchable_function_entries
// first, then xray_instr_map, then __mcount_loc, and only when none of
// those sections exist does the engine fall back to a full symbol-table
// walk under StrategyNone.
func (e *Engine) Discover(d *module.Descriptor) error {
	if targets, err := symtab.PatchableEntries(e.loader, d.Path); err != nil {
		return fmt.Errorf("engine: %w", err)
	} else if len(targets) > 0 {
		d.SetStrategy(module.StrategyPatchable, addrsToTargets(targets))
		return nil
	}

	if targets, err := symtab.XRayInstrMap(e.loader, d.Path); err != nil {
		return fmt.Errorf("engine: %w", err)
	} else if len(targets) > 0 {
		d.SetStrategy(module.StrategyXray, addrsToTargets(targets))
		return nil
	}

	if targets, err := symtab.McountLoc(e.loader, d.Path); err != nil {
		return fmt.Errorf("engine: %w", err)
	} else if len(targets) > 0 {
		d.SetStrategy(module.StrategyFentryNop, addrsToTargets(targets))
		return nil
	}

	d.SetStrategy(module.StrategyNone, nil)
	return nil
}

func addrsToTargets(addrs []uint64) []module.PatchTarget {
	out := make([]module.PatchTarget, len(addrs))
	for i, a := range addrs {
		out[i] = module.PatchTarget{Addr: a, Name: fmt.Sprintf("<%#x>", a)}
	}
	return out
}

// updateModule walks one module's candidate sites and dispatches to the
// strategy-appropriate patch routine, recording a Site and Stats entry
// for each (spec.md §4.9).
func (e *Engine) updateModule(d *module.Descriptor, sweep *Stats) error {
	if d.Strategy == module.StrategyNone && d.Trampoline == 0 {
		// First visit: classify the module and build its trampoline.
		if err := e.Discover(d); err != nil {
			return err
		}
	}
	if d.Trampoline == 0 {
		if err := e.builder.Build(d, d.Strategy, e.entryStub, e.exitStub); err != nil {
			return fmt.Errorf("engine: trampoline build failed for %s: %w", d.Name, err)
		}
	}

	if d.Strategy.UsesPatchTable() {
		for _, t := range d.Targets {
			e.dispatchPatch(d, t.Addr, t.Name, sweep)
		}
		return nil
	}

	syms, err := e.loader.Symbols(d.Path)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	for _, s := range syms {
		e.dispatchPatch(d, s.Addr, s.Name, sweep)
	}
	return nil
}

func (e *Engine) dispatchPatch(d *module.Descriptor, addr uint64, name string, sweep *Stats) {
	patchMatch := e.patterns.Patch.Match(name, d.Name)
	unpatchMatch := e.patterns.Unpatch.Match(name, d.Name)

	site, existing := d.Site(addr)
	switch {
	case patchMatch && !(existing && site.Patched):
		st := e.patchSite(d, addr, name)
		sweep.record(st, true)
	case unpatchMatch && !patchMatch && existing && site.Patched:
		st := e.unpatchSite(d, addr, name)
		sweep.Unpatch++
		sweep.record(st, true)
	default:
		sweep.record(StatusSkipped, false)
	}
}

// patchSite runs the strategy-appropriate patch routine for one address.
func (e *Engine) patchSite(d *module.Descriptor, addr uint64, name string) Status {
	var err error
	switch d.Strategy {
	case module.StrategyNone:
		err = e.patchNormal(d, addr, name)
	default:
		err = e.patchCompilerAssisted(d, addr)
	}
	if err != nil {
		if errors.Is(err, disasm.ErrSkipped) {
			return StatusSkipped
		}
		logf("engine: patch %s@%#x failed: %v\n", name, addr, err)
		d.MarkBad(addr)
		d.RecordSite(&module.Site{Addr: addr, Name: name, Patched: false})
		return StatusFailed
	}
	return StatusSuccess
}

// patchCompilerAssisted overwrites a compiler-emitted five-byte NOP
// placeholder (FENTRY_NOP, PATCHABLE, or one entry sled of an XRAY pair)
// with a direct call, using a single naturally aligned 8-byte atomic
// store so no other thread can ever observe a torn instruction (spec.md
// §4.6: "single atomic eight-byte store... no trap dance required").
func (e *Engine) patchCompilerAssisted(d *module.Descriptor, addr uint64) error {
	disp := int32(int64(d.Trampoline) - int64(addr) - disasm.CallInsnSize)

	var insn [8]byte
	insn[0] = callOpcode
	disasm.EncodeDisplacement(insn[1:5], disp)
	// bytes 5..7 preserve whatever already follows the 5-byte call site
	// (uftrace leaves the trailing NOP padding alone; it is never
	// executed once the call lands).
	view := memView(addr, 8)
	copy(insn[5:], view[5:8])

	word := binary.LittleEndian.Uint64(insn[:])
	if err := mprotectRW(addr, 8); err != nil {
		return err
	}
	atomic.StoreUint64((*uint64)(wordPtr(addr)), word)
	if err := mprotectRX(addr, 8); err != nil {
		return err
	}
	d.RecordSite(&module.Site{Addr: addr, Patched: true})
	return nil
}

// patchNormal runs the seven-step NONE-strategy protocol of spec.md
// §4.7: analyse the prologue, relocate it into the instruction store,
// install a trap record, write the 0xCC trap byte, steer every prologue
// offset to its relocated counterpart and herd peer threads off the
// range, write the call displacement, serialise the core, and only then
// arm the call by flipping byte 0 — in that order, so no peer thread can
// ever observe a call opcode next to a stale or torn displacement.
func (e *Engine) patchNormal(d *module.Descriptor, addr uint64, name string) error {
	window := memView(addr, 32)
	prologue, err := disasm.Analyze(addr, window)
	if err != nil {
		return fmt.Errorf("analyze: %w", err)
	}

	min := e.cfg.MinPatchSize
	if min > 0 && prologue.Length < min {
		return fmt.Errorf("prologue shorter than configured minimum (%d < %d)", prologue.Length, min)
	}

	relocated, relocAddr, err := e.store.Reserve(prologue.RelocatedSize())
	if err != nil {
		return fmt.Errorf("reserve: %w", err)
	}
	copy(relocated, prologue.Relocate(relocAddr))

	resumeAddr := addr + uint64(prologue.Length)
	rec := codestore.SavedProlog{
		FuncStart:     addr,
		PrologueLen:   prologue.Length,
		CETOffset:     prologue.CETOffset(),
		OrigBytes:     prologue.Raw,
		Relocated:     relocated,
		RelocatedAddr: relocAddr,
		ResumeAddr:    resumeAddr,
	}
	e.store.Save(&rec)

	// Step 2: install the trap record before the trap byte itself is
	// visible, establishing the happens-before fence the handler relies
	// on (internal/sigplumb.InstallTrap's own contract).
	if err := e.plumbing.InstallTrap(sigplumb.TrapRecord{
		FuncStart:  addr,
		ResumeAddr: resumeAddr,
		Trampoline: d.Trampoline,
	}); err != nil {
		return fmt.Errorf("install trap: %w", err)
	}

	if err := e.writeTrapByte(addr); err != nil {
		return fmt.Errorf("write trap: %w", err)
	}

	// Step 3: steer every byte offset in the prologue to its counterpart
	// in the relocated copy, so a peer thread caught anywhere inside the
	// range about to be overwritten is moved to safety rather than just
	// nudged past the function's first byte.
	for k := 0; k < prologue.Length; k++ {
		if err := e.plumbing.SetSteering(addr+uint64(k), relocAddr+uint64(k)); err != nil {
			return fmt.Errorf("set steering: %w", err)
		}
	}
	if err := e.plumbing.HerdPeers(); err != nil {
		return fmt.Errorf("herd peers: %w", err)
	}

	// Step 4: the displacement must already be correct before byte 0 ever
	// becomes a call opcode, so any thread that lands on it the instant it
	// is armed jumps to the right place.
	if err := e.writeCallDisplacement(addr, d.Trampoline); err != nil {
		return fmt.Errorf("write displacement: %w", err)
	}

	// Step 5: sync every core's icache to the bytes just written before
	// they become reachable.
	if err := e.plumbing.Serialize(); err != nil {
		return fmt.Errorf("serialize: %w", err)
	}
	e.plumbing.ClearSteering()

	// Step 6: arm — flip byte 0 from trap to call.
	if err := e.armSteadyStateCall(addr); err != nil {
		return fmt.Errorf("arm call: %w", err)
	}

	d.RecordSite(&module.Site{
		Addr:        addr,
		Name:        name,
		PrologueLen: prologue.Length,
		CETOffset:   prologue.CETOffset(),
		Patched:     true,
	})
	return nil
}

// unpatchSite reverses patchSite: the NONE strategy restores the saved
// original bytes byte-for-byte; compiler-assisted strategies rewrite the
// call site back to its original NOP placeholder with the same single
// atomic store used to install it (mirrors uftrace's unpatch_normal_func
// and the FENTRY/PG "redirect existing call back to NOP" path).
func (e *Engine) unpatchSite(d *module.Descriptor, addr uint64, name string) Status {
	site, ok := d.Site(addr)
	if !ok || !site.Patched {
		return StatusSkipped
	}
	if min := e.cfg.MinUnpatchSize; min > 0 && d.Strategy == module.StrategyNone && site.PrologueLen < min {
		return StatusSkipped
	}

	var err error
	switch d.Strategy {
	case module.StrategyNone:
		err = e.unpatchNormal(d, addr, site)
	default:
		err = e.unpatchCompilerAssisted(addr)
	}
	if err != nil {
		logf("engine: unpatch %s@%#x failed: %v\n", name, addr, err)
		d.MarkBad(addr)
		return StatusFailed
	}
	d.RecordSite(&module.Site{Addr: addr, Name: name, Patched: false})
	return StatusSuccess
}

func (e *Engine) unpatchNormal(d *module.Descriptor, addr uint64, site *module.Site) error {
	key := codestore.Key(addr, site.PrologueLen, site.CETOffset)
	rec, ok := e.store.Lookup(key)
	if !ok {
		return fmt.Errorf("no saved prologue for key %#x", key)
	}

	if err := mprotectRW(addr, len(rec.OrigBytes)); err != nil {
		return err
	}
	copy(memView(addr, len(rec.OrigBytes)), rec.OrigBytes)
	if err := mprotectRX(addr, len(rec.OrigBytes)); err != nil {
		return err
	}

	e.plumbing.RemoveTrap(addr)
	e.store.Delete(key)
	return nil
}

func (e *Engine) unpatchCompilerAssisted(addr uint64) error {
	var nop8 [8]byte
	copy(nop8[:5], []byte{0x0f, 0x1f, 0x44, 0x00, 0x00}) // 5-byte NOP
	// bytes 5..7 are written back unchanged, as patchCompilerAssisted does
	copy(nop8[5:], memView(addr, 8)[5:8])
	word := binary.LittleEndian.Uint64(nop8[:])
	if err := mprotectRW(addr, 8); err != nil {
		return err
	}
	atomic.StoreUint64((*uint64)(wordPtr(addr)), word)
	return mprotectRX(addr, 8)
}

// writeTrapByte overwrites the single opcode byte at addr with 0xCC.
func (e *Engine) writeTrapByte(addr uint64) error {
	if err := mprotectRW(addr, 1); err != nil {
		return err
	}
	memView(addr, 1)[0] = trapOpcode
	return mprotectRX(addr, 1)
}

// writeCallDisplacement writes the four-byte call displacement into
// bytes 1..4 of the call site while byte 0 still holds the trap opcode
// (spec.md §4.7 step 4). It must run, and be serialised, before
// armSteadyStateCall ever flips byte 0 to a call opcode — otherwise a
// peer thread could execute a call through a byte 0 that has already
// turned into 0xE8 while bytes 1..4 still hold stale prologue bytes.
func (e *Engine) writeCallDisplacement(addr, target uint64) error {
	if err := mprotectRW(addr, disasm.CallInsnSize); err != nil {
		return err
	}
	buf := memView(addr, disasm.CallInsnSize)
	disp := int32(int64(target) - int64(addr) - disasm.CallInsnSize)
	disasm.EncodeDisplacement(buf[1:5], disp)
	return mprotectRX(addr, disasm.CallInsnSize)
}

// armSteadyStateCall flips byte 0 of the call site from the trap opcode
// to a direct call (spec.md §4.7 step 6), the protocol's final step once
// the displacement has been written and serialised and every peer thread
// is known to be clear of the instrumented range.
func (e *Engine) armSteadyStateCall(addr uint64) error {
	if err := mprotectRW(addr, 1); err != nil {
		return err
	}
	memView(addr, 1)[0] = callOpcode
	return mprotectRX(addr, 1)
}

// Stats returns a snapshot of the cumulative counters across every
// Update/AddModule call so far.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Teardown releases the signal plumbing and the instruction store. Must
// only run once the caller is certain no thread can still be inside an
// instrumented call (spec.md §5).
func (e *Engine) Teardown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	if err := e.plumbing.Teardown(); err != nil {
		firstErr = err
	}
	if err := e.store.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func mprotectRW(addr uint64, n int) error {
	if err := unix.Mprotect(pageSpan(addr, n), unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("mprotect rw: %w", err)
	}
	return nil
}

func mprotectRX(addr uint64, n int) error {
	if err := unix.Mprotect(pageSpan(addr, n), unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("mprotect rx: %w", err)
	}
	return nil
}
