// Package module holds the module descriptor and the process-wide
// module registry of spec.md §3/§9 ("Global state... model them as a
// single engine object owned by the instrumenter"). The tagged-variant
// Strategy type follows the Design Note "dynamic dispatch by strategy
// tag" rather than one struct type per strategy.
package module

import "sync"

// Strategy is the compiler-assistance tag of spec.md §3.
type Strategy int

const (
	// StrategyNone means no compiler help: general-purpose patching
	// through the disassembler shim and the trap-based protocol.
	StrategyNone Strategy = iota
	// StrategyXray: an 11-byte sled with a jump-over; entry and exit
	// sites patched independently.
	StrategyXray
	// StrategyFentryNop: prologue begins with a five-byte NOP call
	// placeholder.
	StrategyFentryNop
	// StrategyPatchable: a table of addresses, one per function, each
	// pointing at a five-byte NOP placeholder.
	StrategyPatchable
	// StrategyFentry: existing call to the profiling stub, redirected to
	// a NOP (unpatch only).
	StrategyFentry
	// StrategyPG: legacy mcount call site, same treatment as Fentry on
	// unpatch.
	StrategyPG
)

func (s Strategy) String() string {
	switch s {
	case StrategyNone:
		return "none"
	case StrategyXray:
		return "xray"
	case StrategyFentryNop:
		return "fentry-nop"
	case StrategyPatchable:
		return "patchable"
	case StrategyFentry:
		return "fentry"
	case StrategyPG:
		return "pg"
	default:
		return "unknown"
	}
}

// UsesPatchTable reports whether the strategy carries an explicit list
// of patch-target addresses (XRAY sleds, or a __patchable_function_entries
// table) rather than relying on a full symbol-table walk.
func (s Strategy) UsesPatchTable() bool {
	return s == StrategyXray || s == StrategyPatchable
}

// PatchTarget is one entry of a compiler-emitted patch-target table. Name
// is either a real symbol name or a synthesized "<0x401020>" placeholder
// when no symbol-table entry covers the address (see uftrace's
// update_patchable_func_matched / fake_sym).
type PatchTarget struct {
	Addr uint64
	Name string
}

// Site records the outcome of attempting to patch or unpatch one symbol,
// used by the engine's stats and recovery pass.
type Site struct {
	Addr        uint64
	Name        string
	PrologueLen int
	CETOffset   int
	Patched     bool
}

// Descriptor is one loaded executable code object (spec.md §3).
type Descriptor struct {
	mu sync.Mutex

	Path      string // the path used to consult the symtab.Loader contract
	Name      string // base name, used as the default pattern-module qualifier
	Base      uint64
	TextStart uint64
	TextSize  uint64 // may grow by one page past what the loader reported

	Strategy Strategy
	Targets  []PatchTarget // populated for XRAY/PATCHABLE

	Trampoline     uint64 // 0 until built
	ExitTrampoline uint64 // XRAY only

	sites      map[uint64]*Site
	badSymbols []uint64
}

// NewDescriptor creates a descriptor for a freshly discovered module.
func NewDescriptor(path, name string, base, textStart, textSize uint64) *Descriptor {
	return &Descriptor{
		Path:      path,
		Name:      name,
		Base:      base,
		TextStart: textStart,
		TextSize:  textSize,
		sites:     make(map[uint64]*Site),
	}
}

// SetStrategy records the detected patch strategy and, where relevant,
// the compiler-emitted patch-target table.
func (d *Descriptor) SetStrategy(s Strategy, targets []PatchTarget) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Strategy = s
	d.Targets = targets
}

// SetTrampoline records the built trampoline address(es).
func (d *Descriptor) SetTrampoline(entry, exit uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Trampoline = entry
	d.ExitTrampoline = exit
}

// GrowText extends the module's recorded text-segment size, used after
// the trampoline builder maps one additional page past the original
// PT_LOAD segment.
func (d *Descriptor) GrowText(extra uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.TextSize += extra
}

// RecordSite records (or updates) the outcome for one patch site.
func (d *Descriptor) RecordSite(site *Site) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sites[site.Addr] = site
}

// Site returns the recorded site for addr, if any.
func (d *Descriptor) Site(addr uint64) (*Site, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sites[addr]
	return s, ok
}

// MarkBad appends addr to the bad-symbol list: a site whose patch
// attempt aborted mid-protocol and must be restored at teardown.
func (d *Descriptor) MarkBad(addr uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.badSymbols = append(d.badSymbols, addr)
}

// BadSymbols returns a snapshot of the bad-symbol list.
func (d *Descriptor) BadSymbols() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint64, len(d.badSymbols))
	copy(out, d.badSymbols)
	return out
}

// ClearBad empties the bad-symbol list once recovery has restored every
// entry in it.
func (d *Descriptor) ClearBad() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.badSymbols = nil
}

// State is the process-wide discovery state machine of spec.md §6: "a
// single process-wide state machine tracks whether modules have been
// enumerated (none / main only / all)" — extended here with a fourth
// transition recovered from uftrace's mcount_dynamic_dlopen (see
// SPEC_FULL.md §12.3) for a module arriving after the initial sweep.
type State int

const (
	StateNone State = iota
	StateMainOnly
	StateAll
	StateModuleAdded
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateMainOnly:
		return "main-only"
	case StateAll:
		return "all"
	case StateModuleAdded:
		return "module-added"
	default:
		return "unknown"
	}
}

// Registry is the process-wide module list, owned by the instrumenter
// and mutated only on its thread.
type Registry struct {
	mu      sync.Mutex
	modules []*Descriptor
	state   State
}

// NewRegistry returns an empty registry in StateNone.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add appends a freshly discovered module to the registry.
func (r *Registry) Add(d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules = append(r.modules, d)
}

// AddModule implements the dlopen-time arrival transition: the module is
// registered and the registry moves to StateModuleAdded without
// resetting any other module's state or the global stats, matching
// uftrace's mcount_dynamic_dlopen (SPEC_FULL.md §12.3).
func (r *Registry) AddModule(d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules = append(r.modules, d)
	r.state = StateModuleAdded
}

// Modules returns a snapshot of the registered module list.
func (r *Registry) Modules() []*Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Descriptor, len(r.modules))
	copy(out, r.modules)
	return out
}

// State returns the current discovery state.
func (r *Registry) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetState transitions the discovery state machine.
func (r *Registry) SetState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

// Find returns the module descriptor whose text range contains addr, if any.
func (r *Registry) Find(addr uint64) (*Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.modules {
		if addr >= d.TextStart && addr < d.TextStart+d.TextSize {
			return d, true
		}
	}
	return nil, false
}
