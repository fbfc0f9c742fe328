// Package livepatch is the public facade over internal/engine: the
// single process-wide instrumenter an embedding tracer talks to. Its
// shape (one Context struct collecting the knobs, a handful of
// top-level entry points dispatching into the real work) follows the
// teacher's own CommandContext/RunCLI split in cli.go, generalised from
// a CLI dispatcher to a library entry point.
package livepatch

import (
	"fmt"
	"sync"

	"github.com/xyproto/livepatch/internal/engine"
	"github.com/xyproto/livepatch/internal/module"
	"github.com/xyproto/livepatch/internal/symtab"
)

// Context holds everything one embedding process needs to drive the
// patch engine: the module to instrument, the tracer's callback
// addresses, and the include/exclude pattern strings (spec.md §6).
type Context struct {
	Path        string
	Base        uint64
	TextStart   uint64
	TextSize    uint64
	EntryStub   uint64
	ExitStub    uint64
	PatchSpec   string
	UnpatchSpec string
	Verbose     bool
}

var (
	mu  sync.Mutex
	eng *engine.Engine
)

// Init installs the trap/steering signal handlers, registers the main
// module described by ctx, and runs its initial discovery+patch sweep.
// Must be called exactly once per process before Update, OnModuleLoad,
// or Teardown (spec.md §9).
func Init(ctx Context) error {
	mu.Lock()
	defer mu.Unlock()

	if eng != nil {
		return fmt.Errorf("livepatch: already initialised")
	}

	engine.Verbose = ctx.Verbose

	loader := symtab.NewELFLoader()
	e := engine.New(loader, ctx.EntryStub, ctx.ExitStub)
	if err := e.Init(ctx.PatchSpec, ctx.UnpatchSpec); err != nil {
		return err
	}

	d := module.NewDescriptor(ctx.Path, baseName(ctx.Path), ctx.Base, ctx.TextStart, ctx.TextSize)

	eng = e
	if _, err := e.AddModule(d); err != nil {
		return fmt.Errorf("livepatch: %w", err)
	}
	return nil
}

// Update re-scans every registered module and applies the patch/unpatch
// pattern lists again, picking up any symbol whose match state changed
// (spec.md §4.6's repeated-update contract). Returns the sweep's stats.
func Update() (engine.Stats, error) {
	mu.Lock()
	defer mu.Unlock()

	if eng == nil {
		return engine.Stats{}, fmt.Errorf("livepatch: not initialised")
	}
	return eng.Update()
}

// OnModuleLoad registers a module discovered after Init (e.g. from a
// dlopen-style hook in the embedding process) and immediately sweeps it,
// moving the process-wide state machine to "module added" without
// touching any previously registered module (SPEC_FULL.md §12.3).
func OnModuleLoad(path string, base, textStart, textSize uint64) (engine.Stats, error) {
	mu.Lock()
	defer mu.Unlock()

	if eng == nil {
		return engine.Stats{}, fmt.Errorf("livepatch: not initialised")
	}
	d := module.NewDescriptor(path, baseName(path), base, textStart, textSize)
	stats, err := eng.AddModule(d)
	if err != nil {
		return stats, fmt.Errorf("livepatch: %w", err)
	}
	return stats, nil
}

// Teardown releases the signal plumbing and instruction store. Must
// only be called once the caller is certain no thread can still be
// inside an instrumented call (spec.md §5).
func Teardown() error {
	mu.Lock()
	defer mu.Unlock()

	if eng == nil {
		return nil
	}
	err := eng.Teardown()
	eng = nil
	return err
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
