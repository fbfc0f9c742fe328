package engine

import (
	"fmt"

	"github.com/xyproto/livepatch/internal/codestore"
	"github.com/xyproto/livepatch/internal/module"
)

// RecoverBadSymbols restores every site a module recorded as bad (a
// patch or unpatch attempt that failed partway through) back to its
// original bytes, then clears the module's bad-symbol list. Grounded on
// uftrace's mcount_arch_dynamic_recover, which runs this same pass once
// at shutdown over every module that accumulated failures during the
// session, rather than retrying each site immediately.
func (e *Engine) RecoverBadSymbols(d *module.Descriptor) (recovered, failed int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, addr := range d.BadSymbols() {
		site, ok := d.Site(addr)
		if !ok {
			continue
		}

		if err := e.recoverOne(d, addr, site); err != nil {
			logf("engine: recovery failed for %s@%#x: %v\n", site.Name, addr, err)
			failed++
			continue
		}
		recovered++
	}
	d.ClearBad()
	return recovered, failed
}

// recoverOne restores one bad site. For the NONE strategy this means
// writing back the saved-prologue record if one still exists (a failure
// after the trap byte was written but before the steady-state call);
// for compiler-assisted strategies it means rewriting the call site back
// to its NOP placeholder, the same single atomic store unpatchSite uses.
func (e *Engine) recoverOne(d *module.Descriptor, addr uint64, site *module.Site) error {
	if d.Strategy != module.StrategyNone {
		return e.unpatchCompilerAssisted(addr)
	}

	key := codestore.Key(addr, site.PrologueLen, site.CETOffset)
	rec, ok := e.store.Lookup(key)
	if !ok {
		// No saved-prologue record means the failure happened before
		// step 1 ever reserved instruction-store space; the trap byte,
		// if any, was also never written, so there is nothing left to
		// undo at this address.
		return nil
	}

	if err := mprotectRW(addr, len(rec.OrigBytes)); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	copy(memView(addr, len(rec.OrigBytes)), rec.OrigBytes)
	if err := mprotectRX(addr, len(rec.OrigBytes)); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	e.plumbing.RemoveTrap(addr)
	e.store.Delete(key)
	d.RecordSite(&module.Site{Addr: addr, Name: site.Name, Patched: false})
	return nil
}
