package engine

import (
	"encoding/binary"
	"fmt"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/xyproto/livepatch/internal/module"
	"github.com/xyproto/livepatch/internal/pattern"
	"github.com/xyproto/livepatch/internal/sigplumb"
	"github.com/xyproto/livepatch/internal/symtab"
)

func TestCalcPercent(t *testing.T) {
	cases := []struct {
		n, total   int
		whole, rem int
	}{
		{0, 0, 0, 0},
		{1, 4, 25, 0},
		{1, 3, 33, 33},
		{2, 3, 66, 66},
		{5, 5, 100, 0},
	}
	for _, c := range cases {
		w, r := calcPercent(c.n, c.total)
		if w != c.whole || r != c.rem {
			t.Errorf("calcPercent(%d, %d) = (%d, %d), want (%d, %d)", c.n, c.total, w, r, c.whole, c.rem)
		}
	}
}

func TestStatsRecordAndSummary(t *testing.T) {
	var s Stats
	s.record(StatusSuccess, true)
	s.record(StatusFailed, true)
	s.record(StatusSkipped, true)
	s.record(StatusSuccess, false)

	if s.Total != 4 || s.Patched != 1 || s.Failed != 1 || s.Skipped != 1 || s.NoMatch != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}

	summary := s.Summary("mod")
	if summary == "" {
		t.Fatal("Summary returned empty string")
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusSuccess: "success",
		StatusSkipped: "skipped",
		StatusFailed:  "failed",
		Status(99):    "unknown",
	}
	for st, want := range cases {
		if got := st.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", st, got, want)
		}
	}
}

// fakeLoader implements symtab.Loader with canned section/symbol data,
// letting Discover's priority order be exercised without a real ELF file.
type fakeLoader struct {
	sections map[string][]byte
	symbols  []symtab.Symbol
}

func (f *fakeLoader) Segments(path string) ([]symtab.Segment, error) { return nil, nil }

func (f *fakeLoader) Section(path, name string) ([]byte, uint64, error) {
	return f.sections[name], 0, nil
}

func (f *fakeLoader) Symbols(path string) ([]symtab.Symbol, error) {
	return f.symbols, nil
}

func encodePointers(addrs ...uint64) []byte {
	buf := make([]byte, 8*len(addrs))
	for i, a := range addrs {
		binary.LittleEndian.PutUint64(buf[i*8:], a)
	}
	return buf
}

func TestDiscoverPrefersPatchableOverXray(t *testing.T) {
	loader := &fakeLoader{sections: map[string][]byte{
		"__patchable_function_entries": encodePointers(0x401000),
		"xray_instr_map":               encodePointers(0x402000),
	}}
	e := New(loader, 0x500000, 0)
	d := module.NewDescriptor("fake", "fake", 0, 0x400000, 0x10000)

	if err := e.Discover(d); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if d.Strategy != module.StrategyPatchable {
		t.Errorf("Strategy = %v, want StrategyPatchable", d.Strategy)
	}
	if len(d.Targets) != 1 || d.Targets[0].Addr != 0x401000 {
		t.Errorf("Targets = %v, want one entry at 0x401000", d.Targets)
	}
}

func TestDiscoverFallsBackToNone(t *testing.T) {
	loader := &fakeLoader{sections: map[string][]byte{}}
	e := New(loader, 0x500000, 0)
	d := module.NewDescriptor("fake", "fake", 0, 0x400000, 0x10000)

	if err := e.Discover(d); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if d.Strategy != module.StrategyNone {
		t.Errorf("Strategy = %v, want StrategyNone", d.Strategy)
	}
}

func TestAddrsToTargets(t *testing.T) {
	targets := addrsToTargets([]uint64{0x1000, 0x2000})
	if len(targets) != 2 {
		t.Fatalf("len = %d, want 2", len(targets))
	}
	if targets[0].Name != fmt.Sprintf("<%#x>", uint64(0x1000)) {
		t.Errorf("Name = %q", targets[0].Name)
	}
}

// newPatchedPage allocates one real RWX page and writes a five-byte NOP
// placeholder at the start, the shape a compiler-assisted strategy's
// patch site has before instrumentation (spec.md §4.6).
func newPatchedPage(t *testing.T) []byte {
	t.Helper()
	mem, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	t.Cleanup(func() { unix.Munmap(mem) })
	copy(mem, []byte{0x0f, 0x1f, 0x44, 0x00, 0x00, 0x90, 0x90, 0x90})
	return mem
}

func addrOf(mem []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&mem[0])))
}

func TestPatchAndUnpatchCompilerAssisted(t *testing.T) {
	site := newPatchedPage(t)
	siteAddr := addrOf(site)

	tramp := newPatchedPage(t)
	trampAddr := addrOf(tramp)

	loader := &fakeLoader{}
	e := New(loader, trampAddr, 0)
	d := module.NewDescriptor("fake", "fake", 0, siteAddr, 8)
	d.SetStrategy(module.StrategyPatchable, []module.PatchTarget{{Addr: siteAddr, Name: "fn"}})
	d.SetTrampoline(trampAddr, 0)

	if err := e.patchCompilerAssisted(d, siteAddr); err != nil {
		t.Fatalf("patchCompilerAssisted: %v", err)
	}
	if site[0] != callOpcode {
		t.Fatalf("site[0] = %#x, want call opcode %#x", site[0], callOpcode)
	}
	disp := int32(binary.LittleEndian.Uint32(site[1:5]))
	wantDisp := int32(int64(trampAddr) - int64(siteAddr) - 5)
	if disp != wantDisp {
		t.Errorf("displacement = %d, want %d", disp, wantDisp)
	}

	if err := e.unpatchCompilerAssisted(siteAddr); err != nil {
		t.Fatalf("unpatchCompilerAssisted: %v", err)
	}
	if site[0] == callOpcode {
		t.Error("site still holds a call opcode after unpatch")
	}
}

// newProloguePage allocates one real RWX page holding a short,
// branch-free, CET-free multi-instruction prologue — "push rbp; mov
// rbp,rsp; xor eax,eax" followed by NOP padding — the shape the NONE
// strategy relocates (spec.md §8 scenario 1).
func newProloguePage(t *testing.T) []byte {
	t.Helper()
	mem, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	t.Cleanup(func() { unix.Munmap(mem) })
	copy(mem, []byte{0x55, 0x48, 0x89, 0xe5, 0x31, 0xc0, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90})
	return mem
}

func TestPatchAndUnpatchNormal(t *testing.T) {
	site := newProloguePage(t)
	siteAddr := addrOf(site)
	original := append([]byte(nil), site[:6]...)

	tramp := newPatchedPage(t)
	trampAddr := addrOf(tramp)

	plumbing, err := sigplumb.NewTestPlumbing()
	if err != nil {
		t.Fatalf("NewTestPlumbing: %v", err)
	}
	defer plumbing.Teardown()

	loader := &fakeLoader{}
	e := New(loader, trampAddr, 0)
	e.plumbing = plumbing

	d := module.NewDescriptor("fake", "fake", 0, siteAddr, 16)
	d.SetStrategy(module.StrategyNone, nil)
	d.SetTrampoline(trampAddr, 0)

	if err := e.patchNormal(d, siteAddr, "fn"); err != nil {
		t.Fatalf("patchNormal: %v", err)
	}

	// Scenario 1: byte 0 becomes the call opcode, bytes 1..4 equal
	// trampoline-(function_start+5).
	if site[0] != callOpcode {
		t.Fatalf("site[0] = %#x, want call opcode %#x", site[0], callOpcode)
	}
	disp := int32(binary.LittleEndian.Uint32(site[1:5]))
	wantDisp := int32(int64(trampAddr) - int64(siteAddr) - 5)
	if disp != wantDisp {
		t.Errorf("displacement = %d, want %d", disp, wantDisp)
	}

	rec, ok := d.Site(siteAddr)
	if !ok || !rec.Patched {
		t.Fatalf("site not recorded as patched")
	}

	// Scenario 5: patch/unpatch round trip leaves the bytes byte-for-byte
	// equal to the original prologue.
	if st := e.unpatchSite(d, siteAddr, "fn"); st != StatusSuccess {
		t.Fatalf("unpatchSite status = %v, want success", st)
	}
	for i, want := range original {
		if site[i] != want {
			t.Errorf("site[%d] after unpatch = %#x, want %#x", i, site[i], want)
		}
	}
}

func TestDispatchPatchSkipsNoMatch(t *testing.T) {
	loader := &fakeLoader{}
	e := New(loader, 0x500000, 0)
	patterns, err := pattern.CompilePatterns("", "", "fake")
	if err != nil {
		t.Fatalf("CompilePatterns: %v", err)
	}
	e.patterns = patterns
	d := module.NewDescriptor("fake", "fake", 0, 0x400000, 0x1000)

	var sweep Stats
	e.dispatchPatch(d, 0x400100, "untouched", &sweep)
	if sweep.NoMatch != 1 || sweep.Total != 1 {
		t.Errorf("sweep = %+v, want one no-match", sweep)
	}
}

func TestRecoverBadSymbolsCompilerAssisted(t *testing.T) {
	site := newPatchedPage(t)
	siteAddr := addrOf(site)
	// Leave the call opcode in place, as if a prior patch attempt
	// succeeded at the byte-write step but failed to record cleanly.
	site[0] = callOpcode

	loader := &fakeLoader{}
	e := New(loader, 0x500000, 0)
	d := module.NewDescriptor("fake", "fake", 0, siteAddr, 8)
	d.SetStrategy(module.StrategyPatchable, nil)
	d.RecordSite(&module.Site{Addr: siteAddr, Name: "fn", Patched: true})
	d.MarkBad(siteAddr)

	recovered, failed := e.RecoverBadSymbols(d)
	if recovered != 1 || failed != 0 {
		t.Fatalf("recovered=%d failed=%d, want 1, 0", recovered, failed)
	}
	if site[0] == callOpcode {
		t.Error("site still holds a call opcode after recovery")
	}
	if len(d.BadSymbols()) != 0 {
		t.Error("bad-symbol list not cleared")
	}
}

func TestEngineInitRejectsDoubleInit(t *testing.T) {
	loader := &fakeLoader{}
	e := New(loader, 0x500000, 0)
	if err := e.Init("", ""); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer e.Teardown()

	if err := e.Init("", ""); err == nil {
		t.Error("second Init should fail")
	}
}
