// Package symtab is the narrow contract this engine consumes from the
// general ELF and symbol-table loader (spec §6: that loader lives
// elsewhere in the wider tool; this package only defines, and defaults,
// the slice of it the patch engine actually needs).
package symtab

import (
	"debug/elf"
	"fmt"
)

// SymType mirrors the subset of ELF symbol binding/type the engine cares
// about when deciding whether a symbol is a candidate patch site.
type SymType int

const (
	SymLocal SymType = iota
	SymGlobal
	SymWeak
	SymPLT
)

func (t SymType) String() string {
	switch t {
	case SymLocal:
		return "local"
	case SymGlobal:
		return "global"
	case SymWeak:
		return "weak"
	case SymPLT:
		return "plt"
	default:
		return "unknown"
	}
}

// Symbol is one function-typed entry from a module's symbol table.
type Symbol struct {
	Addr uint64
	Size uint64
	Type SymType
	Name string
}

// Segment is one PT_LOAD program header.
type Segment struct {
	VAddr uint64
	Size  uint64
	Flags uint32 // elf.PF_R | elf.PF_W | elf.PF_X
}

// Loader is the consumed contract of spec.md §6: iterate loaded program
// headers, locate the compiler-assistance sections, and expose the
// function symbol table. The patch engine only ever talks to this
// interface, never to debug/elf directly, so a caller embedding this
// engine in a process that already tracks its own loaded modules can
// supply its own implementation instead of ELFLoader.
type Loader interface {
	// Segments returns every PT_LOAD program header for the module at path.
	Segments(path string) ([]Segment, error)

	// Section returns the raw bytes and load address of the named section,
	// or (nil, 0, nil) if the module carries no such section.
	Section(path, name string) ([]byte, uint64, error)

	// Symbols returns every STT_FUNC symbol in the module, static or dynamic.
	Symbols(path string) ([]Symbol, error)
}

// ELFLoader is the default Loader, backed by debug/elf alone, the
// package the teacher repo reaches for in cffi.go and
// hotreload_unix.go for every ELF-introspection task it performs — this
// repo never substitutes a third-party ELF reader for it.
type ELFLoader struct{}

// NewELFLoader returns the default debug/elf-backed Loader.
func NewELFLoader() *ELFLoader {
	return &ELFLoader{}
}

func (l *ELFLoader) Segments(path string) ([]Segment, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("symtab: failed to open ELF file: %w", err)
	}
	defer f.Close()

	var segs []Segment
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		segs = append(segs, Segment{
			VAddr: prog.Vaddr,
			Size:  prog.Memsz,
			Flags: uint32(prog.Flags),
		})
	}
	return segs, nil
}

func (l *ELFLoader) Section(path, name string) ([]byte, uint64, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("symtab: failed to open ELF file: %w", err)
	}
	defer f.Close()

	sect := f.Section(name)
	if sect == nil {
		return nil, 0, nil
	}
	data, err := sect.Data()
	if err != nil {
		return nil, 0, fmt.Errorf("symtab: failed to read section %q: %w", name, err)
	}
	return data, sect.Addr, nil
}

func (l *ELFLoader) Symbols(path string) ([]Symbol, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("symtab: failed to open ELF file: %w", err)
	}
	defer f.Close()

	var out []Symbol

	collect := func(syms []elf.Symbol) {
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC {
				continue
			}
			if s.Value == 0 {
				continue
			}
			out = append(out, Symbol{
				Addr: s.Value,
				Size: s.Size,
				Type: bindToSymType(elf.ST_BIND(s.Info)),
				Name: s.Name,
			})
		}
	}

	if syms, err := f.Symbols(); err == nil {
		collect(syms)
	}
	if dynsyms, err := f.DynamicSymbols(); err == nil {
		collect(dynsyms)
	}

	return out, nil
}

func bindToSymType(b elf.SymBind) SymType {
	switch b {
	case elf.STB_WEAK:
		return SymWeak
	case elf.STB_GLOBAL:
		return SymGlobal
	default:
		return SymLocal
	}
}

// PatchableEntries reads the __patchable_function_entries section, if
// present, and returns the list of patch-site addresses it names. Each
// entry is a native-width (8-byte) pointer into .text, per the section's
// documented layout (gcc/clang emit one pointer per instrumented
// function). Returns (nil, nil) if the section is absent, matching the
// teacher's "not found is not an error" idiom (see ExtractFunctionSignatures).
func PatchableEntries(l Loader, path string) ([]uint64, error) {
	data, _, err := l.Section(path, "__patchable_function_entries")
	if err != nil {
		return nil, err
	}
	return decodePointerArray(data)
}

// XRayInstrMap reads the xray_instr_map section and decodes it as a flat
// array of 8-byte addresses, like the other pointer-array sections. Every
// word of the section is returned: words are not told apart by sled kind
// (entry or exit), and no exit-sled addresses are derived from them.
func XRayInstrMap(l Loader, path string) ([]uint64, error) {
	data, _, err := l.Section(path, "xray_instr_map")
	if err != nil {
		return nil, err
	}
	return decodePointerArray(data)
}

// McountLoc reads the __mcount_loc section (FENTRY_NOP strategy marker).
func McountLoc(l Loader, path string) ([]uint64, error) {
	data, _, err := l.Section(path, "__mcount_loc")
	if err != nil {
		return nil, err
	}
	return decodePointerArray(data)
}

func decodePointerArray(data []byte) ([]uint64, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("symtab: pointer-array section size %d not a multiple of 8", len(data))
	}
	out := make([]uint64, len(data)/8)
	for i := range out {
		off := i * 8
		out[i] = uint64(data[off]) | uint64(data[off+1])<<8 | uint64(data[off+2])<<16 |
			uint64(data[off+3])<<24 | uint64(data[off+4])<<32 | uint64(data[off+5])<<40 |
			uint64(data[off+6])<<48 | uint64(data[off+7])<<56
	}
	return out, nil
}
