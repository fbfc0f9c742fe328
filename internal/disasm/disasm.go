// Package disasm wraps golang.org/x/arch/x86/x86asm to decide how many
// bytes of a function's prologue must be relocated before a direct call
// can be written over them, classify the control-flow instructions found
// in that window, and produce a relocated out-of-line copy that preserves
// PC-relative semantics. The decode technique (repeatedly call
// x86asm.Decode and walk the resulting instruction list) follows
// Dk2014-hinako's hinako.go, the one example in the retrieval pack that
// performs this exact task.
package disasm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// ErrSkipped means the prologue does not look like something this engine
// should touch (too short, or refuses to relocate across what it found).
// Counted as SKIPPED by the engine (spec.md §7).
var ErrSkipped = errors.New("disasm: prologue not relocatable")

// ErrFailed means the bytes could not be decoded at all. Counted as
// FAILED by the engine.
var ErrFailed = errors.New("disasm: malformed instruction stream")

// MinPrologueLen is the smallest number of bytes the engine will ever
// relocate: enough to hold the eventual 5-byte direct call.
const MinPrologueLen = 5

// CallInsnSize is the size in bytes of a direct E8 call instruction.
const CallInsnSize = 5

// resumeJumpSize is the width of the indirect-jump tail Relocate appends
// to an out-of-line copy that does not already end in an unconditional
// control transfer: a 6-byte RIP-relative "jmp [rip+0]" through the
// 8-byte absolute resume address that immediately follows it, padded
// with a trailing 0xCC so nothing ever falls through into the address
// bytes. Mirrors the resume-jump tail original_source's
// mcount_arch_patch_branch/mcount_save_code append after a relocated
// prologue (arch/x86_64/mcount-dynamic.c).
const resumeJumpSize = 15

// endbr64 is Intel CET's 4-byte landing-pad instruction. When present it
// must lead the prologue and is never itself overwritten.
var endbr64 = [4]byte{0xf3, 0x0f, 0x1e, 0xfa}

// Branch describes one relative-displacement instruction found inside
// the relocated window: either a conditional branch or the trailing
// unconditional transfer, kept so Relocate can recompute its displacement
// (and, for an external conditional branch, widen its encoding) once the
// out-of-line copy's final address is known (spec.md §4.7 step 1d).
type Branch struct {
	InstIndex int    // index into the decoded instruction list
	Offset    int    // byte offset of the instruction within the window
	Target    int64  // absolute target address
	OldSize   int    // size of the original branch instruction
	NewSize   int    // size once relocated (8-bit displacement widened if needed)
	Internal  bool   // true if Target still lands inside [addr, addr+Length)
	Mnemonic  string // e.g. "JE", for diagnostics
}

// instSlot is one instruction kept in the prologue, captured with enough
// information for Relocate to re-encode it at a new address.
type instSlot struct {
	offset   int // byte offset within the original window
	raw      []byte
	hasRel   bool
	target   int64
	internal bool
	newSize  int
}

// Prologue is the result of analysing a function's entry bytes. Relocate
// must be called once the out-of-line copy's destination address is
// known (after internal/codestore.Store.Reserve) to produce the actual
// bytes to write there.
type Prologue struct {
	Addr        uint64
	Length      int    // number of original bytes that must be relocated
	Raw         []byte // the original Length bytes, unmodified
	HasJump     bool   // window already ends in an unconditional control transfer
	HasIntelCET bool   // a 4-byte ENDBR64 leads the prologue
	Branches    []Branch

	slots []instSlot
}

// CETOffset returns 4 when the prologue begins with ENDBR64, else 0. Per
// the original uftrace source this offset is load-bearing in two
// independent places (the out-of-line-copy lookup key and the
// trampoline-displacement computation), so both the engine and this
// shim expose it explicitly rather than folding it into Length.
func (p *Prologue) CETOffset() int {
	if p.HasIntelCET {
		return 4
	}
	return 0
}

// RelocatedSize returns the number of bytes Relocate will produce: each
// kept instruction's (possibly widened) size, plus a resumeJumpSize-byte
// resume jump when the prologue does not already end in an unconditional
// transfer.
func (p *Prologue) RelocatedSize() int {
	total := 0
	for _, s := range p.slots {
		total += s.newSize
	}
	if !p.HasJump {
		total += resumeJumpSize
	}
	return total
}

// Relocate produces the out-of-line copy of the prologue to be written at
// relocAddr: every kept instruction's bytes, with any relative-displacement
// instruction's operand recomputed against its new location (widening an
// external conditional branch from an 8-bit to a 32-bit displacement so
// its original target stays reachable), followed — unless the prologue
// already ends in an unconditional transfer — by the resume jump back to
// Addr+Length, the point a trap-emulated call must return to.
func (p *Prologue) Relocate(relocAddr uint64) []byte {
	out := make([]byte, 0, p.RelocatedSize())
	for _, s := range p.slots {
		newOffset := len(out)
		buf := make([]byte, s.newSize)
		copy(buf, s.raw)
		if s.hasRel {
			encodeRelBranch(buf, s, relocAddr, newOffset)
		}
		out = append(out, buf...)
	}
	if !p.HasJump {
		out = append(out, encodeResumeJump(p.Addr+uint64(p.Length))...)
	}
	return out
}

// encodeRelBranch rewrites buf (already holding the instruction's
// original prefix/opcode bytes, padded or truncated to s.newSize) so its
// trailing displacement reaches s.target from its new location
// relocAddr+newOffset.
func encodeRelBranch(buf []byte, s instSlot, relocAddr uint64, newOffset int) {
	if s.newSize != len(s.raw) {
		// Widen Jcc rel8 (1-byte opcode 0x70+cc, 1-byte displacement) to
		// Jcc rel32 (0x0F, 0x80+cc, 4-byte displacement).
		cc := s.raw[0] - 0x70
		buf[0] = 0x0f
		buf[1] = 0x80 + cc
		disp := s.target - (int64(relocAddr) + int64(newOffset) + int64(s.newSize))
		binary.LittleEndian.PutUint32(buf[2:6], uint32(int32(disp)))
		return
	}

	// Same encoding width: only the trailing displacement changes. A
	// one-byte operand (short Jcc/JMP) sits in the instruction's last
	// byte; a 32-bit operand (Jcc rel32, or a direct CALL/JMP) sits in
	// the last four.
	disp := s.target - (int64(relocAddr) + int64(newOffset) + int64(s.newSize))
	if s.newSize < 5 {
		buf[len(buf)-1] = byte(int8(disp))
		return
	}
	binary.LittleEndian.PutUint32(buf[len(buf)-4:], uint32(int32(disp)))
}

// encodeResumeJump builds the resumeJumpSize-byte indirect jump a
// relocated prologue falls through into: "FF 25 00000000" (jmp through
// the absolute address stored immediately after the instruction, RIP-
// relative displacement 0), the 8-byte target itself, and a trailing
// 0xCC pad byte.
func encodeResumeJump(target uint64) []byte {
	buf := make([]byte, resumeJumpSize)
	buf[0] = 0xff
	buf[1] = 0x25
	binary.LittleEndian.PutUint32(buf[2:6], 0)
	binary.LittleEndian.PutUint64(buf[6:14], target)
	buf[14] = 0xcc
	return buf
}

// Analyze decodes the instructions starting at addr from window and
// determines the smallest prologue length that is both decodable and at
// least MinPrologueLen (or MinPrologueLen+4 when an ENDBR64 landing pad
// is present and must be preserved in place ahead of the relocated copy).
func Analyze(addr uint64, window []byte) (*Prologue, error) {
	if len(window) < MinPrologueLen {
		return nil, fmt.Errorf("%w: window shorter than minimum prologue", ErrSkipped)
	}

	hasCET := len(window) >= 4 && [4]byte{window[0], window[1], window[2], window[3]} == endbr64

	start := 0
	minLen := MinPrologueLen
	if hasCET {
		start = 4
		minLen = 4 + MinPrologueLen
	}

	insts, err := decodeAll(window[start:], minLen-start)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailed, err)
	}
	if len(insts) == 0 {
		return nil, fmt.Errorf("%w: no instructions decoded", ErrFailed)
	}

	length := start
	var branches []Branch
	var slots []instSlot
	hasJump := false

	for i, inst := range insts {
		for _, arg := range inst.Args {
			if m, ok := arg.(x86asm.Mem); ok && m.Base == x86asm.RIP {
				return nil, fmt.Errorf("%w: RIP-relative memory operand at offset %d", ErrSkipped, length)
			}
		}
		raw := append([]byte(nil), window[length:length+inst.Len]...)
		slot := instSlot{offset: length, raw: raw, newSize: inst.Len}
		if target, ok := branchTarget(addr, length, inst); ok {
			slot.hasRel = true
			slot.target = target
			slot.internal = target >= int64(addr) && target < int64(addr)+int64(minLen)
		}

		if isUnconditionalTransfer(inst) {
			slots = append(slots, slot)
			length += inst.Len
			hasJump = true
			break
		}

		if isConditionalBranch(inst) {
			b := Branch{
				InstIndex: i,
				Offset:    length,
				OldSize:   inst.Len,
				NewSize:   inst.Len,
				Mnemonic:  inst.Op.String(),
			}
			if slot.hasRel {
				b.Target = slot.target
				b.Internal = slot.internal
				// Widen any externally-targeted 8-bit-displacement branch
				// so its destination is recomputed relative to the
				// out-of-line copy; uftrace's branch-fixup table performs
				// the equivalent downgrade/upgrade rather than attempting
				// to preserve the original encoding verbatim.
				if !b.Internal && inst.Len < 6 {
					b.NewSize = 6
					slot.newSize = 6
				}
			}
			branches = append(branches, b)
		}

		slots = append(slots, slot)
		length += inst.Len
		if length >= minLen {
			break
		}
	}

	if length < minLen {
		return nil, fmt.Errorf("%w: only %d bytes decodable, need %d", ErrSkipped, length, minLen)
	}

	raw := make([]byte, length)
	copy(raw, window[:length])

	return &Prologue{
		Addr:        addr,
		Length:      length,
		Raw:         raw,
		HasJump:     hasJump,
		HasIntelCET: hasCET,
		Branches:    branches,
		slots:       slots,
	}, nil
}

// decodeAll decodes instructions from the start of src until they cover
// at least need bytes (or src runs out); bytes past that point are never
// decoded, so a truncated instruction at the end of the window is not an
// error.
func decodeAll(src []byte, need int) ([]x86asm.Inst, error) {
	var insts []x86asm.Inst
	for covered := 0; len(src) > 0 && covered < need; {
		inst, err := x86asm.Decode(src, 64)
		if err != nil {
			return nil, err
		}
		if inst.Len == 0 {
			return nil, fmt.Errorf("zero-length instruction decoded")
		}
		insts = append(insts, inst)
		covered += inst.Len
		src = src[inst.Len:]
	}
	return insts, nil
}

func isUnconditionalTransfer(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.JMP, x86asm.RET, x86asm.CALL:
		return true
	default:
		return false
	}
}

func isConditionalBranch(inst x86asm.Inst) bool {
	name := inst.Op.String()
	if len(name) == 0 {
		return false
	}
	return name[0] == 'J' && name != "JMP"
}

// branchTarget computes the absolute target of a RIP-relative branch
// whose displacement is its sole argument, given the instruction's
// offset within the window being analysed.
func branchTarget(addr uint64, offset int, inst x86asm.Inst) (int64, bool) {
	for _, arg := range inst.Args {
		if arg == nil {
			continue
		}
		if rel, ok := arg.(x86asm.Rel); ok {
			next := int64(addr) + int64(offset) + int64(inst.Len)
			return next + int64(rel), true
		}
	}
	return 0, false
}

// EncodeDisplacement writes a little-endian 32-bit signed displacement,
// matching the engine's "bytes 1..4 are the displacement" layout for a
// direct E8/E9 call or jump.
func EncodeDisplacement(buf []byte, disp int32) {
	binary.LittleEndian.PutUint32(buf, uint32(disp))
}
