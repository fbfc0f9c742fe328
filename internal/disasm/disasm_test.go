package disasm

import (
	"encoding/binary"
	"testing"
)

// TestSimplePrologue mirrors spec scenario 1: function a at offset 0x100,
// prologue "55 48 89 E5 31 C0" (push rbp; mov rbp,rsp; xor eax,eax).
func TestSimplePrologue(t *testing.T) {
	window := []byte{0x55, 0x48, 0x89, 0xe5, 0x31, 0xc0, 0x90, 0x90, 0x90, 0x90}
	p, err := Analyze(0x100, window)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if p.Length != 6 {
		t.Errorf("Length = %d, want 6", p.Length)
	}
	if p.HasIntelCET {
		t.Errorf("HasIntelCET = true, want false")
	}
	if p.HasJump {
		t.Errorf("HasJump = true, want false")
	}
	want := []byte{0x55, 0x48, 0x89, 0xe5, 0x31, 0xc0}
	for i, b := range want {
		if p.Raw[i] != b {
			t.Errorf("Raw[%d] = %#x, want %#x", i, p.Raw[i], b)
		}
	}
}

func TestIntelCETPrologue(t *testing.T) {
	window := append([]byte{0xf3, 0x0f, 0x1e, 0xfa}, []byte{0x55, 0x48, 0x89, 0xe5, 0x31, 0xc0}...)
	p, err := Analyze(0x200, window)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !p.HasIntelCET {
		t.Fatalf("HasIntelCET = false, want true")
	}
	if p.CETOffset() != 4 {
		t.Errorf("CETOffset() = %d, want 4", p.CETOffset())
	}
	if p.Length != 10 {
		t.Errorf("Length = %d, want 10 (4 ENDBR64 + 6 prologue)", p.Length)
	}
}

func TestTooShortWindow(t *testing.T) {
	_, err := Analyze(0x100, []byte{0x90, 0x90})
	if err == nil {
		t.Fatal("expected error for too-short window")
	}
}

func TestMalformedBytes(t *testing.T) {
	// 0x0f alone with no valid second opcode byte is not decodable.
	_, err := Analyze(0x100, []byte{0x0f, 0xff, 0xff, 0xff, 0xff, 0xff})
	if err == nil {
		t.Fatal("expected decode failure for malformed bytes")
	}
}

func TestEncodeDisplacement(t *testing.T) {
	buf := make([]byte, 4)
	EncodeDisplacement(buf, 0x3EFB)
	want := []byte{0xfb, 0x3e, 0x00, 0x00}
	for i := range want {
		if buf[i] != want[i] {
			t.Errorf("buf[%d] = %#x, want %#x", i, buf[i], want[i])
		}
	}
}

func TestRelocateAppendsResumeJump(t *testing.T) {
	window := []byte{0x55, 0x48, 0x89, 0xe5, 0x31, 0xc0, 0x90, 0x90, 0x90, 0x90}
	p, err := Analyze(0x100, window)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if p.HasJump {
		t.Fatalf("HasJump = true, want false")
	}

	const relocAddr = 0x5000
	out := p.Relocate(relocAddr)
	if len(out) != p.RelocatedSize() {
		t.Fatalf("len(out) = %d, want RelocatedSize() = %d", len(out), p.RelocatedSize())
	}
	if len(out) != p.Length+resumeJumpSize {
		t.Fatalf("len(out) = %d, want %d (no branches to widen)", len(out), p.Length+resumeJumpSize)
	}

	// The prologue bytes themselves carry no relative operands here, so
	// they must be copied verbatim ahead of the resume jump.
	for i := 0; i < p.Length; i++ {
		if out[i] != p.Raw[i] {
			t.Errorf("out[%d] = %#x, want %#x", i, out[i], p.Raw[i])
		}
	}

	tail := out[p.Length:]
	if tail[0] != 0xff || tail[1] != 0x25 {
		t.Fatalf("resume jump opcode = % x, want ff 25", tail[:2])
	}
	gotTarget := binary.LittleEndian.Uint64(tail[6:14])
	wantTarget := p.Addr + uint64(p.Length)
	if gotTarget != wantTarget {
		t.Errorf("resume jump target = %#x, want %#x", gotTarget, wantTarget)
	}
	if tail[14] != 0xcc {
		t.Errorf("resume jump pad byte = %#x, want 0xcc", tail[14])
	}
}

func TestRelocateWidensExternalConditionalBranch(t *testing.T) {
	// push rbp; je +0x40 (short, targets outside the prologue window).
	window := []byte{0x55, 0x74, 0x40, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90}
	p, err := Analyze(0x1000, window)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(p.Branches) != 1 {
		t.Fatalf("len(Branches) = %d, want 1", len(p.Branches))
	}
	if p.Branches[0].Internal {
		t.Fatalf("branch classified Internal, want external (target outside window)")
	}
	if p.Branches[0].NewSize != 6 {
		t.Fatalf("NewSize = %d, want 6 (widened Jcc rel8 -> rel32)", p.Branches[0].NewSize)
	}

	const relocAddr = 0x9000
	out := p.Relocate(relocAddr)

	// push rbp is copied verbatim, then the widened je.
	if out[0] != 0x55 {
		t.Fatalf("out[0] = %#x, want 0x55", out[0])
	}
	if out[1] != 0x0f || out[2] != 0x84 {
		t.Fatalf("widened branch opcode = % x, want 0f 84", out[1:3])
	}
	disp := int32(binary.LittleEndian.Uint32(out[3:7]))
	wantTarget := p.Branches[0].Target
	gotTarget := int64(relocAddr) + 1 + 6 + int64(disp)
	if gotTarget != wantTarget {
		t.Errorf("recomputed branch target = %#x, want %#x", gotTarget, wantTarget)
	}
}

func TestEncodeDisplacementNegative(t *testing.T) {
	buf := make([]byte, 4)
	EncodeDisplacement(buf, -16)
	want := []byte{0xf0, 0xff, 0xff, 0xff}
	for i := range want {
		if buf[i] != want[i] {
			t.Errorf("buf[%d] = %#x, want %#x", i, buf[i], want[i])
		}
	}
}
