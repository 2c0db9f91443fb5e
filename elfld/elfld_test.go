package elfld

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildElf32 hand-assembles a minimal ELF32 executable with a single
// PT_LOAD segment, since debug/elf only reads ELF images, never writes
// them, and biscuit's chentry.go only ever consumed real toolchain
// output.
func buildElf32(t *testing.T, entry, vaddr uint32, data []byte, memsz uint32, flags uint32) []byte {
	t.Helper()
	const ehsize = 52
	const phsize = 32

	var buf bytes.Buffer
	ident := [16]byte{0x7f, 'E', 'L', 'F', 1 /* ELFCLASS32 */, 1 /* ELFDATA2LSB */, 1 /* EV_CURRENT */}
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(2))  // e_type = ET_EXEC
	binary.Write(&buf, binary.LittleEndian, uint16(3))  // e_machine = EM_386
	binary.Write(&buf, binary.LittleEndian, uint32(1))  // e_version
	binary.Write(&buf, binary.LittleEndian, entry)       // e_entry
	binary.Write(&buf, binary.LittleEndian, uint32(ehsize)) // e_phoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))  // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))  // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehsize))
	binary.Write(&buf, binary.LittleEndian, uint16(phsize))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // e_phnum
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shstrndx

	fileOff := uint32(ehsize + phsize)
	binary.Write(&buf, binary.LittleEndian, uint32(1))     // p_type = PT_LOAD
	binary.Write(&buf, binary.LittleEndian, fileOff)        // p_offset
	binary.Write(&buf, binary.LittleEndian, vaddr)          // p_vaddr
	binary.Write(&buf, binary.LittleEndian, vaddr)          // p_paddr
	binary.Write(&buf, binary.LittleEndian, uint32(len(data))) // p_filesz
	binary.Write(&buf, binary.LittleEndian, memsz)          // p_memsz
	binary.Write(&buf, binary.LittleEndian, flags)          // p_flags
	binary.Write(&buf, binary.LittleEndian, uint32(4096))   // p_align

	buf.Write(data)
	return buf.Bytes()
}

func TestParseLoadsSegmentAndEntry(t *testing.T) {
	raw := buildElf32(t, 0x800020, 0x800000, []byte{0x90, 0x90, 0xcd, 0x40}, 0x2000, 5 /* R|X */)

	img, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if img.Entry != 0x800020 {
		t.Fatalf("Entry = %#x, want 0x800020", img.Entry)
	}
	if len(img.Segments) != 1 {
		t.Fatalf("len(Segments) = %d, want 1", len(img.Segments))
	}
	seg := img.Segments[0]
	if seg.VAddr != 0x800000 {
		t.Fatalf("VAddr = %#x, want 0x800000", seg.VAddr)
	}
	if seg.MemSize != 0x2000 {
		t.Fatalf("MemSize = %#x, want 0x2000", seg.MemSize)
	}
	if seg.FileSize != 4 {
		t.Fatalf("FileSize = %d, want 4", seg.FileSize)
	}
	if !bytes.Equal(seg.Data, []byte{0x90, 0x90, 0xcd, 0x40}) {
		t.Fatalf("Data = %v, want the four loaded bytes", seg.Data)
	}
	if seg.Writable {
		t.Fatal("expected read+execute segment to not be Writable")
	}
}

func TestParseMarksWritableSegment(t *testing.T) {
	raw := buildElf32(t, 0x800000, 0x804000, []byte{1, 2, 3, 4}, 0x1000, 6 /* W|R */)
	img, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !img.Segments[0].Writable {
		t.Fatal("expected W|R segment to be Writable")
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	raw := buildElf32(t, 0, 0x1000, nil, 0, 5)
	raw[0] = 0x00 // corrupt the magic byte
	if _, err := Parse(raw); err == nil {
		t.Fatal("expected Parse to reject a corrupted ELF magic")
	}
}

func TestParseSkipsNonLoadProgramHeaders(t *testing.T) {
	raw := buildElf32(t, 0x800000, 0x800000, []byte{0xf4}, 0x1000, 5)
	// Flip p_type from PT_LOAD(1) to PT_NOTE(4) at offset ehsize(52).
	binary.LittleEndian.PutUint32(raw[52:56], 4)
	img, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(img.Segments) != 0 {
		t.Fatalf("len(Segments) = %d, want 0 (non-PT_LOAD header skipped)", len(img.Segments))
	}
}
