// Package elfld is the ELF-loading collaborator: magic/class validation
// plus program-header iteration, over the standard library's debug/elf
// reader. Grounded on biscuit's kernel/chentry.go, which already does
// ELF header validation with debug/elf; this package extends that to
// the program-header walk load_icode needs, generalized from chentry's
// 64-bit-only checks to the 32-bit protected-mode executables this core
// loads.
package elfld

import (
	"bytes"
	"debug/elf"
	"fmt"
)

// / Segment is one loadable program header: its file bytes, its memory
// / size (>= len(Data), the remainder zero-filled BSS), its destination
// / virtual address, and whether it is writable.
type Segment struct {
	VAddr    uint32
	MemSize  uint32
	FileSize uint32
	Data     []byte
	Writable bool
}

// / Image is a validated, parsed ELF executable ready for load_icode to
// / copy into a freshly built address space.
type Image struct {
	Entry    uint32
	Segments []Segment
}

// / Parse validates an ELF image and extracts its loadable segments.
// / Mirrors chentry.go's chkELF checks, adjusted to 32-bit executables:
// / ELF magic, little-endian, executable type, 386 machine.
func Parse(raw []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		// elf.NewFile already rejects a bad magic number itself.
		return nil, fmt.Errorf("elfld: %w", err)
	}
	if f.Class != elf.ELFCLASS32 {
		return nil, fmt.Errorf("elfld: not a 32-bit elf")
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("elfld: not little-endian")
	}
	if f.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("elfld: not an executable")
	}
	if f.Machine != elf.EM_386 {
		return nil, fmt.Errorf("elfld: not a 32-bit x86 elf")
	}
	if f.Entry>>32 != 0 {
		return nil, fmt.Errorf("elfld: entry point does not fit in 32 bits")
	}

	img := &Image{Entry: uint32(f.Entry)}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if p.Vaddr>>32 != 0 || p.Memsz>>32 != 0 || p.Filesz>>32 != 0 {
			return nil, fmt.Errorf("elfld: segment does not fit in 32-bit address space")
		}
		data := make([]byte, p.Filesz)
		if _, err := p.ReadAt(data, 0); err != nil {
			return nil, fmt.Errorf("elfld: reading segment: %w", err)
		}
		img.Segments = append(img.Segments, Segment{
			VAddr:    uint32(p.Vaddr),
			MemSize:  uint32(p.Memsz),
			FileSize: uint32(p.Filesz),
			Data:     data,
			Writable: p.Flags&elf.PF_W != 0,
		})
	}
	return img, nil
}
