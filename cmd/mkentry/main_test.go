package main

import (
	"debug/elf"
	"testing"
)

func TestParseAddrAcceptsHexAndDecimal(t *testing.T) {
	cases := map[string]uint64{
		"0x800020": 0x800020,
		"8388640":  0x800020,
		"0":        0,
	}
	for in, want := range cases {
		got, err := parseAddr(in)
		if err != nil {
			t.Fatalf("parseAddr(%q) failed: %v", in, err)
		}
		if got != want {
			t.Fatalf("parseAddr(%q) = %#x, want %#x", in, got, want)
		}
	}
}

func TestParseAddrRejectsGarbage(t *testing.T) {
	if _, err := parseAddr("not-an-address"); err == nil {
		t.Fatal("expected parseAddr to reject a non-numeric string")
	}
}

func TestChkELFAcceptsValid386Executable(t *testing.T) {
	eh := &elf.FileHeader{
		Class:   elf.ELFCLASS32,
		Data:    elf.ELFDATA2LSB,
		Type:    elf.ET_EXEC,
		Machine: elf.EM_386,
	}
	// chkELF calls log.Fatal on rejection, which would exit the test
	// process; a valid header never reaches that path, so this only
	// verifies the accept case runs to completion without exiting.
	chkELF(eh)
}
