package native

import (
	"debug/elf"
	"runtime"
	"testing"
)

func TestTrapOpcodes(t *testing.T) {
	for arch, instr := range breakInstructions {
		if len(instr) == 0 {
			t.Errorf("no trap instruction for %s", arch)
		}
	}
	if _, ok := breakInstructions[runtime.GOARCH]; ok && len(trapOpcode) == 0 {
		t.Errorf("trapOpcode not set for %s", runtime.GOARCH)
	}
	if trapAdvancesPC != (runtime.GOARCH == "amd64" || runtime.GOARCH == "386") {
		t.Errorf("trapAdvancesPC = %v on %s", trapAdvancesPC, runtime.GOARCH)
	}
}

func TestArchFromMachine(t *testing.T) {
	for _, tc := range []struct {
		m    elf.Machine
		want string
	}{
		{elf.EM_X86_64, "amd64"},
		{elf.EM_386, "386"},
		{elf.EM_AARCH64, "arm64"},
		{elf.EM_RISCV, "riscv64"},
	} {
		got, err := archFromMachine(tc.m)
		if err != nil || got != tc.want {
			t.Errorf("archFromMachine(%v) = %q, %v; want %q", tc.m, got, err, tc.want)
		}
	}
	if _, err := archFromMachine(elf.EM_SPARC); err == nil {
		t.Error("archFromMachine(EM_SPARC) did not fail")
	}
}
