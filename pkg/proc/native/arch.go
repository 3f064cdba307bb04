// Package native implements a proc.Backend that controls processes with
// ptrace(2) on Linux.
package native

import (
	"debug/elf"
	"fmt"
	"runtime"
)

var breakInstructions = map[string][]byte{
	"386":     {0xCC},
	"amd64":   {0xCC},
	"arm":     {0xf0, 0x01, 0xf0, 0xe7},
	"arm64":   {0x0, 0x0, 0x20, 0xd4},
	"loong64": {0x00, 0x00, 0x2a, 0x00},
	"ppc64le": {0x08, 0x00, 0xe0, 0x7f},
	"riscv64": {0x73, 0x00, 0x10, 0x00},
}

// trapOpcode is the trap instruction of the architecture we run on, the
// native backend only debugs processes of its own architecture.
var trapOpcode = breakInstructions[runtime.GOARCH]

// trapAdvancesPC is true on architectures where a thread stopped by a trap
// has its PC after the trap instruction.
var trapAdvancesPC = runtime.GOARCH == "386" || runtime.GOARCH == "amd64"

// archFromMachine maps an ELF machine to a GOARCH name.
func archFromMachine(m elf.Machine) (string, error) {
	switch m {
	case elf.EM_386:
		return "386", nil
	case elf.EM_X86_64:
		return "amd64", nil
	case elf.EM_ARM:
		return "arm", nil
	case elf.EM_AARCH64:
		return "arm64", nil
	case elf.EM_LOONGARCH:
		return "loong64", nil
	case elf.EM_PPC64:
		return "ppc64le", nil
	case elf.EM_RISCV:
		return "riscv64", nil
	}
	return "", fmt.Errorf("unsupported machine %v", m)
}
