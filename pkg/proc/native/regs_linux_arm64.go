package native

import sys "golang.org/x/sys/unix"

func stackPointer(regs *sys.PtraceRegs) uint64 { return regs.Sp }
