// Package proc is a low-level package that supervises the process we are
// debugging.
//
// proc implements the control core of the debugger:
// * launching / attaching to a process, detaching and destroying it
// * the private and public execution state of the process and the
//   background control loop that turns the first into the second
// * process manipulation (resume, halt, running a thread plan to completion)
// * breakpoint sites and breakpoint aware memory access
//
// Operating system specific work is delegated to a Backend, see
// pkg/proc/native for the ptrace implementation.
package proc
