package proc

import (
	"fmt"
	"sync/atomic"
)

// ModificationID counts the stops, resumes and memory writes of a process.
// Comparing two snapshots tells whether the process ran, or its memory
// changed, in between.
type ModificationID struct {
	stop   atomic.Uint32
	resume atomic.Uint32
	memory atomic.Uint32
}

func (m *ModificationID) bumpStop() uint32   { return m.stop.Add(1) }
func (m *ModificationID) bumpResume() uint32 { return m.resume.Add(1) }
func (m *ModificationID) bumpMemory() uint32 { return m.memory.Add(1) }

// StopID returns the stop generation.
func (m *ModificationID) StopID() uint32 { return m.stop.Load() }

// ResumeID returns the resume generation.
func (m *ModificationID) ResumeID() uint32 { return m.resume.Load() }

// MemoryID returns the memory generation.
func (m *ModificationID) MemoryID() uint32 { return m.memory.Load() }

func (m *ModificationID) String() string {
	return fmt.Sprintf("stop=%d resume=%d memory=%d", m.StopID(), m.ResumeID(), m.MemoryID())
}

// ResumeLock is held while the process is free to run. It is taken, without
// blocking, by a resume request and released when the process is seen
// stopping or detaching.
type ResumeLock struct {
	held atomic.Bool
}

// TryAcquire takes the lock, returning false if it is already held.
func (l *ResumeLock) TryAcquire() bool {
	return l.held.CompareAndSwap(false, true)
}

// Release frees the lock. Releasing a free lock is a no-op.
func (l *ResumeLock) Release() {
	l.held.Store(false)
}

// Held returns true if the lock is taken.
func (l *ResumeLock) Held() bool {
	return l.held.Load()
}
