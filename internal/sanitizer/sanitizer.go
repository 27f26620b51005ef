package sanitizer

import (
	"github.com/haloarch/gasan/internal/emulator"
	glog "github.com/haloarch/gasan/internal/log"
)

// Session bundles every GAsan component (C1-C5) around one emulator
// instance. Hooks (C6) and the fake-syscall dispatcher (C7) both operate
// through it, so it is the single object cmd/gasan wires up per run.
type Session struct {
	Shadow   *Shadow
	Registry *AllocRegistry
	Checker  *Checker
	State    *State
	Reporter *Reporter

	emu     *emulator.Emulator
	logger  *glog.Logger
	stopped bool
	redzone uint64
}

// NewSession creates a GAsan session bound to emu. quarantineBound is
// forwarded to the allocation registry (0 = unbounded). sinkPath is where
// violation reports are appended; empty disables file reporting (the
// violation is still logged and still halts the run).
func NewSession(emu *emulator.Emulator, quarantineBound int, sinkPath string, logger *glog.Logger) *Session {
	shadow := NewShadow()
	registry := NewAllocRegistry(quarantineBound)
	s := &Session{
		Shadow:   shadow,
		Registry: registry,
		Checker:  NewChecker(shadow, registry),
		State:    NewState(),
		Reporter: NewReporter(sinkPath, logger),
		emu:      emu,
		logger:   logger,
		redzone:  16,
	}
	s.installHooks()
	s.installSyscalls()
	Bind(emu, s)
	return s
}

// Stopped reports whether a violation has already halted this session.
func (s *Session) Stopped() bool { return s.stopped }

// Reset restores the session for a fresh fuzzing iteration: the allocation
// registry (C2) is cleared and the shadow map (C1) is dropped back to its
// all-valid baseline, per the C5 lifecycle contract. Enable/disable state
// and the instrumentation filter are left untouched, since those are run
// configuration rather than per-iteration address-space state.
func (s *Session) Reset() {
	s.Registry.Reset()
	s.Shadow.Reset()
	s.stopped = false
}

// SetRedzoneSize overrides the per-side redzone width used by future
// allocations serviced through the fake-syscall ActionAlloc path. Must be
// called before the guest makes its first allocation request to take
// effect for that allocation.
func (s *Session) SetRedzoneSize(n uint64) {
	if n > 0 {
		s.redzone = n
	}
}

// handleFinding turns a checker Finding into a recorded Violation and stops
// the emulator. Called from both the memory-access hooks (C6) and the
// libc-level instrumentation (memcpy/memset/memmove and friends).
func (s *Session) handleFinding(f *Finding) {
	if f == nil || s.stopped {
		return
	}
	code, _ := s.emu.MemRead(f.PC, 4)
	if _, err := s.Reporter.Report(f, code); err != nil && s.logger != nil {
		s.logger.Warn("failed to write violation report", glog.Fn("report"))
	}
	s.stopped = true
	s.emu.Stop()
}
