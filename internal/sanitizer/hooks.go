package sanitizer

import "github.com/haloarch/gasan/internal/emulator"

// installHooks registers the two generic Unicorn memory-access hooks that
// back the C6 component. Unicorn delivers one callback per access with the
// size carried as a runtime parameter rather than exposing ten separate
// fixed-size hook points, so the size switch that a translation-time
// instrumentation pass would normally perform happens once per access, in
// Checker.CheckBySize, which this hook calls.
func (s *Session) installHooks() {
	s.emu.HookMemAccess(func(emu *emulator.Emulator, access emulator.MemAccess, addr uint64, size int, value int64) {
		if s.stopped {
			return
		}

		pc := emu.PC()
		if !s.State.ShouldCheck(pc) {
			return
		}

		kind := AccessRead
		if access == emulator.MemWrite {
			kind = AccessWrite
		}

		finding := s.Checker.CheckBySize(pc, addr, uint64(size), kind)
		s.handleFinding(finding)
	})
}
