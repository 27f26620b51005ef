package sanitizer

import (
	"sync"

	"github.com/haloarch/gasan/internal/emulator"
)

// sessions maps a running emulator to the GAsan session bound to it. The
// libc stub layer looks itself up this way rather than threading a Session
// through every stub signature, which has to match emulator.HookFunc.
var (
	sessionsMu sync.Mutex
	sessions   = map[*emulator.Emulator]*Session{}
)

// Bind records s as the active session for emu, so stub hooks running under
// emu can recover it via SessionFor.
func Bind(emu *emulator.Emulator, s *Session) {
	sessionsMu.Lock()
	defer sessionsMu.Unlock()
	sessions[emu] = s
}

// Unbind forgets the session associated with emu.
func Unbind(emu *emulator.Emulator) {
	sessionsMu.Lock()
	defer sessionsMu.Unlock()
	delete(sessions, emu)
}

// SessionFor returns the GAsan session bound to emu, or nil if none was
// registered (e.g. the binary was run without the sanitizer attached).
func SessionFor(emu *emulator.Emulator) *Session {
	sessionsMu.Lock()
	defer sessionsMu.Unlock()
	return sessions[emu]
}

// Alloc services a guest malloc()-family call that GAsan's own libc stub
// intercepts instead of emulating instruction-by-instruction. Unlike the
// ActionAlloc fake syscall (which registers an interval the guest's own
// allocator already carved out), here GAsan must do the bump-allocation
// itself before registering the resulting chunk — this is the one place in
// the sanitizer that plays allocator, and only because the stub replaces
// the guest's allocator call entirely rather than letting it run.
func (s *Session) Alloc(size uint64) uint64 {
	redzone := s.redzone
	if redzone == 0 {
		redzone = 16
	}

	total := redzone + size + redzone
	base := s.emu.Malloc(total)
	start := base + redzone

	s.insertChunk(start, start+size)
	return start
}

// Dealloc services a guest free() request the same way an ActionDealloc
// fake-syscall would.
func (s *Session) Dealloc(addr uint64) {
	if addr == 0 {
		return
	}
	s.handleDealloc(addr)
}

// CheckAndReport runs f (typically Checker.CheckReadN/CheckWriteN) and, if
// it reports a violation, routes it through the session's reporter and
// halts the emulator exactly like a memory-access hook violation would.
// Returns true if the access was clean and the caller should proceed.
func (s *Session) CheckAndReport(f *Finding) bool {
	if f == nil {
		return true
	}
	s.handleFinding(f)
	return false
}
