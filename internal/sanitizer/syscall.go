package sanitizer

import "github.com/haloarch/gasan/internal/emulator"

// FakeSyscallNr is the reserved syscall number the guest runtime uses to
// talk to GAsan. It intentionally collides with no real AArch64 Linux
// syscall (the real table tops out far below this value), so a guest
// binary that never links the GAsan preload shim simply never triggers it.
const FakeSyscallNr = 0xa2a4

// Action selects what the guest is asking GAsan to do. Values match the
// action table a GAsan-aware preload shim (malloc/free wrapper) issues.
type Action uint64

const (
	ActionCheckLoad Action = iota
	ActionCheckStore
	ActionPoison
	ActionUserPoison
	ActionUnpoison
	ActionIsPoison
	ActionAlloc
	ActionDealloc
	ActionEnable
	ActionDisable
	ActionSwapState
)

// svcInsnSize is the width of the AArch64 SVC instruction that triggered
// the trap; the dispatcher must step PC past it itself since, unlike a
// real syscall, nothing in Unicorn advances PC on HOOK_INTR.
const svcInsnSize = 4

// installSyscalls registers the C7 fake-syscall dispatcher. The guest
// issues `svc #0` with the reserved number in X8 (mirroring the real
// syscall-number register), the action selector in X0, and up to three
// parameters in X1-X3. A handled call writes its return value to X0 and
// advances PC past the SVC; anything else is left untouched so a genuine
// guest interrupt (or an SVC from a binary that isn't GAsan-aware) passes
// through unaffected.
func (s *Session) installSyscalls() {
	s.emu.HookInterrupt(func(emu *emulator.Emulator, intno uint32) {
		if emu.X(8) != FakeSyscallNr {
			return
		}

		action := Action(emu.X(0))
		a1, a2, a3 := emu.X(1), emu.X(2), emu.X(3)

		ret := s.dispatch(action, a1, a2, a3)

		emu.SetX(0, ret)
		emu.SetPC(emu.PC() + svcInsnSize)
	})
}

// dispatch executes one fake-syscall action and returns its X0 result.
func (s *Session) dispatch(action Action, a1, a2, a3 uint64) uint64 {
	switch action {
	case ActionCheckLoad:
		if s.State.Enabled() {
			s.handleFinding(s.Checker.CheckReadN(s.emu.PC(), a1, a2))
		}
		return 0
	case ActionCheckStore:
		if s.State.Enabled() {
			s.handleFinding(s.Checker.CheckWriteN(s.emu.PC(), a1, a2))
		}
		return 0
	case ActionPoison:
		s.Shadow.Poison(a1, a2, PoisonTag(a3))
		return 0
	case ActionUserPoison:
		s.Shadow.Poison(a1, a2, User)
		return 0
	case ActionUnpoison:
		s.Shadow.Unpoison(a1, a2)
		return 0
	case ActionIsPoison:
		return boolU64(s.Checker.CheckBySize(0, a1, a2, AccessRead) != nil)
	case ActionAlloc:
		s.insertChunk(a1, a2)
		return 0
	case ActionDealloc:
		s.handleDealloc(a1)
		return 0
	case ActionEnable:
		s.State.Enable()
		return 0
	case ActionDisable:
		s.State.Disable()
		return 0
	case ActionSwapState:
		return boolU64(s.State.Toggle())
	default:
		// An action code no known GAsan protocol version issues: the guest
		// runtime and this dispatcher disagree about the ABI. Fatal, same as
		// any other guest-side contract violation.
		s.handleFinding(&Finding{
			PC:         s.emu.PC(),
			Address:    uint64(action),
			Kind:       AccessRead,
			ForcedKind: KindBadSanitizerRequest,
		})
		return 0
	}
}

func boolU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// insertChunk services an ActionAlloc notification (C2.insert): the guest
// has already carved out [start,end) for the payload, by whatever means its
// own instrumented allocator uses — GAsan never allocates guest addresses
// itself. It poisons the leading and trailing redzones around the payload,
// unpoisons the payload itself, and registers the chunk.
func (s *Session) insertChunk(start, end uint64) {
	redzone := s.redzone
	if redzone == 0 {
		redzone = 16
	}

	if start >= redzone {
		s.Shadow.Poison(start-redzone, redzone, HeapLeftRz)
	}
	s.Shadow.Unpoison(start, end-start)
	s.Shadow.Poison(end, redzone, HeapRightRz)

	s.Registry.Insert(&Chunk{
		Start:    start,
		End:      end,
		AllocCtx: NewCallContext(nil, NextTid()),
	})
}

// handleDealloc services an ActionDealloc notification: addr is the
// pointer the guest is freeing. GAsan poisons the chunk's payload as
// heap-use-after-free (its redzones keep their redzone tags) and quarantines
// it per the registry's configured bound.
func (s *Session) handleDealloc(addr uint64) {
	chunk, ok := s.Registry.MarkFreed(addr, NewCallContext(nil, NextTid()))
	if !ok {
		// Double free, or free() of an address GAsan never saw an Alloc
		// notification for: a bad free, distinct from a use-after-free.
		s.handleFinding(&Finding{
			PC:         s.emu.PC(),
			Address:    addr,
			Size:       0,
			Kind:       AccessWrite,
			ForcedKind: KindBadFree,
			Chunk:      chunk,
		})
		return
	}
	s.Shadow.Poison(chunk.Start, chunk.Size(), HeapFreed)
}
