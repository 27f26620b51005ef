// Package libc provides stub implementations for libc memory functions.
package libc

import (
	"github.com/haloarch/gasan/internal/emulator"
	"github.com/haloarch/gasan/internal/sanitizer"
	"github.com/haloarch/gasan/internal/stubs"
)

func init() {
	stubs.Register(stubs.StubDef{Name: "malloc", Hook: stubMalloc, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "calloc", Hook: stubCalloc, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "realloc", Hook: stubRealloc, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "free", Hook: stubFree, Category: "libc"})

	// Memory info
	stubs.Register(stubs.StubDef{Name: "getpagesize", Hook: stubGetPageSize, Category: "libc"})

	// C++ operator new/delete
	stubs.Register(stubs.StubDef{
		Name:     "_Znwm",
		Aliases:  []string{"_Znam", "_ZnwmSt11align_val_t", "_ZnamSt11align_val_t"},
		Hook:     stubNew,
		Category: "libc",
	})
	stubs.Register(stubs.StubDef{
		Name:     "_ZdlPv",
		Aliases:  []string{"_ZdaPv", "_ZdlPvm", "_ZdaPvm"},
		Hook:     stubDelete,
		Category: "libc",
	})
}

// alloc routes an allocation request through the bound GAsan session when
// one is attached to emu, falling back to a plain bump allocation
// otherwise (so the libc stubs still work when run without the sanitizer).
func alloc(emu *emulator.Emulator, size uint64) uint64 {
	if size == 0 {
		size = 16
	}
	if s := sanitizer.SessionFor(emu); s != nil {
		return s.Alloc(size)
	}

	size = (size + 15) &^ 15
	ptr := emu.Malloc(size)
	zeros := make([]byte, min(size, 4096))
	emu.MemWrite(ptr, zeros)
	return ptr
}

func dealloc(emu *emulator.Emulator, ptr uint64) {
	if s := sanitizer.SessionFor(emu); s != nil {
		s.Dealloc(ptr)
	}
}

func stubMalloc(emu *emulator.Emulator) bool {
	size := emu.X(0)
	ptr := alloc(emu, size)

	stubs.DefaultRegistry.Log("libc", "malloc", stubs.FormatPtrPair("size", size, "->", ptr))
	emu.SetX(0, ptr)
	stubs.ReturnFromStub(emu)
	return false
}

func stubCalloc(emu *emulator.Emulator) bool {
	count := emu.X(0)
	size := emu.X(1)
	total := count * size
	ptr := alloc(emu, total)

	stubs.DefaultRegistry.Log("libc", "calloc", stubs.FormatPtrPair("total", total, "->", ptr))
	emu.SetX(0, ptr)
	stubs.ReturnFromStub(emu)
	return false
}

func stubRealloc(emu *emulator.Emulator) bool {
	old := emu.X(0)
	size := emu.X(1)

	dealloc(emu, old)
	ptr := alloc(emu, size)

	stubs.DefaultRegistry.Log("libc", "realloc", stubs.FormatPtrPair("size", size, "->", ptr))
	emu.SetX(0, ptr)
	stubs.ReturnFromStub(emu)
	return false
}

func stubFree(emu *emulator.Emulator) bool {
	ptr := emu.X(0)
	dealloc(emu, ptr)

	stubs.DefaultRegistry.Log("libc", "free", stubs.FormatPtr("ptr", ptr))
	stubs.ReturnFromStub(emu)
	return false
}

func stubNew(emu *emulator.Emulator) bool {
	size := emu.X(0)
	ptr := alloc(emu, size)

	stubs.DefaultRegistry.Log("libc", "new", stubs.FormatPtrPair("size", size, "->", ptr))
	emu.SetX(0, ptr)
	stubs.ReturnFromStub(emu)
	return false
}

func stubDelete(emu *emulator.Emulator) bool {
	ptr := emu.X(0)
	dealloc(emu, ptr)

	stubs.DefaultRegistry.Log("libc", "delete", stubs.FormatPtr("ptr", ptr))
	stubs.ReturnFromStub(emu)
	return false
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func stubGetPageSize(emu *emulator.Emulator) bool {
	stubs.DefaultRegistry.Log("libc", "getpagesize", "-> 4096")
	emu.SetX(0, 4096)
	stubs.ReturnFromStub(emu)
	return false
}
