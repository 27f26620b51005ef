package libc

import (
	"github.com/haloarch/gasan/internal/emulator"
	"github.com/haloarch/gasan/internal/sanitizer"
	"github.com/haloarch/gasan/internal/stubs"
)

func init() {
	stubs.RegisterFunc("libc", "memcpy", stubMemcpy)
	stubs.RegisterFunc("libc", "memset", stubMemset)
	stubs.RegisterFunc("libc", "memmove", stubMemmove)
}

// instrumentCopy checks a size-byte read at src and a size-byte write at
// dest against the bound session's shadow map before the raw copy runs,
// halting the guest if either range is poisoned. With no session attached,
// there is nothing to check and the copy proceeds unconditionally.
func instrumentCopy(emu *emulator.Emulator, dest, src, size uint64) bool {
	s := sanitizer.SessionFor(emu)
	if s == nil {
		return true
	}
	if !s.CheckAndReport(s.Checker.CheckReadN(emu.PC(), src, size)) {
		return false
	}
	if !s.CheckAndReport(s.Checker.CheckWriteN(emu.PC(), dest, size)) {
		return false
	}
	return true
}

func instrumentFill(emu *emulator.Emulator, dest, size uint64) bool {
	s := sanitizer.SessionFor(emu)
	if s == nil {
		return true
	}
	return s.CheckAndReport(s.Checker.CheckWriteN(emu.PC(), dest, size))
}

func stubMemcpy(emu *emulator.Emulator) bool {
	dest := emu.X(0)
	src := emu.X(1)
	n := emu.X(2)

	if !instrumentCopy(emu, dest, src, n) {
		return false
	}

	if n > 0 && n < 0x100000 {
		data, err := emu.MemRead(src, n)
		if err == nil {
			emu.MemWrite(dest, data)
		}
	}

	stubs.DefaultRegistry.Log("libc", "memcpy", formatMemop(dest, src, n))
	emu.SetX(0, dest)
	stubs.ReturnFromStub(emu)
	return false
}

func stubMemset(emu *emulator.Emulator) bool {
	dest := emu.X(0)
	c := byte(emu.X(1) & 0xFF)
	n := emu.X(2)

	if !instrumentFill(emu, dest, n) {
		return false
	}

	if n > 0 && n < 0x100000 {
		data := make([]byte, n)
		for i := range data {
			data[i] = c
		}
		emu.MemWrite(dest, data)
	}

	stubs.DefaultRegistry.Log("libc", "memset", stubs.FormatPtrPair("dest", dest, "c", uint64(c)))
	emu.SetX(0, dest)
	stubs.ReturnFromStub(emu)
	return false
}

func stubMemmove(emu *emulator.Emulator) bool {
	dest := emu.X(0)
	src := emu.X(1)
	n := emu.X(2)

	if !instrumentCopy(emu, dest, src, n) {
		return false
	}

	if n > 0 && n < 0x100000 {
		data, err := emu.MemRead(src, n)
		if err == nil {
			emu.MemWrite(dest, data)
		}
	}

	stubs.DefaultRegistry.Log("libc", "memmove", formatMemop(dest, src, n))
	emu.SetX(0, dest)
	stubs.ReturnFromStub(emu)
	return false
}

func formatMemop(dest, src, n uint64) string {
	return "dst=" + stubs.FormatHex(dest) + " src=" + stubs.FormatHex(src) + " n=" + stubs.FormatHex(n)
}
