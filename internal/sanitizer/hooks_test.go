package sanitizer

import (
	"testing"

	"github.com/haloarch/gasan/internal/emulator"
)

// strX1X0 encodes "STR X1, [X0]" (64-bit, no offset): a single guest store
// instruction used to drive the C6 memory-access hook end to end.
var strX1X0 = []byte{0x01, 0x00, 0x00, 0xf9}

func TestHookCatchesPoisonedStore(t *testing.T) {
	emu, err := emulator.New()
	if err != nil {
		t.Fatalf("failed to create emulator: %v", err)
	}
	defer emu.Close()

	s := NewSession(emu, 0, "", nil)

	addr := emu.Malloc(16)
	s.Shadow.Poison(addr, 16, HeapRz)

	if err := emu.LoadCode(strX1X0); err != nil {
		t.Fatalf("failed to load code: %v", err)
	}
	if err := emu.SetX(0, addr); err != nil {
		t.Fatalf("failed to set X0: %v", err)
	}
	if err := emu.SetX(1, 0x2a); err != nil {
		t.Fatalf("failed to set X1: %v", err)
	}
	if err := emu.SetLR(0xDEADBEEF); err != nil {
		t.Fatalf("failed to set LR: %v", err)
	}

	endAddr := emulator.CodeBase + uint64(len(strX1X0))
	_ = emu.Run(emulator.CodeBase, endAddr)

	if !s.Stopped() {
		t.Fatalf("expected the poisoned store to halt the session")
	}
}

func TestHookAllowsValidStore(t *testing.T) {
	emu, err := emulator.New()
	if err != nil {
		t.Fatalf("failed to create emulator: %v", err)
	}
	defer emu.Close()

	s := NewSession(emu, 0, "", nil)

	addr := emu.Malloc(16)
	s.Shadow.Unpoison(addr, 16)

	if err := emu.LoadCode(strX1X0); err != nil {
		t.Fatalf("failed to load code: %v", err)
	}
	if err := emu.SetX(0, addr); err != nil {
		t.Fatalf("failed to set X0: %v", err)
	}
	if err := emu.SetX(1, 0x2a); err != nil {
		t.Fatalf("failed to set X1: %v", err)
	}
	if err := emu.SetLR(0xDEADBEEF); err != nil {
		t.Fatalf("failed to set LR: %v", err)
	}

	endAddr := emulator.CodeBase + uint64(len(strX1X0))
	_ = emu.Run(emulator.CodeBase, endAddr)

	if s.Stopped() {
		t.Fatalf("expected a valid store not to halt the session")
	}

	readVal, err := emu.MemReadU64(addr)
	if err != nil {
		t.Fatalf("failed to read back stored value: %v", err)
	}
	if readVal != 0x2a {
		t.Errorf("expected stored value 0x2a, got 0x%x", readVal)
	}
}

func TestHookSkippedWhenDisabled(t *testing.T) {
	emu, err := emulator.New()
	if err != nil {
		t.Fatalf("failed to create emulator: %v", err)
	}
	defer emu.Close()

	s := NewSession(emu, 0, "", nil)
	s.State.Disable()

	addr := emu.Malloc(16)
	s.Shadow.Poison(addr, 16, HeapRz)

	if err := emu.LoadCode(strX1X0); err != nil {
		t.Fatalf("failed to load code: %v", err)
	}
	if err := emu.SetX(0, addr); err != nil {
		t.Fatalf("failed to set X0: %v", err)
	}
	if err := emu.SetX(1, 0x2a); err != nil {
		t.Fatalf("failed to set X1: %v", err)
	}
	if err := emu.SetLR(0xDEADBEEF); err != nil {
		t.Fatalf("failed to set LR: %v", err)
	}

	endAddr := emulator.CodeBase + uint64(len(strX1X0))
	_ = emu.Run(emulator.CodeBase, endAddr)

	if s.Stopped() {
		t.Fatalf("a disabled session must not report poisoned stores")
	}
}
