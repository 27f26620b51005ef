package sanitizer

import "testing"

func TestShadowDefaultValid(t *testing.T) {
	s := NewShadow()
	if tag := s.Get(0x1000); tag != Valid {
		t.Errorf("expected untouched address to read Valid, got %v", tag)
	}
}

func TestShadowPoisonUnpoisonRoundTrip(t *testing.T) {
	s := NewShadow()
	const addr = 0x9000_1000
	const size = 64

	s.Poison(addr, size, HeapRz)
	for i := uint64(0); i < size; i += Granule {
		if tag := s.Get(addr + i); tag != HeapRz {
			t.Errorf("at +%d: expected HeapRz, got %v", i, tag)
		}
	}

	s.Unpoison(addr, size)
	for i := uint64(0); i < size; i += Granule {
		if tag := s.Get(addr + i); tag != Valid {
			t.Errorf("at +%d: expected Valid after unpoison, got %v", i, tag)
		}
	}
}

func TestShadowPartialGranule(t *testing.T) {
	s := NewShadow()
	const base = 0x9000_2000

	// Allocation of 5 usable bytes inside an 8-byte granule: offsets 0-4
	// valid, 5-7 poisoned (redzone tail).
	s.SetGranule(base, Partial5)

	tag := s.Get(base)
	for n := 0; n < 8; n++ {
		want := n < 5
		if got := tag.Addressable(n); got != want {
			t.Errorf("offset %d: Addressable=%v, want %v", n, got, want)
		}
	}
}

func TestShadowNonOverlappingRanges(t *testing.T) {
	s := NewShadow()
	s.Poison(0x9000_0000, 16, HeapLeftRz)
	s.Unpoison(0x9000_0010, 32)
	s.Poison(0x9000_0030, 16, HeapRightRz)

	if tag := s.Get(0x9000_0000); tag != HeapLeftRz {
		t.Errorf("left redzone: got %v", tag)
	}
	if tag := s.Get(0x9000_0010); tag != Valid {
		t.Errorf("usable region: got %v", tag)
	}
	if tag := s.Get(0x9000_0030); tag != HeapRightRz {
		t.Errorf("right redzone: got %v", tag)
	}
}

func TestShadowReset(t *testing.T) {
	s := NewShadow()
	s.Poison(0x1000, 8, User)
	s.Reset()
	if tag := s.Get(0x1000); tag != Valid {
		t.Errorf("expected Valid after Reset, got %v", tag)
	}
}
