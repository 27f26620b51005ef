package sanitizer

import "testing"

func TestSessionResetClearsRegistryAndShadow(t *testing.T) {
	s := newTestSession(t)

	start := uint64(0x9000_6000)
	s.dispatch(ActionAlloc, start, start+16, 0)
	if s.Registry.Len() == 0 {
		t.Fatalf("expected the allocation to be registered")
	}

	s.Reset()

	if s.Registry.Len() != 0 {
		t.Errorf("expected Reset to clear the registry, got %d chunks", s.Registry.Len())
	}
	if s.dispatch(ActionIsPoison, start, 1, 0) != 0 {
		t.Errorf("expected Reset to restore the shadow map to an all-valid baseline")
	}
}

func TestSessionResetAllowsResumingAfterStop(t *testing.T) {
	s := newTestSession(t)

	s.dispatch(ActionDealloc, 0x1234, 0, 0) // bad free: halts the session
	if !s.Stopped() {
		t.Fatalf("expected bad free to stop the session")
	}

	s.Reset()
	if s.Stopped() {
		t.Errorf("expected Reset to clear the stopped flag")
	}
}

func TestRuntimeBindAndSessionFor(t *testing.T) {
	s := newTestSession(t)

	if got := SessionFor(s.emu); got != s {
		t.Fatalf("expected SessionFor to recover the bound session")
	}

	Unbind(s.emu)
	if got := SessionFor(s.emu); got != nil {
		t.Errorf("expected Unbind to remove the session, got %v", got)
	}
}

func TestSessionAllocDeallocWrappers(t *testing.T) {
	s := newTestSession(t)

	ptr := s.Alloc(32)
	if ptr == 0 {
		t.Fatalf("expected a non-zero allocation")
	}
	if _, ok := s.Registry.Search(ptr); !ok {
		t.Fatalf("expected Alloc to register a chunk")
	}

	s.Dealloc(ptr)
	chunk, ok := s.Registry.Search(ptr)
	if !ok || !chunk.Freed {
		t.Errorf("expected the freed chunk to remain in quarantine, marked freed")
	}

	// Dealloc(0) must be a no-op (mirrors free(NULL)).
	s.Dealloc(0)
	if s.Stopped() {
		t.Errorf("Dealloc(0) must not be treated as a bad free")
	}
}
