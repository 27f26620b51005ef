package sanitizer

import "testing"

func TestAllocRegistrySearch(t *testing.T) {
	r := NewAllocRegistry(0)
	c := &Chunk{Start: 0x9000_0000, End: 0x9000_0040, AllocCtx: NewCallContext(nil, 1)}
	r.Insert(c)

	if got, ok := r.Search(0x9000_0000); !ok || got != c {
		t.Fatalf("expected to find chunk at its start")
	}
	if got, ok := r.Search(0x9000_003f); !ok || got != c {
		t.Fatalf("expected to find chunk at its last byte")
	}
	if _, ok := r.Search(0x9000_0040); ok {
		t.Fatalf("end is exclusive, should not match")
	}
	if _, ok := r.Search(0x1234); ok {
		t.Fatalf("unrelated address should not match")
	}
}

func TestAllocRegistryDisjointChunks(t *testing.T) {
	r := NewAllocRegistry(0)
	a := &Chunk{Start: 0x1000, End: 0x1010}
	b := &Chunk{Start: 0x1010, End: 0x1020}
	c := &Chunk{Start: 0x2000, End: 0x2100}
	r.Insert(a)
	r.Insert(b)
	r.Insert(c)

	if got, _ := r.Search(0x100f); got != a {
		t.Errorf("expected chunk a at 0x100f")
	}
	if got, _ := r.Search(0x1010); got != b {
		t.Errorf("expected chunk b at 0x1010")
	}
	if got, _ := r.Search(0x2050); got != c {
		t.Errorf("expected chunk c at 0x2050")
	}
}

func TestAllocRegistryMarkFreed(t *testing.T) {
	r := NewAllocRegistry(0)
	c := &Chunk{Start: 0x3000, End: 0x3010}
	r.Insert(c)

	freed, ok := r.MarkFreed(0x3000, NewCallContext(nil, 2))
	if !ok {
		t.Fatalf("expected first free to succeed")
	}
	if !freed.Freed {
		t.Errorf("expected chunk to be marked freed")
	}
	if r.QuarantineLen() != 1 {
		t.Errorf("expected quarantine length 1, got %d", r.QuarantineLen())
	}

	// Double free.
	if _, ok := r.MarkFreed(0x3000, NewCallContext(nil, 3)); ok {
		t.Errorf("expected double free to be rejected")
	}
}

func TestAllocRegistryMarkFreedUnknownAddress(t *testing.T) {
	r := NewAllocRegistry(0)
	if _, ok := r.MarkFreed(0xdead, NewCallContext(nil, 1)); ok {
		t.Errorf("expected free of unknown address to fail")
	}
}

func TestAllocRegistryQuarantineBound(t *testing.T) {
	r := NewAllocRegistry(2)
	chunks := []*Chunk{
		{Start: 0x100, End: 0x110},
		{Start: 0x200, End: 0x210},
		{Start: 0x300, End: 0x310},
	}
	for _, c := range chunks {
		r.Insert(c)
	}
	for _, c := range chunks {
		r.MarkFreed(c.Start, NewCallContext(nil, 1))
	}

	if r.QuarantineLen() != 2 {
		t.Fatalf("expected quarantine bounded to 2, got %d", r.QuarantineLen())
	}
	// The oldest (0x100) should have been evicted from the tree entirely.
	if _, ok := r.Search(0x100); ok {
		t.Errorf("expected oldest quarantined chunk to be evicted")
	}
	if _, ok := r.Search(0x300); !ok {
		t.Errorf("expected newest quarantined chunk to remain")
	}
}
