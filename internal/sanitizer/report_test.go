package sanitizer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReporterWritesSinkFile(t *testing.T) {
	dir := t.TempDir()
	sink := filepath.Join(dir, "report.txt")

	r := NewReporter(sink, nil)
	f := &Finding{
		PC:        0x10000,
		Address:   0x9000_0000,
		FaultAddr: 0x9000_0000,
		Size:      8,
		Kind:      AccessWrite,
		Tag:       HeapFreed,
		Chunk: &Chunk{
			Start:    0x9000_0000,
			End:      0x9000_0020,
			Freed:    true,
			AllocCtx: NewCallContext([]uint64{0x1111}, 1),
			FreeCtx:  NewCallContext([]uint64{0x2222}, 1),
		},
	}

	v, err := r.Report(f, nil)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if v.Kind != KindHeapUseAfterFree {
		t.Errorf("expected KindHeapUseAfterFree, got %v", v.Kind)
	}
	if v.RunID == "" {
		t.Error("expected non-empty run id")
	}

	data, err := os.ReadFile(sink)
	if err != nil {
		t.Fatalf("read sink: %v", err)
	}
	if !strings.Contains(string(data), string(KindHeapUseAfterFree)) {
		t.Errorf("sink content missing violation kind: %s", data)
	}
}

func TestReporterForcedKindOverridesClassify(t *testing.T) {
	r := NewReporter("", nil)

	f := &Finding{
		PC:         0x10000,
		Address:    0x9000_0000,
		Kind:       AccessWrite,
		Tag:        HeapFreed, // would classify as KindHeapUseAfterFree if not overridden
		ForcedKind: KindBadFree,
	}

	v, err := r.Report(f, nil)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if v.Kind != KindBadFree {
		t.Errorf("expected ForcedKind to win, got %v", v.Kind)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		tag  PoisonTag
		kind Kind
	}{
		{HeapRz, KindHeapOverflow},
		{HeapLeftRz, KindHeapOverflow},
		{HeapFreed, KindHeapUseAfterFree},
		{StackRz, KindStackOverflow},
		{StackFreed, KindStackUseAfterRet},
		{GlobalRz, KindGlobalOverflow},
		{User, KindUserPoisoned},
		{Partial3, KindHeapOverflow},
	}
	for _, c := range cases {
		if got := classify(c.tag); got != c.kind {
			t.Errorf("classify(%v) = %v, want %v", c.tag, got, c.kind)
		}
	}
}
