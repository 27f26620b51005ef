package inspector

import "testing"

const sampleReport = `== GASAN: heap-buffer-overflow ==
run:    abc-123
time:   2026-01-01T00:00:00Z
heap-buffer-overflow of size 4 at 0x90000010
pc:     0x1000
chunk:  [0x90000000, 0x90000010) freed=false
alloc: tid=1
==
== GASAN: heap-use-after-free ==
run:    abc-123
time:   2026-01-01T00:00:01Z
heap-use-after-free of size 8 at 0x90001000
pc:     0x2000
chunk:  [0x90001000, 0x90001020) freed=true
alloc: tid=1
free: tid=1
==
`

func TestParseReportSplitsEntries(t *testing.T) {
	entries := parseReport([]byte(sampleReport))
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].headline != "heap-buffer-overflow" {
		t.Errorf("entry 0 headline = %q", entries[0].headline)
	}
	if entries[1].headline != "heap-use-after-free" {
		t.Errorf("entry 1 headline = %q", entries[1].headline)
	}
}

func TestParseReportEmpty(t *testing.T) {
	entries := parseReport([]byte(""))
	if len(entries) != 0 {
		t.Errorf("expected no entries from empty input, got %d", len(entries))
	}
}

func TestEntryDescriptionSkipsHeaderLines(t *testing.T) {
	entries := parseReport([]byte(sampleReport))
	desc := entries[0].Description()
	if desc == "" || desc[:4] != "run:" {
		t.Errorf("expected description to start with run: line, got %q", desc)
	}
}
