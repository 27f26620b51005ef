package sanitizer

// Granule is the byte-granularity unit the shadow map tracks. Every 8
// consecutive guest bytes share one PoisonTag, mirroring the redzone
// granularity compilers emit ASan instrumentation for.
const Granule = 8

const (
	granuleShift = 3    // log2(Granule)
	pageGranules = 8192 // granules per shadow page (64KB of guest address space)
	pageMask     = pageGranules - 1
)

type shadowPage [pageGranules]PoisonTag

// Shadow is a lazily-paged byte-granularity poison map covering the full
// 64-bit guest address space. Pages are allocated on first touch so that an
// emulator session that only ever pokes a few heap chunks doesn't pay for a
// flat table sized to the whole address space.
type Shadow struct {
	pages map[uint64]*shadowPage
}

// NewShadow creates an empty shadow map. Every address starts Valid; callers
// poison ranges explicitly as allocations, redzones, or frees are recorded.
func NewShadow() *Shadow {
	return &Shadow{pages: make(map[uint64]*shadowPage)}
}

func (s *Shadow) pageFor(granuleIdx uint64, create bool) *shadowPage {
	pageIdx := granuleIdx / pageGranules
	p, ok := s.pages[pageIdx]
	if !ok {
		if !create {
			return nil
		}
		p = &shadowPage{}
		s.pages[pageIdx] = p
	}
	return p
}

// Get returns the poison tag covering addr.
func (s *Shadow) Get(addr uint64) PoisonTag {
	granuleIdx := addr >> granuleShift
	p := s.pageFor(granuleIdx, false)
	if p == nil {
		return Valid
	}
	return p[granuleIdx&pageMask]
}

// SetGranule sets the tag for the single granule containing addr.
func (s *Shadow) SetGranule(addr uint64, tag PoisonTag) {
	granuleIdx := addr >> granuleShift
	p := s.pageFor(granuleIdx, tag != Valid)
	if p == nil {
		return // already Valid, nothing to store
	}
	p[granuleIdx&pageMask] = tag
}

// Poison marks [addr, addr+size) with tag. Whole granules inside the range
// get tag directly. A granule the range starts partway through keeps its
// valid prefix up to the range start as a Partial tag; a granule the range
// ends partway through is poisoned whole, since a Partial tag can only
// describe a valid prefix. A partly covered granule that already carries a
// reason tag keeps that tag.
func (s *Shadow) Poison(addr, size uint64, tag PoisonTag) {
	if size == 0 {
		return
	}
	end := addr + size
	granuleStart := addr &^ (Granule - 1)
	for g := granuleStart; g < end; g += Granule {
		switch {
		case addr <= g && end >= g+Granule:
			// Granule fully inside the poisoned range.
			s.SetGranule(g, tag)
		default:
			// Partial overlap at the start or end of the range: only poison
			// the bytes that actually fall inside [addr, end).
			lo := 0
			if addr > g {
				lo = int(addr - g)
			}
			hi := Granule
			if end < g+Granule {
				hi = int(end - g)
			}
			s.poisonPartialGranule(g, lo, hi, tag)
		}
	}
}

// poisonPartialGranule poisons byte offsets [lo,hi) of the granule at base.
// A granule that already carries a reason tag keeps it. Otherwise, when the
// sub-range starts at offset 0 the whole granule takes tag; when it starts
// at lo > 0 the valid prefix is cut to lo bytes (a shorter existing prefix
// is kept).
func (s *Shadow) poisonPartialGranule(base uint64, lo, hi int, tag PoisonTag) {
	cur := s.Get(base)
	switch {
	case lo == 0 && hi == Granule:
		s.SetGranule(base, tag)
	case cur != Valid && !cur.IsPartial():
		// Already poisoned with a reason tag: the existing tag wins.
	case lo == 0:
		// Poisoning a prefix: nothing before hi remains valid.
		s.SetGranule(base, tag)
	case cur.IsPartial() && int(cur) <= lo:
		// The valid prefix already ends at or before lo.
	default:
		// Poisoning a suffix of an otherwise-valid/partial granule: the
		// valid prefix shrinks to lo bytes.
		s.SetGranule(base, PoisonTag(lo))
	}
}

// Unpoison marks [addr, addr+size) addressable. Granules wholly inside the
// range become Valid; a granule the range ends partway through becomes
// Partial(n) for its n covered bytes; a granule the range starts partway
// through is left unchanged.
func (s *Shadow) Unpoison(addr, size uint64) {
	if size == 0 {
		return
	}
	end := addr + size
	granuleStart := addr &^ (Granule - 1)
	for g := granuleStart; g < end; g += Granule {
		if addr <= g && end >= g+Granule {
			s.SetGranule(g, Valid)
		} else {
			lo := 0
			if addr > g {
				lo = int(addr - g)
			}
			hi := Granule
			if end < g+Granule {
				hi = int(end - g)
			}
			if lo == 0 {
				if hi >= Granule {
					s.SetGranule(g, Valid)
				} else {
					s.SetGranule(g, PoisonTag(hi))
				}
			}
		}
	}
}

// Reset drops all recorded shadow state.
func (s *Shadow) Reset() {
	s.pages = make(map[uint64]*shadowPage)
}
