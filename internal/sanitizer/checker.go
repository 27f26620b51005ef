package sanitizer

import (
	"fmt"

	"github.com/google/btree"
)

// AccessKind distinguishes a load from a store in a reported violation.
type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
)

func (k AccessKind) String() string {
	if k == AccessWrite {
		return "write"
	}
	return "read"
}

// Checker is the C3 component: it answers "is this guest access valid" by
// consulting the shadow map byte-by-byte and, on a hit, enriches the
// finding with whatever chunk the allocation registry can attribute it to.
type Checker struct {
	Shadow   *Shadow
	Registry *AllocRegistry
}

// NewChecker wires a checker to a shadow map and allocation registry. Both
// must share the same underlying sanitizer session.
func NewChecker(shadow *Shadow, registry *AllocRegistry) *Checker {
	return &Checker{Shadow: shadow, Registry: registry}
}

// checkAccess is the size-agnostic core used by every fixed-size and the
// N-byte entry points. It never branches on kind beyond what's needed to
// stamp the result, so CheckReadN and CheckWriteN are true siblings rather
// than one calling the other.
func (c *Checker) checkAccess(pc, addr, size uint64, kind AccessKind) *Finding {
	for i := uint64(0); i < size; i++ {
		a := addr + i
		tag := c.Shadow.Get(a)
		if tag.Addressable(int(a % Granule)) {
			continue
		}
		return c.buildFinding(pc, addr, size, a, tag, kind)
	}
	return nil
}

func (c *Checker) buildFinding(pc, addr, size, faultAddr uint64, tag PoisonTag, kind AccessKind) *Finding {
	f := &Finding{
		PC:        pc,
		Address:   addr,
		FaultAddr: faultAddr,
		Size:      size,
		Kind:      kind,
		Tag:       tag,
	}
	if chunk, ok := c.Registry.Search(faultAddr); ok {
		f.Chunk = chunk
	} else if near, ok := c.nearestChunk(faultAddr); ok {
		f.NearestChunk = near
	}
	return f
}

// nearestChunk finds the closest registered chunk below faultAddr, used to
// describe overflow distance ("N bytes after a M-byte region") when the
// faulting address isn't inside any tracked interval.
func (c *Checker) nearestChunk(addr uint64) (*Chunk, bool) {
	r := c.Registry
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *Chunk
	r.tree.DescendLessOrEqual(chunkItem{&Chunk{Start: addr}}, func(it btree.Item) bool {
		found = it.(chunkItem).Chunk
		return false
	})
	return found, found != nil
}

// CheckRead1 through CheckRead8 and CheckReadN validate a load of the named
// width starting at addr. pc is the faulting instruction's address, used
// only for reporting.
func (c *Checker) CheckRead1(pc, addr uint64) *Finding { return c.checkAccess(pc, addr, 1, AccessRead) }
func (c *Checker) CheckRead2(pc, addr uint64) *Finding { return c.checkAccess(pc, addr, 2, AccessRead) }
func (c *Checker) CheckRead4(pc, addr uint64) *Finding { return c.checkAccess(pc, addr, 4, AccessRead) }
func (c *Checker) CheckRead8(pc, addr uint64) *Finding { return c.checkAccess(pc, addr, 8, AccessRead) }

// CheckReadN validates an N-byte load. Kept as its own entry point (rather
// than a thin wrapper reused by the write side) precisely because a past
// implementation of this protocol conflated the two: its N-byte store path
// called the load checker instead of a store checker, silently validating
// writes against read semantics. CheckWriteN below has an independent body.
func (c *Checker) CheckReadN(pc, addr, size uint64) *Finding {
	return c.checkAccess(pc, addr, size, AccessRead)
}

// CheckWrite1 through CheckWrite8 and CheckWriteN validate a store of the
// named width starting at addr.
func (c *Checker) CheckWrite1(pc, addr uint64) *Finding {
	return c.checkAccess(pc, addr, 1, AccessWrite)
}
func (c *Checker) CheckWrite2(pc, addr uint64) *Finding {
	return c.checkAccess(pc, addr, 2, AccessWrite)
}
func (c *Checker) CheckWrite4(pc, addr uint64) *Finding {
	return c.checkAccess(pc, addr, 4, AccessWrite)
}
func (c *Checker) CheckWrite8(pc, addr uint64) *Finding {
	return c.checkAccess(pc, addr, 8, AccessWrite)
}

// CheckWriteN validates an N-byte store. Deliberately its own body (see
// CheckReadN's comment) so a write path can never silently degrade into a
// read check.
func (c *Checker) CheckWriteN(pc, addr, size uint64) *Finding {
	return c.checkAccess(pc, addr, size, AccessWrite)
}

// CheckBySize checks an access whose width is only known at runtime (such
// as the generic Unicorn memory hook's). Sizes 1, 2, 4 and 8 go straight to
// the shared checkAccess core; any other size goes through CheckReadN or
// CheckWriteN.
func (c *Checker) CheckBySize(pc, addr, size uint64, kind AccessKind) *Finding {
	switch size {
	case 1, 2, 4, 8:
		return c.checkAccess(pc, addr, size, kind)
	default:
		if kind == AccessWrite {
			return c.CheckWriteN(pc, addr, size)
		}
		return c.CheckReadN(pc, addr, size)
	}
}

// Finding is the C3 output consumed by the reporter (C4). It is not yet a
// fatal Violation: the caller decides whether findings are reported and
// whether reporting a finding terminates the run.
type Finding struct {
	PC           uint64
	Address      uint64 // first byte of the access
	FaultAddr    uint64 // first byte that was actually invalid
	Size         uint64
	Kind         AccessKind
	Tag          PoisonTag
	Chunk        *Chunk // set if FaultAddr falls inside a tracked chunk
	NearestChunk *Chunk // set otherwise, if a chunk precedes FaultAddr

	// OutOfRange marks a finding produced because the guest address could
	// not be translated at all (no mapped emulator region backs it),
	// rather than because the shadow map poisoned it. Nothing in the checker
	// or the hooks sets it; Finding.String renders it as "address not mapped".
	OutOfRange bool

	// ForcedKind overrides classify(Tag) for findings that aren't shadow-check
	// failures at all (bad free, bad sanitizer request): when set, the
	// reporter uses it verbatim instead of deriving a Kind from Tag.
	ForcedKind Kind
}

func (f *Finding) String() string {
	if f.OutOfRange {
		return fmt.Sprintf("%s of size %d at 0x%x (address not mapped)", f.Kind, f.Size, f.Address)
	}
	return fmt.Sprintf("%s of size %d at 0x%x (fault at 0x%x, tag=%s)",
		f.Kind, f.Size, f.Address, f.FaultAddr, f.Tag)
}
