package sanitizer

import (
	"sync"

	"github.com/google/btree"
)

// Chunk records one allocation's lifetime. Start/End form a half-open
// interval [Start, End). AllocCtx and FreeCtx are immutable once set: the
// allocation context never changes, and the free context is written exactly
// once when the chunk transitions to freed.
type Chunk struct {
	Start    uint64
	End      uint64
	AllocCtx CallContext
	FreeCtx  CallContext
	Freed    bool
}

// Size returns the chunk's usable byte count.
func (c *Chunk) Size() uint64 { return c.End - c.Start }

// Contains reports whether addr falls in [Start, End).
func (c *Chunk) Contains(addr uint64) bool {
	return addr >= c.Start && addr < c.End
}

// chunkItem adapts *Chunk to btree.Item, ordering by Start. Live and
// quarantined chunk intervals are pairwise disjoint by construction (the
// bump allocator never reuses a freed chunk's address range while that
// chunk is still registered), so ordering by Start alone is enough to find
// the chunk covering a given address via a predecessor lookup - no
// "maximum end in subtree" augmentation is needed.
type chunkItem struct{ *Chunk }

func (a chunkItem) Less(than btree.Item) bool {
	return a.Start < than.(chunkItem).Start
}

// AllocRegistry is the C2 component: an interval-keyed index of every
// live and quarantined chunk, used both to resolve "which allocation does
// this address belong to" during access checks and to answer
// malloc/free-notification fake syscalls.
type AllocRegistry struct {
	mu          sync.Mutex
	tree        *btree.BTree
	quarantine  []*Chunk // FIFO order of freed chunks still registered
	quarantineN int      // max quarantined chunks kept; 0 = unbounded
}

// NewAllocRegistry creates an empty registry. quarantineBound bounds the
// number of freed chunks kept registered (so a use-after-free report can
// still name them); evicting a chunk leaves its shadow poisoning as it is.
// 0 means unbounded, matching the reference
// implementation's default when no bound is configured.
func NewAllocRegistry(quarantineBound int) *AllocRegistry {
	return &AllocRegistry{
		tree:        btree.New(32),
		quarantineN: quarantineBound,
	}
}

// Insert registers a newly allocated chunk.
func (r *AllocRegistry) Insert(c *Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tree.ReplaceOrInsert(chunkItem{c})
}

// Search returns the chunk whose interval contains addr, if any.
func (r *AllocRegistry) Search(addr uint64) (*Chunk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.searchLocked(addr)
}

func (r *AllocRegistry) searchLocked(addr uint64) (*Chunk, bool) {
	var found *Chunk
	r.tree.DescendLessOrEqual(chunkItem{&Chunk{Start: addr}}, func(it btree.Item) bool {
		c := it.(chunkItem).Chunk
		if c.Contains(addr) {
			found = c
		}
		return false // only need the first (closest) predecessor
	})
	return found, found != nil
}

// MarkFreed transitions the live chunk starting exactly at addr to freed,
// recording freeCtx and moving it into the quarantine FIFO. Returns the
// chunk and true on success; false if no live chunk starts at addr (a
// double-free or a free() of a non-malloc'd pointer).
func (r *AllocRegistry) MarkFreed(addr uint64, freeCtx CallContext) (*Chunk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item := r.tree.Get(chunkItem{&Chunk{Start: addr}})
	if item == nil {
		return nil, false
	}
	c := item.(chunkItem).Chunk
	if c.Freed {
		return c, false // double free: already quarantined
	}

	c.Freed = true
	c.FreeCtx = freeCtx
	r.quarantine = append(r.quarantine, c)

	if r.quarantineN > 0 {
		for len(r.quarantine) > r.quarantineN {
			evicted := r.quarantine[0]
			r.quarantine = r.quarantine[1:]
			r.tree.Delete(chunkItem{evicted})
		}
	}

	return c, true
}

// Remove deletes a chunk from the registry outright. Not part of the normal
// alloc/free lifecycle; neither the fake-syscall handlers nor Reset call it.
func (r *AllocRegistry) Remove(c *Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tree.Delete(chunkItem{c})
}

// QuarantineLen reports how many freed chunks are currently retained.
func (r *AllocRegistry) QuarantineLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.quarantine)
}

// Len reports the total number of chunks (live + quarantined) tracked.
func (r *AllocRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Len()
}

// Reset clears all registered chunks.
func (r *AllocRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tree = btree.New(32)
	r.quarantine = nil
}
