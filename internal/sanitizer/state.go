package sanitizer

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"
)

// FilterMode controls which instructions the runtime instruments.
type FilterMode int

const (
	// FilterAll instruments every memory access (the default).
	FilterAll FilterMode = iota
	// FilterAllowList instruments only addresses present in the allow set.
	FilterAllowList
	// FilterDenyList instruments every address except those in the deny set.
	FilterDenyList
	// FilterScript defers the decision to a user-supplied predicate.
	FilterScript
)

// State is the C5 component: it tracks whether sanitization is currently
// active and, when active, whether a given access site should actually be
// checked. SwapState (the fake-syscall action of the same name) flips the
// single session-wide Enabled flag, so guest code can bracket regions it
// knows are safe (e.g. a memory pool's own internal bookkeeping) by
// toggling sanitization off and back on around them.
type State struct {
	mu      sync.RWMutex
	enabled bool
	mode    FilterMode
	allow   map[uint64]bool
	deny    map[uint64]bool

	vm      *goja.Runtime
	program *goja.Program
}

// NewState creates a State with sanitization enabled and no filtering.
func NewState() *State {
	return &State{
		enabled: true,
		mode:    FilterAll,
		allow:   make(map[uint64]bool),
		deny:    make(map[uint64]bool),
	}
}

// Enable turns the sanitizer on.
func (s *State) Enable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = true
}

// Disable turns the sanitizer off; ShouldCheck always returns false while
// disabled, regardless of filter mode.
func (s *State) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
}

// Toggle flips Enabled and returns the new value, mirroring the guest-side
// SwapState fake-syscall action.
func (s *State) Toggle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = !s.enabled
	return s.enabled
}

// Enabled reports the current on/off state.
func (s *State) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// SetAllowList switches to allow-list filtering over the given PCs.
func (s *State) SetAllowList(pcs []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = FilterAllowList
	s.allow = toSet(pcs)
}

// SetDenyList switches to deny-list filtering over the given PCs.
func (s *State) SetDenyList(pcs []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = FilterDenyList
	s.deny = toSet(pcs)
}

// ClearFilter reverts to checking every access.
func (s *State) ClearFilter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = FilterAll
	s.program = nil
}

// SetScriptFilter compiles src as a JavaScript predicate of the form
// `function instrument(pc) { return true/false; }` and switches to
// script-driven filtering. Each ShouldCheck call re-invokes instrument(pc)
// in the same JavaScript runtime, so global state the script keeps persists
// from one call to the next.
func (s *State) SetScriptFilter(src string) error {
	vm := goja.New()
	prog, err := goja.Compile("filter.js", src, false)
	if err != nil {
		return fmt.Errorf("compile filter script: %w", err)
	}
	if _, err := vm.RunProgram(prog); err != nil {
		return fmt.Errorf("load filter script: %w", err)
	}
	if _, ok := goja.AssertFunction(vm.Get("instrument")); !ok {
		return fmt.Errorf("filter script must define function instrument(pc)")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = FilterScript
	s.vm = vm
	s.program = prog
	return nil
}

// ShouldCheck reports whether the access originating at pc should be
// validated. Disabled sanitizer state always wins; otherwise the decision
// comes from the active filter mode.
func (s *State) ShouldCheck(pc uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.enabled {
		return false
	}

	switch s.mode {
	case FilterAllowList:
		return s.allow[pc]
	case FilterDenyList:
		return !s.deny[pc]
	case FilterScript:
		fn, ok := goja.AssertFunction(s.vm.Get("instrument"))
		if !ok {
			return true
		}
		result, err := fn(goja.Undefined(), s.vm.ToValue(pc))
		if err != nil {
			return true
		}
		return result.ToBoolean()
	default:
		return true
	}
}

// Reset restores defaults: enabled, no filtering.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = true
	s.mode = FilterAll
	s.allow = make(map[uint64]bool)
	s.deny = make(map[uint64]bool)
	s.vm = nil
	s.program = nil
}

func toSet(pcs []uint64) map[uint64]bool {
	m := make(map[uint64]bool, len(pcs))
	for _, pc := range pcs {
		m[pc] = true
	}
	return m
}
