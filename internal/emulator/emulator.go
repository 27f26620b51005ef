// Package emulator provides ARM64 emulation using Unicorn Engine.
package emulator

import (
	"encoding/binary"
	"fmt"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Memory layout constants
const (
	CodeBase  = 0x00010000
	CodeSize  = 0x01000000 // 16MB for code
	StackBase = 0x80000000
	StackSize = 0x00100000 // 1MB stack
	HeapBase  = 0x90000000
	HeapSize  = 0x10000000 // 256MB heap
	TLSBase   = 0xDEAC0000 // Thread Local Storage
	TLSSize   = 0x00010000 // 64KB TLS
	LibcBase  = 0xDEAD0000 // Mock libc globals (_ctype_, etc.)
	LibcSize  = 0x00010000 // 64KB for libc data
	StubBase  = 0xF0000000 // Stub functions mapped here
	StubSize  = 0x00100000 // 1MB for stubs
)

// Libc global layout
const (
	CtypeTableOffset   uint64 = 0x0000 // _ctype_ table: 257 bytes (index -1 to 255)
	CtypePtrOffset     uint64 = 0x0200 // _ctype_ pointer (points to CtypeTable+1)
	EmptyStringRepOff  uint64 = 0x0300 // libstdc++ COW empty string _Rep
	EmptyStringDataOff uint64 = 0x0318 // Empty string data pointer (Rep + 24)
)

// MemAccess identifies the direction of a guest memory access.
type MemAccess int

const (
	MemRead MemAccess = iota
	MemWrite
)

// HookType identifies different hook categories
type HookType int

const (
	HookCode HookType = iota
	HookMem
	HookBlock
	HookIntr
)

// TraceEvent represents a single traced instruction
type TraceEvent struct {
	Address     uint64
	Size        uint32
	Instruction string // Disassembled (if available)
	Tag         string // Hashtag like #xor-neon
	Detail      string // Additional context
}

// CodeHookFunc is called for each instruction
type CodeHookFunc func(emu *Emulator, addr uint64, size uint32)

// AddressHookFunc is called when execution reaches a specific address
type AddressHookFunc func(emu *Emulator) bool // return true to stop emulation

// MemHookFunc is called for every guest memory access of a mapped region.
// access distinguishes loads from stores; value is only meaningful on writes.
type MemHookFunc func(emu *Emulator, access MemAccess, addr uint64, size int, value int64)

// IntrHookFunc is called when the guest executes a software interrupt (SVC).
type IntrHookFunc func(emu *Emulator, intno uint32)

// Emulator wraps Unicorn for ARM64 emulation
type Emulator struct {
	mu uc.Unicorn

	// Memory management
	heapPtr uint64 // Current heap allocation pointer

	// Hooks
	codeHooks   []CodeHookFunc
	memHooks    []MemHookFunc
	intrHooks   []IntrHookFunc
	addrHooks   map[uint64]AddressHookFunc
	addrHooksMu sync.RWMutex

	// Trace collection
	traceEnabled bool
	traceEvents  []TraceEvent
	traceMu      sync.Mutex

	// Stop flag
	stopped bool

	// libstdc++ COW empty string data pointer
	emptyStringData uint64
}

// New creates a new ARM64 emulator
func New() (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	emu := &Emulator{
		mu:        mu,
		heapPtr:   HeapBase,
		addrHooks: make(map[uint64]AddressHookFunc),
	}

	// Map memory regions
	if err := emu.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}

	// Set up internal hooks
	if err := emu.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}

	return emu, nil
}

// mapMemory sets up the memory layout
func (e *Emulator) mapMemory() error {
	regions := []struct {
		base uint64
		size uint64
		name string
	}{
		{CodeBase, CodeSize, "code"},
		{StackBase, StackSize, "stack"},
		{HeapBase, HeapSize, "heap"},
		{TLSBase, TLSSize, "tls"},
		{LibcBase, LibcSize, "libc"}, // Mock libc globals (_ctype_, etc.)
		{StubBase, StubSize, "stubs"},
	}

	for _, r := range regions {
		if err := e.mu.MemMap(r.base, r.size); err != nil {
			return fmt.Errorf("map %s (0x%x): %w", r.name, r.base, err)
		}
	}

	// Initialize stack pointer
	sp := uint64(StackBase + StackSize - 0x1000)
	if err := e.mu.RegWrite(uc.ARM64_REG_SP, sp); err != nil {
		return fmt.Errorf("set SP: %w", err)
	}

	// Initialize TLS (Thread Local Storage)
	// TPIDR_EL0 is the thread pointer register on ARM64
	if err := e.mu.RegWrite(uc.ARM64_REG_TPIDR_EL0, TLSBase); err != nil {
		return fmt.Errorf("set TPIDR_EL0: %w", err)
	}

	// Initialize TLS area with zeros
	zeros := make([]byte, 256)
	if err := e.mu.MemWrite(TLSBase, zeros); err != nil {
		return fmt.Errorf("init TLS: %w", err)
	}

	// Set up stack canary at TLS+0x28 (used by ARM64 for stack protection)
	canary := uint64(0xDEADBEEFDEADBEEF)
	canaryBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(canaryBytes, canary)
	if err := e.mu.MemWrite(TLSBase+0x28, canaryBytes); err != nil {
		return fmt.Errorf("set stack canary: %w", err)
	}

	// Initialize libc globals (_ctype_ table for character classification)
	// The _ctype_ table is 257 bytes: index -1 (EOF=0) through 255
	ctypeTable := make([]byte, 257)
	ctypeTable[0] = 0 // EOF (-1 offset becomes index 0)
	for i := 0; i < 256; i++ {
		c := byte(i)
		var flags byte
		switch {
		case c >= 'A' && c <= 'Z':
			flags = 0x01 | 0x80
			if c > 'F' {
				flags = 0x01
			}
		case c >= 'a' && c <= 'z':
			flags = 0x02 | 0x80
			if c > 'f' {
				flags = 0x02
			}
		case c >= '0' && c <= '9':
			flags = 0x04 | 0x80
		case c == ' ':
			flags = 0x08 | 0x40
		case c == '\t':
			flags = 0x08 | 0x40
		case c == '\n' || c == '\r' || c == '\f' || c == '\v':
			flags = 0x08
		case c < 0x20 || c == 0x7F:
			flags = 0x20
		case c >= 0x21 && c <= 0x2F:
			flags = 0x10
		case c >= 0x3A && c <= 0x40:
			flags = 0x10
		case c >= 0x5B && c <= 0x60:
			flags = 0x10
		case c >= 0x7B && c <= 0x7E:
			flags = 0x10
		}
		ctypeTable[i+1] = flags
	}
	if err := e.mu.MemWrite(LibcBase+CtypeTableOffset, ctypeTable); err != nil {
		return fmt.Errorf("init _ctype_ table: %w", err)
	}

	ctypePtr := LibcBase + CtypeTableOffset + 1
	ctypePtrBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(ctypePtrBytes, ctypePtr)
	if err := e.mu.MemWrite(LibcBase+CtypePtrOffset, ctypePtrBytes); err != nil {
		return fmt.Errorf("init _ctype_ pointer: %w", err)
	}

	// Set up libstdc++ COW empty string representation
	// Layout of _Rep: { size_t _M_length, size_t _M_capacity, atomic<int> _M_refcount }
	emptyRep := make([]byte, 32)
	emptyRep[16] = 0xFF
	emptyRep[17] = 0xFF
	emptyRep[18] = 0xFF
	emptyRep[19] = 0xFF
	emptyRep[24] = 0
	if err := e.mu.MemWrite(LibcBase+EmptyStringRepOff, emptyRep); err != nil {
		return fmt.Errorf("init empty string rep: %w", err)
	}
	e.emptyStringData = LibcBase + EmptyStringDataOff

	return nil
}

// GetCtypePtr returns the address of the _ctype_ pointer (points to classification table).
func (e *Emulator) GetCtypePtr() uint64 {
	return LibcBase + CtypePtrOffset
}

// GetEmptyStringData returns the address of the libstdc++ COW empty string data.
func (e *Emulator) GetEmptyStringData() uint64 {
	return e.emptyStringData
}

// setupHooks initializes Unicorn hooks
func (e *Emulator) setupHooks() error {
	// Code hook for tracing and address hooks
	if _, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if e.stopped {
			e.mu.Stop()
			return
		}

		e.addrHooksMu.RLock()
		hook, ok := e.addrHooks[addr]
		e.addrHooksMu.RUnlock()

		if ok {
			if hook(e) {
				e.Stop()
				return
			}
		}

		for _, h := range e.codeHooks {
			h(e, addr, size)
		}
	}, 1, 0); err != nil {
		return fmt.Errorf("hook code: %w", err)
	}

	// Generic memory-access hooks. Unicorn delivers one callback per access
	// regardless of size, so access-size dispatch happens inside the sanitizer.
	if _, err := e.mu.HookAdd(uc.HOOK_MEM_READ, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) {
		for _, h := range e.memHooks {
			h(e, MemRead, addr, size, value)
		}
	}, 1, 0); err != nil {
		return fmt.Errorf("hook mem read: %w", err)
	}

	if _, err := e.mu.HookAdd(uc.HOOK_MEM_WRITE, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) {
		for _, h := range e.memHooks {
			h(e, MemWrite, addr, size, value)
		}
	}, 1, 0); err != nil {
		return fmt.Errorf("hook mem write: %w", err)
	}

	// Interrupt hook carries the guest's fake-syscall protocol (SVC trap).
	if _, err := e.mu.HookAdd(uc.HOOK_INTR, func(mu uc.Unicorn, intno uint32) {
		for _, h := range e.intrHooks {
			h(e, intno)
		}
	}, 1, 0); err != nil {
		return fmt.Errorf("hook intr: %w", err)
	}

	return nil
}

// Close releases resources
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// LoadCode writes code at the code base
func (e *Emulator) LoadCode(code []byte) error {
	return e.mu.MemWrite(CodeBase, code)
}

// MapRegion maps additional memory
func (e *Emulator) MapRegion(addr, size uint64) error {
	return e.mu.MemMap(addr, size)
}

// MemRead reads bytes from memory
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// MemWrite writes bytes to memory
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// MemReadU64 reads a uint64 from memory (little endian)
func (e *Emulator) MemReadU64(addr uint64) (uint64, error) {
	data, err := e.mu.MemRead(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// MemWriteU64 writes a uint64 to memory (little endian)
func (e *Emulator) MemWriteU64(addr, val uint64) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadU32 reads a uint32 from memory (little endian)
func (e *Emulator) MemReadU32(addr uint64) (uint32, error) {
	data, err := e.mu.MemRead(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// MemWriteU32 writes a uint32 to memory (little endian)
func (e *Emulator) MemWriteU32(addr uint64, val uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadU16 reads a uint16 from memory (little endian)
func (e *Emulator) MemReadU16(addr uint64) (uint16, error) {
	data, err := e.mu.MemRead(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data), nil
}

// MemWriteU16 writes a uint16 to memory (little endian)
func (e *Emulator) MemWriteU16(addr uint64, val uint16) error {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadU8 reads a single byte from memory
func (e *Emulator) MemReadU8(addr uint64) (uint8, error) {
	data, err := e.mu.MemRead(addr, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// MemWriteU8 writes a single byte to memory
func (e *Emulator) MemWriteU8(addr uint64, val uint8) error {
	return e.mu.MemWrite(addr, []byte{val})
}

// MemReadString reads a null-terminated string from memory
func (e *Emulator) MemReadString(addr uint64, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = 4096
	}
	data, err := e.mu.MemRead(addr, uint64(maxLen))
	if err != nil {
		return "", err
	}

	for i, b := range data {
		if b == 0 {
			return string(data[:i]), nil
		}
	}
	return string(data), nil
}

// MemWriteString writes a null-terminated string to memory
func (e *Emulator) MemWriteString(addr uint64, s string) error {
	data := append([]byte(s), 0)
	return e.mu.MemWrite(addr, data)
}

// RegRead reads a register value
func (e *Emulator) RegRead(reg int) (uint64, error) {
	return e.mu.RegRead(reg)
}

// RegWrite writes a register value
func (e *Emulator) RegWrite(reg int, val uint64) error {
	return e.mu.RegWrite(reg, val)
}

// X reads general-purpose register X0-X30
func (e *Emulator) X(n int) uint64 {
	if n < 0 || n > 30 {
		return 0
	}
	val, _ := e.mu.RegRead(uc.ARM64_REG_X0 + n)
	return val
}

// SetX writes general-purpose register X0-X30
func (e *Emulator) SetX(n int, val uint64) error {
	if n < 0 || n > 30 {
		return fmt.Errorf("invalid register X%d", n)
	}
	return e.mu.RegWrite(uc.ARM64_REG_X0+n, val)
}

// PC returns the program counter
func (e *Emulator) PC() uint64 {
	pc, _ := e.mu.RegRead(uc.ARM64_REG_PC)
	return pc
}

// SetPC sets the program counter
func (e *Emulator) SetPC(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_PC, val)
}

// SP returns the stack pointer
func (e *Emulator) SP() uint64 {
	sp, _ := e.mu.RegRead(uc.ARM64_REG_SP)
	return sp
}

// SetSP sets the stack pointer
func (e *Emulator) SetSP(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_SP, val)
}

// LR returns the link register
func (e *Emulator) LR() uint64 {
	lr, _ := e.mu.RegRead(uc.ARM64_REG_LR)
	return lr
}

// SetLR sets the link register
func (e *Emulator) SetLR(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_LR, val)
}

// Malloc allocates memory from the heap (bump allocator).
// Panics if heap is exhausted - this indicates a fundamental emulation problem.
func (e *Emulator) Malloc(size uint64) uint64 {
	size = (size + 15) & ^uint64(15)

	addr := e.heapPtr
	e.heapPtr += size

	if e.heapPtr >= HeapBase+HeapSize {
		panic("heap exhausted")
	}

	return addr
}

// HookCode adds a code hook called for every instruction
func (e *Emulator) HookCode(fn CodeHookFunc) {
	e.codeHooks = append(e.codeHooks, fn)
}

// HookMemAccess adds a hook called for every guest memory load and store.
func (e *Emulator) HookMemAccess(fn MemHookFunc) {
	e.memHooks = append(e.memHooks, fn)
}

// HookInterrupt adds a hook called for every guest software interrupt (SVC).
func (e *Emulator) HookInterrupt(fn IntrHookFunc) {
	e.intrHooks = append(e.intrHooks, fn)
}

// HookAddress adds a hook for a specific address
func (e *Emulator) HookAddress(addr uint64, fn AddressHookFunc) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	e.addrHooks[addr] = fn
}

// RemoveAddressHook removes an address hook
func (e *Emulator) RemoveAddressHook(addr uint64) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	delete(e.addrHooks, addr)
}

// EnableTrace enables instruction tracing
func (e *Emulator) EnableTrace() {
	e.traceEnabled = true
}

// DisableTrace disables instruction tracing
func (e *Emulator) DisableTrace() {
	e.traceEnabled = false
}

// GetTraceEvents returns collected trace events
func (e *Emulator) GetTraceEvents() []TraceEvent {
	e.traceMu.Lock()
	defer e.traceMu.Unlock()
	return append([]TraceEvent{}, e.traceEvents...)
}

// AddTraceEvent adds a trace event
func (e *Emulator) AddTraceEvent(event TraceEvent) {
	e.traceMu.Lock()
	defer e.traceMu.Unlock()
	e.traceEvents = append(e.traceEvents, event)
}

// ClearTrace clears trace events
func (e *Emulator) ClearTrace() {
	e.traceMu.Lock()
	defer e.traceMu.Unlock()
	e.traceEvents = nil
}

// Run starts emulation from addr
func (e *Emulator) Run(start, end uint64) error {
	e.stopped = false
	return e.mu.Start(start, end)
}

// RunFrom starts emulation at start and runs with no end address
func (e *Emulator) RunFrom(start uint64) error {
	e.stopped = false
	return e.mu.Start(start, 0)
}

// IsMapped reports whether addr falls within a region the emulator knows
// about (code, stack, heap, TLS, libc globals or stub trampolines). Regions
// mapped later through MapRegion, such as loaded ELF segments, are not
// included. The sanitizer does not call it.
func (e *Emulator) IsMapped(addr uint64) bool {
	switch {
	case addr >= CodeBase && addr < CodeBase+CodeSize:
		return true
	case addr >= StackBase && addr < StackBase+StackSize:
		return true
	case addr >= HeapBase && addr < HeapBase+HeapSize:
		return true
	case addr >= TLSBase && addr < TLSBase+TLSSize:
		return true
	case addr >= LibcBase && addr < LibcBase+LibcSize:
		return true
	case addr >= StubBase && addr < StubBase+StubSize:
		return true
	default:
		return false
	}
}

// Stop stops emulation
func (e *Emulator) Stop() {
	e.stopped = true
	e.mu.Stop()
}

// ARM64 register constants (re-exported for convenience)
const (
	RegX0  = uc.ARM64_REG_X0
	RegX1  = uc.ARM64_REG_X1
	RegX2  = uc.ARM64_REG_X2
	RegX3  = uc.ARM64_REG_X3
	RegX4  = uc.ARM64_REG_X4
	RegX5  = uc.ARM64_REG_X5
	RegX6  = uc.ARM64_REG_X6
	RegX7  = uc.ARM64_REG_X7
	RegX8  = uc.ARM64_REG_X8
	RegX29 = uc.ARM64_REG_X29 // Frame pointer
	RegX30 = uc.ARM64_REG_X30 // Link register (same as LR)
	RegSP  = uc.ARM64_REG_SP
	RegPC  = uc.ARM64_REG_PC
	RegLR  = uc.ARM64_REG_LR
)
