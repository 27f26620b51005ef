package sanitizer

import "sync/atomic"

// CallContext captures where and by whom a chunk-affecting action happened.
// Addresses is an immutable backtrace snapshot taken at the call site; it is
// nil unless backtrace capture was explicitly enabled, since walking the
// guest frame chain requires frame-pointer cooperation the target binary may
// not provide.
type CallContext struct {
	Addresses []uint64
	Tid       int32
	Size      uint32 // number of entries in Addresses; the payload size is not recorded
}

// tidCounter hands out small integer thread identifiers. GAsan's concurrency
// model emulates exactly one guest thread per process (no OS thread
// scheduling inside Unicorn), so this is a monotonic counter rather than a
// real scheduler-assigned TID - it exists purely so CallContext.Tid has a
// stable, distinguishable value across nested Run invocations.
var tidCounter int32

// NextTid returns a fresh synthetic thread id.
func NextTid() int32 {
	return atomic.AddInt32(&tidCounter, 1)
}

// NewCallContext builds a CallContext from an optional backtrace.
func NewCallContext(addrs []uint64, tid int32) CallContext {
	var cp []uint64
	if len(addrs) > 0 {
		cp = make([]uint64, len(addrs))
		copy(cp, addrs)
	}
	return CallContext{Addresses: cp, Tid: tid, Size: uint32(len(cp))}
}
