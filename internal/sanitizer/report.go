// Package sanitizer implements GAsan: a guest-address sanitizer for ARM64
// programs run under Unicorn Engine, modeled on the shadow-memory access
// checker embedded in LibAFL's QEMU mode.
package sanitizer

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/arch/arm64/arm64asm"

	glog "github.com/haloarch/gasan/internal/log"
)

// Kind classifies a reported violation for the headline of a report.
type Kind string

const (
	KindHeapOverflow     Kind = "heap-buffer-overflow"
	KindHeapUseAfterFree Kind = "heap-use-after-free"
	KindStackOverflow    Kind = "stack-buffer-overflow"
	KindStackUseAfterRet Kind = "stack-use-after-return"
	KindGlobalOverflow   Kind = "global-buffer-overflow"
	KindUserPoisoned     Kind = "user-poisoned-memory"
	KindUnknown          Kind = "invalid-access"

	// KindBadFree and KindBadSanitizerRequest are not derived from a
	// PoisonTag at all: they are guest-side contract violations (§7
	// BadFree / BadSanitizerRequest) rather than shadow-check failures, so
	// a Finding carries them directly via ForcedKind instead of going
	// through classify.
	KindBadFree             Kind = "bad-free"
	KindBadSanitizerRequest Kind = "bad-sanitizer-request"
)

// classify maps a PoisonTag to the violation Kind a report's headline uses.
func classify(tag PoisonTag) Kind {
	switch tag {
	case HeapRz, HeapLeftRz, HeapRightRz:
		return KindHeapOverflow
	case HeapFreed:
		return KindHeapUseAfterFree
	case StackRz, StackLeftRz, StackMidRz, StackRightRz:
		return KindStackOverflow
	case StackFreed:
		return KindStackUseAfterRet
	case StackOOScope:
		return KindStackUseAfterRet
	case GlobalRz:
		return KindGlobalOverflow
	case User:
		return KindUserPoisoned
	default:
		if tag.IsPartial() {
			return KindHeapOverflow
		}
		return KindUnknown
	}
}

// Violation is a fatal finding: one that the runtime state (C5) decided
// should stop emulation and be written to the report sink.
type Violation struct {
	Finding
	Kind      Kind
	RunID     string
	Timestamp time.Time
	Disasm    string // best-effort disassembly of the faulting instruction
}

// Reporter is the C4 component: it formats violations and appends them to a
// shared sink file, guarding concurrent writers (multiple emulator
// instances in one fuzzing campaign) with an advisory file lock.
type Reporter struct {
	SinkPath string
	runID    string
	logger   *glog.Logger
}

// NewReporter creates a reporter that appends formatted violations to
// sinkPath. A fresh run ID is minted for every Reporter so that reports
// emitted by concurrent emulator instances sharing one sink file can be
// told apart.
func NewReporter(sinkPath string, logger *glog.Logger) *Reporter {
	return &Reporter{
		SinkPath: sinkPath,
		runID:    uuid.NewString(),
		logger:   logger,
	}
}

// Report formats f as a Violation, logs it, and appends it to the sink
// file under an advisory lock. code, when non-nil, is the raw bytes of the
// faulting instruction used to produce a disassembly line in the report.
func (r *Reporter) Report(f *Finding, code []byte) (*Violation, error) {
	kind := classify(f.Tag)
	if f.ForcedKind != "" {
		kind = f.ForcedKind
	}

	v := &Violation{
		Finding:   *f,
		Kind:      kind,
		RunID:     r.runID,
		Timestamp: time.Now(),
	}

	if len(code) >= 4 {
		if insn, err := arm64asm.Decode(code[:4]); err == nil {
			v.Disasm = insn.String()
		}
	}

	if r.logger != nil {
		r.logger.Error("violation",
			zap.String("kind", string(v.Kind)),
			zap.String("run", v.RunID),
			glog.Addr(f.Address),
			glog.Addr(f.FaultAddr),
			glog.Size(f.Size),
			zap.String("access", f.Kind.String()),
		)
	}

	if r.SinkPath != "" {
		if err := r.appendToSink(v); err != nil {
			return v, err
		}
	}

	return v, nil
}

func (r *Reporter) appendToSink(v *Violation) error {
	lock := flock.New(r.SinkPath + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock report sink: %w", err)
	}
	defer lock.Unlock()

	f, err := os.OpenFile(r.SinkPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open report sink: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(Format(v)); err != nil {
		return fmt.Errorf("write report sink: %w", err)
	}
	return nil
}

// Format renders a Violation as a multi-line human-readable report, in the
// spirit of ASan's own crash output.
func Format(v *Violation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "== GASAN: %s ==\n", v.Kind)
	fmt.Fprintf(&b, "run:    %s\n", v.RunID)
	fmt.Fprintf(&b, "time:   %s\n", v.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "%s of size %d at 0x%x\n", v.Kind, v.Size, v.FaultAddr)
	fmt.Fprintf(&b, "pc:     0x%x\n", v.PC)
	if v.Disasm != "" {
		fmt.Fprintf(&b, "insn:   %s\n", v.Disasm)
	}
	if v.Chunk != nil {
		fmt.Fprintf(&b, "chunk:  [0x%x, 0x%x) freed=%v\n", v.Chunk.Start, v.Chunk.End, v.Chunk.Freed)
		writeCtx(&b, "alloc", v.Chunk.AllocCtx)
		if v.Chunk.Freed {
			writeCtx(&b, "free", v.Chunk.FreeCtx)
		}
	} else if v.NearestChunk != nil {
		overflow := int64(v.FaultAddr) - int64(v.NearestChunk.End)
		fmt.Fprintf(&b, "nearest chunk: [0x%x, 0x%x), %d bytes after its end\n",
			v.NearestChunk.Start, v.NearestChunk.End, overflow)
		writeCtx(&b, "alloc", v.NearestChunk.AllocCtx)
	}
	b.WriteString("==\n")
	return b.String()
}

func writeCtx(b *strings.Builder, label string, ctx CallContext) {
	fmt.Fprintf(b, "%s: tid=%d\n", label, ctx.Tid)
	for _, a := range ctx.Addresses {
		fmt.Fprintf(b, "    at 0x%x\n", a)
	}
}
