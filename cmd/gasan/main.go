// Command gasan runs ARM64 binaries under Unicorn Engine with a guest
// address sanitizer attached, reporting heap and use-after-free violations
// the way a coverage-guided fuzzer's crash triage step expects.
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/spf13/cobra"

	"github.com/haloarch/gasan/internal/emulator"
	glog "github.com/haloarch/gasan/internal/log"
	"github.com/haloarch/gasan/internal/sanitizer"
	"github.com/haloarch/gasan/internal/stubs"
	_ "github.com/haloarch/gasan/internal/stubs/all"
	"github.com/haloarch/gasan/internal/trace"
	"github.com/haloarch/gasan/internal/ui/colorize"
	"github.com/haloarch/gasan/internal/ui/inspector"
)

var (
	verbose     bool
	quiet       bool
	maxInsn     int
	configPath  string
	reportSink  string
	entryFlag   string
	quarantineN int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gasan [binary]",
		Short: "Run ARM64 binaries under Unicorn Engine with a guest address sanitizer attached",
		Long: `gasan emulates ARM64 code using Unicorn Engine and instruments every load
and store against a shadow-memory map, the way AddressSanitizer instruments
native code but entirely inside the emulator — no recompilation of the
target required.

It detects heap-buffer-overflow, heap-use-after-free, and similar memory
safety violations as the guest runs, and writes a crash report describing
the faulting access and the allocation it belongs to.

Examples:
  gasan run target.elf                 # run with colorized instruction trace
  gasan run target.elf -q               # quiet mode, violations + stats only
  gasan info target.elf                 # show binary info without running it
  gasan inspect gasan-report.txt        # browse a saved violation report`,
	}

	runCmd := &cobra.Command{
		Use:   "run <binary>",
		Short: "Run a binary under the sanitizer",
		Args:  cobra.ExactArgs(1),
		RunE:  runTrace,
	}
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	runCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode (violations + stats only)")
	runCmd.Flags().IntVarP(&maxInsn, "num", "n", 2000, "max instructions to show")
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a gasan.yaml config file")
	runCmd.Flags().StringVar(&reportSink, "report", "", "override the config's report sink path")
	runCmd.Flags().StringVar(&entryFlag, "entry", "", "preferred entry point symbol name")
	runCmd.Flags().IntVar(&quarantineN, "quarantine", 0, "override the config's quarantine bound (0 keeps the config's value)")
	rootCmd.AddCommand(runCmd)

	infoCmd := &cobra.Command{
		Use:   "info <binary>",
		Short: "Show binary information",
		Args:  cobra.ExactArgs(1),
		RunE:  showInfo,
	}
	rootCmd.AddCommand(infoCmd)

	inspectCmd := &cobra.Command{
		Use:   "inspect <report>",
		Short: "Browse a saved violation report interactively",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
	rootCmd.AddCommand(inspectCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type traceCollector struct {
	mu     sync.Mutex
	events []*trace.Event
}

func (tc *traceCollector) Add(e *trace.Event) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.events = append(tc.events, e)
}

func (tc *traceCollector) GetAndClear() []*trace.Event {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	events := tc.events
	tc.events = nil
	return events
}

type outputWriter struct {
	ch     chan string
	done   chan struct{}
	writer *bufio.Writer
}

func newOutputWriter() *outputWriter {
	w := &outputWriter{
		ch:     make(chan string, 2048),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(os.Stdout, 64*1024),
	}
	go w.run()
	return w
}

func (w *outputWriter) run() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case line, ok := <-w.ch:
			if !ok {
				w.writer.Flush()
				close(w.done)
				return
			}
			w.writer.WriteString(line)
			w.writer.WriteByte('\n')
		case <-ticker.C:
			w.writer.Flush()
		}
	}
}

func (w *outputWriter) Write(line string) {
	select {
	case w.ch <- line:
	default:
	}
}

func (w *outputWriter) Close() {
	close(w.ch)
	<-w.done
}

func instructionTags(dis string) []string {
	upper := strings.ToUpper(dis)
	mnemonic := strings.Fields(upper)
	if len(mnemonic) == 0 {
		return nil
	}

	var tags []string
	switch mnemonic[0] {
	case "BL":
		tags = append(tags, "#call")
	case "BLR":
		tags = append(tags, "#call", "#br")
	case "BR":
		tags = append(tags, "#br")
	case "RET":
		tags = append(tags, "#ret")
	case "SVC":
		tags = append(tags, "#syscall")
	}
	return tags
}

func isBlockEnd(dis string) bool {
	upper := strings.ToUpper(dis)
	fields := strings.Fields(upper)
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "RET", "BR", "B", "ERET":
		return true
	case "B.EQ", "B.NE", "B.LT", "B.LE", "B.GT", "B.GE",
		"B.HI", "B.HS", "B.LO", "B.LS", "B.MI", "B.PL",
		"B.VS", "B.VC", "B.AL", "B.NV":
		return true
	}
	if strings.HasPrefix(fields[0], "CBZ") || strings.HasPrefix(fields[0], "CBNZ") ||
		strings.HasPrefix(fields[0], "TBZ") || strings.HasPrefix(fields[0], "TBNZ") {
		return true
	}
	return false
}

func formatLine(addr uint64, code []byte, dis string, funcName string, events []*trace.Event) string {
	var b strings.Builder
	b.Grow(256)

	visibleLen := 0

	b.WriteString(colorize.Address(addr))
	b.WriteString("  ")
	visibleLen += 8 + 2

	if len(code) >= 4 {
		hexBytes := fmt.Sprintf("%02X%02X%02X%02X", code[3], code[2], code[1], code[0])
		b.WriteString(colorize.HexBytes(hexBytes))
		b.WriteString("  ")
		visibleLen += 8 + 2
	}

	b.WriteString(colorize.Instruction(dis))
	visibleLen += len(dis)

	const insnCol = 50
	for visibleLen < insnCol {
		b.WriteByte(' ')
		visibleLen++
	}

	var comments []string
	for _, e := range events {
		if e.Detail != "" {
			comments = append(comments, e.Detail)
		}
		for k, v := range e.Annotations {
			comments = append(comments, k+"="+v)
		}
	}

	var allTags []string
	allTags = append(allTags, instructionTags(dis)...)
	for _, e := range events {
		allTags = append(allTags, e.Tags.Strings()...)
	}

	if len(comments) > 0 || len(allTags) > 0 {
		var commentParts []string
		if len(allTags) > 0 {
			commentParts = append(commentParts, strings.Join(allTags, " "))
		}
		if len(comments) > 0 {
			commentParts = append(commentParts, strings.Join(comments, ", "))
		}

		comment := "; " + strings.Join(commentParts, " ")
		b.WriteString(colorize.Comment(comment))
		visibleLen += len(comment)
		b.WriteString("  ")
		visibleLen += 2
	}

	if funcName != "" {
		b.WriteString(colorize.FuncName(funcName))
		visibleLen += len(funcName)
	}

	return b.String()
}

func printHeader(w *outputWriter, binary string, base, entry uint64, numImports, numSymbols, numHooks int, entryName string) {
	if cwd, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(cwd, binary); err == nil && !strings.HasPrefix(rel, "..") {
			binary = rel
		}
	}

	w.Write("")
	w.Write(fmt.Sprintf("%s gasan ─ ARM64 sanitizer trace", colorize.Header("▶")))
	w.Write(fmt.Sprintf("  %s %s", colorize.Detail("Loading:"), binary))
	w.Write(fmt.Sprintf("  %s %s  %s %s",
		colorize.Detail("Base:"), colorize.Address(base),
		colorize.Detail("Entry:"), colorize.Address(entry)))
	w.Write(fmt.Sprintf("  %s %s  %s %s  %s %s",
		colorize.Detail("Imports:"), colorize.FuncName(fmt.Sprintf("%d", numImports)),
		colorize.Detail("Symbols:"), colorize.FuncName(fmt.Sprintf("%d", numSymbols)),
		colorize.Detail("Hooks:"), colorize.FuncName(fmt.Sprintf("%d", numHooks))))
	if entryName != "" {
		w.Write(fmt.Sprintf("  %s %s", colorize.Detail("Entry point:"), colorize.FuncName(entryName)))
	}
	w.Write("")
}

func printStats(count int, sess *sanitizer.Session, err error) {
	fmt.Println()
	fmt.Print(colorize.Border("───────────────────────────────────────── "))
	fmt.Printf("%s insn", colorize.FuncName(fmt.Sprintf("%d", count)))
	if sess.Stopped() {
		fmt.Printf("  %s", colorize.Violation("VIOLATION"))
	}
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "UC_ERR_READ_UNMAPPED") || strings.Contains(errStr, "UC_ERR_WRITE_UNMAPPED") {
			fmt.Printf("  %s", colorize.Detail(errStr))
		} else {
			fmt.Printf("  %s", colorize.Error(errStr))
		}
	}
	fmt.Println()
}

func disasm(code []byte) string {
	if len(code) < 4 {
		return "???"
	}
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return fmt.Sprintf(".word 0x%08x", uint32(code[0])|uint32(code[1])<<8|uint32(code[2])<<16|uint32(code[3])<<24)
	}
	return inst.String()
}

func runTrace(cmd *cobra.Command, args []string) error {
	binaryPath := args[0]

	if verbose {
		glog.Init(true)
		stubs.Debug = true
	} else {
		glog.Init(false)
		stubs.Debug = false
	}
	logger := glog.New(verbose)

	cfg, err := sanitizer.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if reportSink != "" {
		cfg.ReportSink = reportSink
	}
	if quarantineN != 0 {
		cfg.QuarantineBound = quarantineN
	}

	emu, err := emulator.New()
	if err != nil {
		return fmt.Errorf("create emulator: %w", err)
	}

	info, err := emu.LoadELF(binaryPath)
	if err != nil {
		return fmt.Errorf("load ELF: %w", err)
	}

	installed := stubs.Install(emu, info.Imports, info.Symbols)

	sess := sanitizer.NewSession(emu, cfg.QuarantineBound, cfg.ReportSink, logger)
	if err := cfg.ApplyTo(sess); err != nil {
		return fmt.Errorf("apply config: %w", err)
	}

	collector := &traceCollector{}
	stubCallCount := 0
	stubs.DefaultRegistry.OnCall = func(category, name, detail string) {
		stubCallCount++
		e := trace.NewEvent(emu.PC(), category, name, detail)
		trace.DefaultEnricher(e)
		collector.Add(e)
	}

	entry := info.FindEntryPoint(entryFlag)
	entryName := ""
	for name, addr := range info.Symbols {
		if addr == entry {
			entryName = name
			break
		}
	}
	if entryName == "" {
		entryName = "unknown"
	}

	addrToSym := make(map[uint64]string, len(info.Symbols))
	for name, addr := range info.Symbols {
		if existing, ok := addrToSym[addr]; !ok || len(name) < len(existing) {
			addrToSym[addr] = name
		}
	}

	var out *outputWriter
	if !quiet {
		out = newOutputWriter()
	}

	if verbose {
		fmt.Printf("Loaded: %s\n", info.Path)
		fmt.Printf("Base: 0x%x, End: 0x%x\n", info.BaseAddr, info.EndAddr)
		fmt.Printf("Imports: %d, Symbols: %d\n", len(info.Imports), len(info.Symbols))
		fmt.Printf("Installed %d hooks\n", installed)
		fmt.Printf("Entry: 0x%x (%s)\n", entry, entryName)
		fmt.Println("\nStarting emulation...")
	} else if !quiet {
		printHeader(out, binaryPath, info.BaseAddr, entry, len(info.Imports), len(info.Symbols), installed, entryName)
	}

	count := 0
	emu.HookCode(func(e *emulator.Emulator, addr uint64, size uint32) {
		count++
		if count > maxInsn || sess.Stopped() {
			return
		}

		code, _ := e.MemRead(addr, 4)
		dis := disasm(code)
		events := collector.GetAndClear()
		funcName := addrToSym[addr]

		if quiet {
			return
		}

		if verbose {
			fmt.Printf("  [%3d] 0x%08x  %s", count, addr, dis)
			if funcName != "" {
				fmt.Printf("  <%s>", funcName)
			}
			for _, ev := range events {
				fmt.Printf("  %s %s", ev.PrimaryTag(), ev.Name)
			}
			fmt.Println()
		} else {
			out.Write(formatLine(addr, code, dis, funcName, events))
			if isBlockEnd(dis) {
				out.Write("")
			}
		}
	})

	err = emu.RunFrom(entry)
	if out != nil {
		out.Close()
	}

	if verbose {
		fmt.Printf("\nEmulation finished: %v\n", err)
		fmt.Printf("Instructions: %d\n", count)
		fmt.Printf("\nRegisters: PC=0x%x LR=0x%x SP=0x%x\n", emu.PC(), emu.LR(), emu.SP())
		fmt.Printf("X0=0x%x X1=0x%x X2=0x%x X3=0x%x\n", emu.X(0), emu.X(1), emu.X(2), emu.X(3))
		if sess.Stopped() {
			fmt.Println("\nsanitizer halted the run — see report sink for details")
		}
	} else {
		printStats(count, sess, err)
		if sess.Stopped() && cfg.ReportSink != "" {
			fmt.Printf("violation report appended to %s\n", cfg.ReportSink)
		}
	}

	if sess.Stopped() {
		os.Exit(1)
	}
	return nil
}

func showInfo(cmd *cobra.Command, args []string) error {
	binaryPath := args[0]

	absPath, err := filepath.Abs(binaryPath)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	if _, err := os.Stat(absPath); err != nil {
		return fmt.Errorf("file not found: %s", absPath)
	}

	emu, err := emulator.New()
	if err != nil {
		return fmt.Errorf("create emulator: %w", err)
	}

	elfInfo, err := emu.LoadELF(absPath)
	if err != nil {
		return fmt.Errorf("load binary: %w", err)
	}

	fmt.Printf("Binary: %s\n", filepath.Base(absPath))
	fmt.Printf("Base:   0x%x\n", elfInfo.BaseAddr)
	fmt.Printf("End:    0x%x\n", elfInfo.EndAddr)
	fmt.Printf("Entry:  0x%x\n", elfInfo.Entry)
	fmt.Printf("Symbols: %d\n", len(elfInfo.Symbols))
	fmt.Printf("Imports: %d\n\n", len(elfInfo.Imports))

	entryPoint := elfInfo.FindEntryPoint("")
	fmt.Printf("Auto-detected entry: 0x%x\n", entryPoint)

	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	return inspector.Run(args[0])
}
