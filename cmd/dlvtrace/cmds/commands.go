package cmds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-delve/dlvtrace/pkg/config"
	"github.com/go-delve/dlvtrace/pkg/disasm"
	"github.com/go-delve/dlvtrace/pkg/logflags"
	"github.com/go-delve/dlvtrace/pkg/terminal"
	"github.com/go-delve/dlvtrace/pkg/tracedump"
	"github.com/go-delve/dlvtrace/pkg/tracefile"
	"github.com/go-delve/dlvtrace/pkg/tracesearch"
	"github.com/go-delve/dlvtrace/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// initFile is the path to initialization file.
	initFile string
	// metricsAddr is the listen address of the metrics endpoint.
	metricsAddr string

	// arch overrides the architecture of the configuration file.
	arch string
	// pageCacheSize overrides page-cache-size.
	pageCacheSize int
	// maxPageRecords overrides max-page-records.
	maxPageRecords int
	// flavor overrides disassemble-flavor.
	flavor string

	// memLen is the number of bytes printed by 'mem'.
	memLen uint64
	// stepCount is the number of steps printed by 'step'.
	stepCount uint64
	// allRegs makes 'regs' print every register.
	allRegs bool

	// genCount, genSnapshot and genCompress configure 'gen'.
	genCount    int
	genSnapshot int
	genCompress bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const dlvtraceCommandLongDesc = `dlvtrace is a viewer for x86 and x64 execution traces.

A trace file holds one record per executed instruction: the register context,
the opcode bytes and the memory operands with their old and new values.
dlvtrace gives random access to those records, rebuilds the memory of the
traced process at any step and searches the trace for constants, memory
references, function returns and byte patterns.

Indices are zero based and accept decimal or 0x prefixed hexadecimal values.`

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main dlvtrace root command.
	rootCommand = &cobra.Command{
		Use:   "dlvtrace",
		Short: "dlvtrace is a viewer for execution traces.",
		Long:  dlvtraceCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'dlvtrace help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'dlvtrace help log').")
	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the interactive terminal.")
	rootCommand.PersistentFlags().StringVar(&metricsAddr, "metrics", "", "Serve trace cache metrics on this address.")
	arch = conf.Arch
	rootCommand.PersistentFlags().Var(archFlag{&arch}, "arch", "Architecture of the traced process, amd64 or 386.")
	rootCommand.PersistentFlags().IntVar(&pageCacheSize, "page-cache-size", conf.PageCacheSize, "Maximum number of trace pages kept in memory.")
	rootCommand.PersistentFlags().IntVar(&maxPageRecords, "max-page-records", conf.MaxPageRecords, "Maximum number of records in a trace page.")
	rootCommand.PersistentFlags().StringVar(&flavor, "disassemble-flavor", conf.DisassembleFlavor, "Disassembly syntax, intel, gnu or go.")

	// 'info' subcommand.
	infoCommand := &cobra.Command{
		Use:   "info <trace>",
		Short: "Prints a summary of a trace file.",
		Args:  cobra.ExactArgs(1),
		Run:   infoCmd,
	}
	rootCommand.AddCommand(infoCommand)

	// 'step' subcommand.
	stepCommand := &cobra.Command{
		Use:   "step <trace> <index>",
		Short: "Describes the steps starting at an index.",
		Long: `Describes the steps starting at an index.

For every step the thread, the disassembled instruction, the memory operands
and the registers the step changed are printed.`,
		Args: cobra.ExactArgs(2),
		Run:  stepCmd,
	}
	stepCommand.Flags().Uint64VarP(&stepCount, "count", "n", 1, "Number of steps to describe.")
	rootCommand.AddCommand(stepCommand)

	// 'regs' subcommand.
	regsCommand := &cobra.Command{
		Use:   "regs <trace> <index>",
		Short: "Prints the register context of a step.",
		Args:  cobra.ExactArgs(2),
		Run:   regsCmd,
	}
	regsCommand.Flags().BoolVarP(&allRegs, "all", "a", false, "Print every register, not only general purpose ones.")
	rootCommand.AddCommand(regsCommand)

	// 'mem' subcommand.
	memCommand := &cobra.Command{
		Use:   "mem <trace> <index> <address>",
		Short: "Prints the memory of the traced process before a step.",
		Long: `Prints the memory of the traced process as it was immediately before
the step at index executed.

Bytes the trace never touched are printed as zero.`,
		Args: cobra.ExactArgs(3),
		Run:  memCmd,
	}
	memCommand.Flags().Uint64Var(&memLen, "len", 64, "Number of bytes to print.")
	rootCommand.AddCommand(memCommand)

	// 'refs' subcommand.
	refsCommand := &cobra.Command{
		Use:   "refs <trace> <address>",
		Short: "Lists the steps that accessed an address.",
		Args:  cobra.ExactArgs(2),
		Run:   refsCmd,
	}
	rootCommand.AddCommand(refsCommand)

	// 'ret' subcommand.
	retCommand := &cobra.Command{
		Use:   "ret <trace> <index>",
		Short: "Finds the return from the function executing at a step.",
		Args:  cobra.ExactArgs(2),
		Run:   retCmd,
	}
	rootCommand.AddCommand(retCommand)

	// 'search' subcommand.
	searchCommand := &cobra.Command{
		Use:   "search",
		Short: "Searches a trace.",
	}
	searchCommand.AddCommand(&cobra.Command{
		Use:   "const <trace> <value> [end]",
		Short: "Lists the steps where a register or memory operand holds a value.",
		Long: `Lists the steps where a general purpose register, the instruction pointer,
a memory operand address or one of its values is equal to value, or falls in
the inclusive range value..end.`,
		Args: cobra.RangeArgs(2, 3),
		Run:  searchConstCmd,
	})
	searchCommand.AddCommand(&cobra.Command{
		Use:   "mem <trace> <address>",
		Short: "Lists the steps with a memory operand overlapping an address.",
		Args:  cobra.ExactArgs(2),
		Run:   searchMemCmd,
	})
	searchCommand.AddCommand(&cobra.Command{
		Use:   "pattern <trace> <hex bytes>...",
		Short: "Searches the memory history for a byte pattern.",
		Long: `Searches the memory history for a byte pattern.

The pattern is a sequence of hexadecimal digits, '?' matches any nibble.
Each match is reported with the range of steps during which it held.`,
		Args: cobra.MinimumNArgs(2),
		Run:  searchPatternCmd,
	})
	rootCommand.AddCommand(searchCommand)

	// 'interactive' subcommand.
	interactiveCommand := &cobra.Command{
		Use:   "interactive <trace>",
		Short: "Opens a trace in the interactive terminal.",
		Args:  cobra.ExactArgs(1),
		Run:   interactiveCmd,
	}
	rootCommand.AddCommand(interactiveCommand)

	// 'gen' subcommand.
	genCommand := &cobra.Command{
		Use:    "gen <output>",
		Short:  "Writes a synthetic trace file.",
		Hidden: !docCall,
		Args:   cobra.ExactArgs(1),
		Run:    genCmd,
	}
	genCommand.Flags().IntVarP(&genCount, "count", "n", 1000, "Number of loop iterations to record.")
	genCommand.Flags().IntVar(&genSnapshot, "snapshot-interval", tracefile.DefaultSnapshotInterval, "Records between full register snapshots, 0 for only the first one.")
	genCommand.Flags().BoolVar(&genCompress, "zstd", false, "Compress the trace with zstd.")
	rootCommand.AddCommand(genCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dlvtrace\n%s\n", version.DlvtraceVersion)
			if log {
				fmt.Println(version.BuildInfo())
			}
		},
	}
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	tracefile	Log the index pass, page loads and evictions
	tracedump	Log memory history construction and release
	tracesearch	Log search progress and results
	terminal	Log commands run by the interactive terminal

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// archFlag is an architecture name checked when the flag is parsed.
type archFlag struct{ s *string }

var _ pflag.Value = archFlag{}

func (a archFlag) String() string {
	if a.s == nil {
		return ""
	}
	return *a.s
}

func (a archFlag) Set(v string) error {
	if _, err := tracefile.ParseArch(v); err != nil {
		return err
	}
	*a.s = v
	return nil
}

func (a archFlag) Type() string { return "arch" }

// effectiveConfig returns the configuration file values overridden by the
// command line.
func effectiveConfig() *config.Config {
	c := *conf
	c.Arch = arch
	c.PageCacheSize = pageCacheSize
	c.MaxPageRecords = maxPageRecords
	c.DisassembleFlavor = flavor
	c.Normalize()
	return &c
}

// openTrace opens path and waits for the index pass to finish.
func openTrace(c *config.Config, path string) (*tracefile.Reader, error) {
	a, err := tracefile.ParseArch(c.Arch)
	if err != nil {
		return nil, err
	}
	r := tracefile.NewReader(tracefile.Options{
		Arch:                 a,
		PageCacheSize:        c.PageCacheSize,
		MaxPageRecords:       c.MaxPageRecords,
		DumpReleaseThreshold: c.DumpReleaseThreshold,
	})
	if err := r.Open(path); err != nil {
		return nil, err
	}
	if err := r.Wait(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// serveMetrics registers the trace metrics and serves them on addr until
// the returned function is called.
func serveMetrics(addr string) (func(), error) {
	reg := prometheus.NewRegistry()
	for _, c := range tracefile.Collectors() {
		reg.MustRegister(c)
	}
	for _, c := range tracedump.Collectors() {
		reg.MustRegister(c)
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("couldn't start metrics listener: %s", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux}
	go server.Serve(listener)
	fmt.Fprintf(os.Stderr, "metrics served at http://%s/metrics\n", listener.Addr())
	return func() { server.Close() }, nil
}

// withTrace sets up logging and metrics, opens the trace named by the
// first argument and runs fn over it. It returns the exit status.
func withTrace(args []string, fn func(r *tracefile.Reader, c *config.Config) error) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	if metricsAddr != "" {
		stop, err := serveMetrics(metricsAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer stop()
	}

	c := effectiveConfig()
	r, err := openTrace(c, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not open %s: %v\n", args[0], err)
		return 1
	}
	defer r.Close()

	if err := fn(r, c); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

// signalContext returns a context cancelled by SIGINT.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT)
}

func parseNumber(s, what string) (uint64, error) {
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("could not parse %s %q", what, s)
	}
	return n, nil
}

func parseIndex(r *tracefile.Reader, s string) (uint64, error) {
	index, err := parseNumber(s, "index")
	if err != nil {
		return 0, err
	}
	if n := r.Length(); index >= n {
		return 0, fmt.Errorf("index %d out of range, trace has %d records", index, n)
	}
	return index, nil
}

func infoCmd(cmd *cobra.Command, args []string) {
	os.Exit(withTrace(args, func(r *tracefile.Reader, c *config.Config) error {
		return printInfo(os.Stdout, r, args[0])
	}))
}

func printInfo(out io.Writer, r *tracefile.Reader, path string) error {
	w := tabwriter.NewWriter(out, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "File:\t%s\n", path)
	fmt.Fprintf(w, "Arch:\t%s\n", r.Arch())
	fmt.Fprintf(w, "State:\t%s\n", r.State())
	fmt.Fprintf(w, "Records:\t%d\n", r.Length())
	if r.Length() > 0 {
		threads := make(map[uint32]bool)
		for i := uint64(0); i < r.Length(); i++ {
			threads[r.ThreadID(i)] = true
		}
		first, last := r.Registers(0), r.Registers(r.Length()-1)
		fmt.Fprintf(w, "Threads:\t%d\n", len(threads))
		fmt.Fprintf(w, "First step:\t%s\t%#x\n", r.IndexText(0), first.PC())
		fmt.Fprintf(w, "Last step:\t%s\t%#x\n", r.IndexText(r.Length()-1), last.PC())
	}
	return w.Flush()
}

func stepCmd(cmd *cobra.Command, args []string) {
	os.Exit(withTrace(args, func(r *tracefile.Reader, c *config.Config) error {
		return describeSteps(os.Stdout, r, c, args[1], stepCount)
	}))
}

func describeSteps(out io.Writer, r *tracefile.Reader, c *config.Config, indexArg string, count uint64) error {
	index, err := parseIndex(r, indexArg)
	if err != nil {
		return err
	}
	flavour, err := disasm.ParseFlavour(c.DisassembleFlavor)
	if err != nil {
		return err
	}
	for i := index; i < r.Length() && i-index < count; i++ {
		fmt.Fprintln(out, tracesearch.Describe(r, i, flavour))
	}
	return nil
}

func regsCmd(cmd *cobra.Command, args []string) {
	os.Exit(withTrace(args, func(r *tracefile.Reader, c *config.Config) error {
		return printRegisters(os.Stdout, r, args[1], allRegs)
	}))
}

func printRegisters(out io.Writer, r *tracefile.Reader, indexArg string, all bool) error {
	index, err := parseIndex(r, indexArg)
	if err != nil {
		return err
	}
	regs := r.Registers(index)
	list := regs.GeneralPurpose()
	if all {
		list = regs.Slice()
	}
	width := r.Arch().WordSize() * 2
	w := tabwriter.NewWriter(out, 0, 8, 1, ' ', tabwriter.AlignRight)
	for _, reg := range list {
		fmt.Fprintf(w, "%s\t%0*X\t\n", reg.Name, width, reg.Value)
	}
	return w.Flush()
}

func memCmd(cmd *cobra.Command, args []string) {
	os.Exit(withTrace(args, func(r *tracefile.Reader, c *config.Config) error {
		return printMemory(os.Stdout, r, args[1], args[2], memLen)
	}))
}

func printMemory(out io.Writer, r *tracefile.Reader, indexArg, addrArg string, size uint64) error {
	index, err := parseIndex(r, indexArg)
	if err != nil {
		return err
	}
	addr, err := parseNumber(addrArg, "address")
	if err != nil {
		return err
	}
	if size == 0 || size > 1<<16 {
		return errors.New("len must be between 1 and 65536")
	}
	r.EnableDump()
	if err := r.BuildDumpTo(index); err != nil {
		return err
	}
	page := tracedump.NewMemoryPage(r.GetDump())
	page.SetAttributes(addr, size)
	page.SetSelectedIndex(index)
	buf := make([]byte, size)
	if !page.Read(buf, 0) {
		return tracedump.ErrDumpDisabled
	}
	fmt.Fprint(out, terminal.HexDump(addr, buf, r.Arch().WordSize()*2))
	return nil
}

func refsCmd(cmd *cobra.Command, args []string) {
	os.Exit(withTrace(args, func(r *tracefile.Reader, c *config.Config) error {
		return printReferences(os.Stdout, r, args[1])
	}))
}

func printReferences(out io.Writer, r *tracefile.Reader, addrArg string) error {
	addr, err := parseNumber(addrArg, "address")
	if err != nil {
		return err
	}
	if r.Length() == 0 {
		return nil
	}
	r.EnableDump()
	if err := r.BuildDumpTo(r.Length() - 1); err != nil {
		return err
	}
	for _, index := range r.GetDump().GetReferences(addr, addr) {
		regs := r.Registers(index)
		fmt.Fprintf(out, "%s\t%#x\n", r.IndexText(index), regs.PC())
	}
	return nil
}

func retCmd(cmd *cobra.Command, args []string) {
	os.Exit(withTrace(args, func(r *tracefile.Reader, c *config.Config) error {
		return printReturn(os.Stdout, r, c, args[1])
	}))
}

func printReturn(out io.Writer, r *tracefile.Reader, c *config.Config, indexArg string) error {
	index, err := parseIndex(r, indexArg)
	if err != nil {
		return err
	}
	flavour, err := disasm.ParseFlavour(c.DisassembleFlavor)
	if err != nil {
		return err
	}
	found := tracesearch.New(r, flavour).FuncReturn(index)
	if found == index {
		return fmt.Errorf("no return found after %s", r.IndexText(index))
	}
	fmt.Fprintln(out, tracesearch.Describe(r, found, flavour))
	return nil
}

func newSearcher(r *tracefile.Reader, c *config.Config) (*tracesearch.Searcher, error) {
	flavour, err := disasm.ParseFlavour(c.DisassembleFlavor)
	if err != nil {
		return nil, err
	}
	s := tracesearch.New(r, flavour)
	s.MaxResults = c.MaxSearchResults
	return s, nil
}

// runSearch runs fn with a table sink over out and a SIGINT aware context.
func runSearch(out io.Writer, fn func(ctx context.Context, sink tracesearch.ResultSink) (int, error)) error {
	ctx, cancel := signalContext()
	defer cancel()
	sink := tracesearch.NewTableSink(out)
	n, err := fn(ctx, sink)
	if ferr := sink.Flush(); err == nil {
		err = ferr
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d results\n", n)
	return nil
}

func searchConstCmd(cmd *cobra.Command, args []string) {
	os.Exit(withTrace(args, func(r *tracefile.Reader, c *config.Config) error {
		return searchConstant(os.Stdout, r, c, args[1:])
	}))
}

func searchConstant(out io.Writer, r *tracefile.Reader, c *config.Config, args []string) error {
	start, err := parseNumber(args[0], "value")
	if err != nil {
		return err
	}
	end := start
	if len(args) > 1 {
		if end, err = parseNumber(args[1], "value"); err != nil {
			return err
		}
	}
	if end < start {
		return errors.New("empty range")
	}
	s, err := newSearcher(r, c)
	if err != nil {
		return err
	}
	return runSearch(out, func(ctx context.Context, sink tracesearch.ResultSink) (int, error) {
		return s.ConstantRange(ctx, start, end, sink)
	})
}

func searchMemCmd(cmd *cobra.Command, args []string) {
	os.Exit(withTrace(args, func(r *tracefile.Reader, c *config.Config) error {
		return searchMemory(os.Stdout, r, c, args[1])
	}))
}

func searchMemory(out io.Writer, r *tracefile.Reader, c *config.Config, addrArg string) error {
	addr, err := parseNumber(addrArg, "address")
	if err != nil {
		return err
	}
	s, err := newSearcher(r, c)
	if err != nil {
		return err
	}
	return runSearch(out, func(ctx context.Context, sink tracesearch.ResultSink) (int, error) {
		return s.MemReference(ctx, addr, sink)
	})
}

func searchPatternCmd(cmd *cobra.Command, args []string) {
	os.Exit(withTrace(args, func(r *tracefile.Reader, c *config.Config) error {
		return searchPattern(os.Stdout, r, c, args[1:])
	}))
}

func searchPattern(out io.Writer, r *tracefile.Reader, c *config.Config, args []string) error {
	pattern := ""
	for _, a := range args {
		pattern += a
	}
	if _, _, err := tracesearch.ParsePattern(pattern); err != nil {
		return err
	}
	if r.Length() > 0 {
		r.EnableDump()
		if err := r.BuildDumpTo(r.Length() - 1); err != nil {
			return err
		}
	}
	s, err := newSearcher(r, c)
	if err != nil {
		return err
	}
	return runSearch(out, func(ctx context.Context, sink tracesearch.ResultSink) (int, error) {
		return s.Pattern(ctx, pattern, sink)
	})
}

func interactiveCmd(cmd *cobra.Command, args []string) {
	os.Exit(withTrace(args, func(r *tracefile.Reader, c *config.Config) error {
		term := terminal.New(r, c)
		term.InitFile = initFile
		status, err := term.Run()
		if err != nil {
			return err
		}
		if status != 0 {
			return fmt.Errorf("exit status %d", status)
		}
		return nil
	}))
}

func genCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput, logDest); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer logflags.Close()

		a, err := tracefile.ParseArch(arch)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		n, err := writeSyntheticFile(args[0], a, genCount, genSnapshot, genCompress)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		fmt.Printf("%d records written to %s\n", n, args[0])
		return 0
	}()
	os.Exit(status)
}
