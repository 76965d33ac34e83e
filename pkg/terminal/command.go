// Package terminal implements functions for responding to user
// input and dispatching to the trace reader and searches.
package terminal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"

	"github.com/go-delve/dlvtrace/pkg/tracedump"
	"github.com/go-delve/dlvtrace/pkg/tracesearch"
)

type callContext struct {
	ctx context.Context
}

type cmdfunc func(t *Term, ctx callContext, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands of the trace terminal.
type Commands struct {
	cmds []command
	trie *trie.Trie
}

// TraceCommands returns a Commands struct with default commands defined.
func TraceCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"info"}, cmdFn: info, helpMsg: `Prints the state of the open trace.

	info

Shows the index pass state and progress, the number of records and the state of the memory history.`},
		{aliases: []string{"goto", "g"}, group: navigationCmds, cmdFn: gotoCmd, helpMsg: `Selects a trace index.

	goto <index>

The index is decimal, or hexadecimal with a 0x prefix.`},
		{aliases: []string{"step", "s"}, group: navigationCmds, cmdFn: step, helpMsg: `Moves forward and describes the selected step.

	step [count]`},
		{aliases: []string{"rstep", "rs"}, group: navigationCmds, cmdFn: rstep, helpMsg: `Moves backward and describes the selected step.

	rstep [count]`},
		{aliases: []string{"ret"}, group: navigationCmds, cmdFn: ret, helpMsg: `Moves to the return of the current function.

	ret

Selects the first return executed by the selected thread with its stack pointer at or above the current one. The selection does not move if there is none.`},
		{aliases: []string{"regs", "r"}, group: dataCmds, cmdFn: regs, helpMsg: `Prints the registers at the selected index.

	regs [-a]

Without -a only the general purpose registers and the instruction pointer are printed.`},
		{aliases: []string{"examinemem", "x"}, group: dataCmds, cmdFn: examineMemoryCmd, helpMsg: `Examine memory as it was before the selected step.

	examinemem [-len <count>] <address>

Requires the memory history, see "help dump". Bytes never accessed by the trace read as zero.`},
		{aliases: []string{"stack"}, group: dataCmds, cmdFn: stack, helpMsg: `Prints the words at the top of the stack before the selected step.

	stack [count]`},
		{aliases: []string{"dump"}, group: dataCmds, cmdFn: dumpCmd, helpMsg: `Enables and builds the memory history.

	dump`},
		{aliases: []string{"refs"}, group: searchCmds, cmdFn: refs, helpMsg: `Lists the steps that accessed a word of memory.

	refs <address>`},
		{aliases: []string{"const"}, group: searchCmds, cmdFn: constCmd, helpMsg: `Lists the steps where a register or memory operand holds a value.

	const <value> [<end>]

With two arguments every value in [value, end] matches.`},
		{aliases: []string{"find"}, group: searchCmds, cmdFn: find, helpMsg: `Lists the addresses where memory matched a byte pattern.

	find <pattern>

The pattern is a list of hexadecimal bytes, '?' matches any nibble: find 48 8b ?5 ??`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{aliases: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of commands.

	source <path>`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the terminal.

	exit`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	c.buildTrie()
	return c
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

func (c *Commands) buildTrie() {
	c.trie = trie.New()
	for _, cmd := range c.cmds {
		for _, alias := range cmd.aliases {
			c.trie.Add(alias, nil)
		}
	}
}

// complete returns the commands starting with line.
func (c *Commands) complete(line string) []string {
	if strings.ContainsRune(line, ' ') {
		return nil
	}
	out := c.trie.PrefixSearch(strings.ToLower(line))
	sort.Strings(out)
	return out
}

// Register custom commands. Expects cf to be a func of type cmdfunc,
// returning only an error.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			c.cmds[i].cmdFn = cf
			return
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
	c.trie.Add(cmdstr, nil)
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	ctx, cancel := t.commandContext()
	defer cancel()
	return c.Find(cmdname)(t, callContext{ctx: ctx}, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.buildTrie()
}

var errNoCmd = errors.New("command not available")

func noCmdAvailable(t *Term, ctx callContext, args string) error {
	return errNoCmd
}

func nullCommand(t *Term, ctx callContext, args string) error {
	return nil
}

func (c *Commands) help(t *Term, ctx callContext, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return errNoCmd
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// splitArgs splits args the way a shell would.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", args)
	}
	return v[0], nil
}

func parseNumber(s, what string) (uint64, error) {
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("could not parse %s %q", what, s)
	}
	return n, nil
}

func parseOptionalCount(args string) (uint64, error) {
	if args == "" {
		return 1, nil
	}
	return parseNumber(args, "count")
}

// checkIndex returns an error if the trace has no record at index.
func (t *Term) checkIndex(index uint64) error {
	n := t.reader.Length()
	if index < n {
		return nil
	}
	if failed, reason := t.reader.IsError(); failed {
		return fmt.Errorf("trace error: %s", reason)
	}
	return fmt.Errorf("index %d out of range, trace has %d records", index, n)
}

// buildDump brings the memory history to the end of the trace.
func (t *Term) buildDump() error {
	if !t.reader.GetDump().IsEnabled() {
		return fmt.Errorf("%w, enable it with \"dump\"", tracedump.ErrDumpDisabled)
	}
	if n := t.reader.Length(); n > 0 {
		return t.reader.BuildDumpTo(n - 1)
	}
	return nil
}

func info(t *Term, ctx callContext, args string) error {
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	state := t.reader.State()
	fmt.Fprintf(w, "State:\t%s\n", state)
	if failed, reason := t.reader.IsError(); failed {
		fmt.Fprintf(w, "Error:\t%s\n", reason)
	}
	fmt.Fprintf(w, "Progress:\t%d%%\n", t.reader.Progress())
	fmt.Fprintf(w, "Arch:\t%s\n", t.reader.Arch())
	fmt.Fprintf(w, "Records:\t%d\n", t.reader.Length())
	fmt.Fprintf(w, "Selected:\t%s\n", t.reader.IndexText(t.cur))
	dump := t.reader.GetDump()
	if dump.IsEnabled() {
		fmt.Fprintf(w, "Memory history:\t%d steps, %d entries\n", dump.Index(), dump.Len())
	} else {
		fmt.Fprintf(w, "Memory history:\tdisabled\n")
	}
	return w.Flush()
}

func (t *Term) printStep() {
	text := tracesearch.Describe(t.reader, t.cur, t.flavour)
	header, rest, _ := strings.Cut(text, "\n")
	t.Println("> ", header)
	fmt.Fprint(t.stdout, rest)
}

func gotoCmd(t *Term, ctx callContext, args string) error {
	if args == "" {
		return errors.New("not enough arguments")
	}
	index, err := parseNumber(args, "index")
	if err != nil {
		return err
	}
	if err := t.checkIndex(index); err != nil {
		return err
	}
	t.cur = index
	t.printStep()
	return nil
}

func step(t *Term, ctx callContext, args string) error {
	n, err := parseOptionalCount(args)
	if err != nil {
		return err
	}
	if err := t.checkIndex(t.cur + n); err != nil {
		return err
	}
	t.cur += n
	t.printStep()
	return nil
}

func rstep(t *Term, ctx callContext, args string) error {
	n, err := parseOptionalCount(args)
	if err != nil {
		return err
	}
	if n > t.cur {
		return errors.New("already at the start of the trace")
	}
	t.cur -= n
	t.printStep()
	return nil
}

func ret(t *Term, ctx callContext, args string) error {
	if err := t.checkIndex(t.cur); err != nil {
		return err
	}
	index := t.searcher.FuncReturn(t.cur)
	if index == t.cur {
		fmt.Fprintln(t.stdout, "no return found")
	}
	t.cur = index
	t.printStep()
	return nil
}

func regs(t *Term, ctx callContext, args string) error {
	if err := t.checkIndex(t.cur); err != nil {
		return err
	}
	r := t.reader.Registers(t.cur)
	list := r.GeneralPurpose()
	if args == "-a" {
		list = r.Slice()
	}
	width := t.reader.Arch().WordSize() * 2
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', tabwriter.AlignRight)
	for _, reg := range list {
		fmt.Fprintf(w, "%s\t%0*X\t\n", reg.Name, width, reg.Value)
	}
	return w.Flush()
}

func examineMemoryCmd(t *Term, ctx callContext, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}

	var address uint64
	count := uint64(64)
	haveAddress := false

	for i := 0; i < len(v); i++ {
		switch v[i] {
		case "-len", "-count":
			i++
			if i >= len(v) {
				return fmt.Errorf("expected argument after -len")
			}
			count, err = parseNumber(v[i], "length")
			if err != nil || count == 0 {
				return fmt.Errorf("len must be a positive integer")
			}
		default:
			if i != len(v)-1 {
				return fmt.Errorf("unknown option %q", v[i])
			}
			address, err = parseNumber(v[i], "address")
			if err != nil {
				return err
			}
			haveAddress = true
		}
	}
	if !haveAddress {
		return fmt.Errorf("no address specified")
	}
	if count > 4096 {
		return fmt.Errorf("read memory range must be less than or equal to 4096 bytes")
	}
	if err := t.buildDump(); err != nil {
		return err
	}

	page := tracedump.NewMemoryPage(t.reader.GetDump())
	page.SetAttributes(address, count)
	page.SetSelectedIndex(t.cur)
	buf := make([]byte, count)
	if !page.Read(buf, 0) {
		return tracedump.ErrDumpDisabled
	}
	fmt.Fprint(t.stdout, HexDump(address, buf, t.reader.Arch().WordSize()*2))
	return nil
}

// HexDump formats mem, read at address, 16 bytes per row.
func HexDump(address uint64, mem []byte, addrWidth int) string {
	var b strings.Builder
	for off := 0; off < len(mem); off += 16 {
		row := mem[off:min(off+16, len(mem))]
		fmt.Fprintf(&b, "%0*X  % x", addrWidth, address+uint64(off), row)
		b.WriteString(strings.Repeat("   ", 16-len(row)))
		b.WriteString("  ")
		for _, c := range row {
			if c < 0x20 || c > 0x7e {
				c = '.'
			}
			b.WriteByte(c)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func stack(t *Term, ctx callContext, args string) error {
	count := uint64(8)
	if args != "" {
		var err error
		if count, err = parseNumber(args, "count"); err != nil {
			return err
		}
	}
	if err := t.checkIndex(t.cur); err != nil {
		return err
	}
	if err := t.buildDump(); err != nil {
		return err
	}
	r := t.reader.Registers(t.cur)
	ws := uint64(t.reader.Arch().WordSize())
	page := tracedump.NewMemoryPage(t.reader.GetDump())
	page.SetAttributes(r.SP(), count*ws)
	page.SetSelectedIndex(t.cur)
	buf := make([]byte, 8)
	for i := uint64(0); i < count; i++ {
		for j := range buf {
			buf[j] = 0
		}
		if !page.Read(buf[:ws], i*ws) {
			return tracedump.ErrDumpDisabled
		}
		fmt.Fprintf(t.stdout, "%0*X  %0*X\n", int(ws*2), r.SP()+i*ws, int(ws*2), binary.LittleEndian.Uint64(buf))
	}
	return nil
}

func dumpCmd(t *Term, ctx callContext, args string) error {
	t.reader.EnableDump()
	if err := t.buildDump(); err != nil {
		return err
	}
	dump := t.reader.GetDump()
	fmt.Fprintf(t.stdout, "memory history built: %d steps, %d entries\n", dump.Index(), dump.Len())
	return nil
}

func (t *Term) newSink() *tracesearch.TableSink {
	sink := tracesearch.NewTableSink(t.stdout)
	sink.OnProgress = func(percent int) {
		t.log.Debugf("search progress %d%%", percent)
	}
	return sink
}

func refs(t *Term, ctx callContext, args string) error {
	if args == "" {
		return errors.New("not enough arguments")
	}
	addr, err := parseNumber(args, "address")
	if err != nil {
		return err
	}
	if !t.reader.GetDump().IsEnabled() {
		return fmt.Errorf("%w, enable it with \"dump\"", tracedump.ErrDumpDisabled)
	}
	sink := t.newSink()
	n, err := t.searcher.MemReference(ctx.ctx, addr, sink)
	if ferr := sink.Flush(); err == nil {
		err = ferr
	}
	fmt.Fprintf(t.stdout, "%d references\n", n)
	return err
}

func constCmd(t *Term, ctx callContext, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) == 0 || len(v) > 2 {
		return errors.New("wrong number of arguments to \"const\"")
	}
	start, err := parseNumber(v[0], "value")
	if err != nil {
		return err
	}
	end := start
	if len(v) == 2 {
		if end, err = parseNumber(v[1], "value"); err != nil {
			return err
		}
	}
	if end < start {
		return fmt.Errorf("empty range %#x-%#x", start, end)
	}
	sink := t.newSink()
	n, err := t.searcher.ConstantRange(ctx.ctx, start, end, sink)
	if ferr := sink.Flush(); err == nil {
		err = ferr
	}
	fmt.Fprintf(t.stdout, "%d results\n", n)
	return err
}

func find(t *Term, ctx callContext, args string) error {
	if args == "" {
		return errors.New("not enough arguments")
	}
	if !t.reader.GetDump().IsEnabled() {
		return fmt.Errorf("%w, enable it with \"dump\"", tracedump.ErrDumpDisabled)
	}
	sink := t.newSink()
	n, err := t.searcher.Pattern(ctx.ctx, args, sink)
	if ferr := sink.Flush(); err == nil {
		err = ferr
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%d matches\n", n)
	if n >= t.conf.MaxSearchResults {
		fmt.Fprintln(t.stdout, "result limit reached, see max-search-results")
	}
	return nil
}

// ExitRequestError is returned when the user
// exits the terminal.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, ctx callContext, args string) error {
	return ExitRequestError{}
}

func (c *Commands) sourceCommand(t *Term, ctx callContext, args string) error {
	if len(args) == 0 {
		return fmt.Errorf("wrong number of arguments: source <filename>")
	}
	return c.executeFile(t, args)
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}
