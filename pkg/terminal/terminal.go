package terminal

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/go-delve/liner"

	"github.com/go-delve/dlvtrace/pkg/config"
	"github.com/go-delve/dlvtrace/pkg/disasm"
	"github.com/go-delve/dlvtrace/pkg/logflags"
	"github.com/go-delve/dlvtrace/pkg/tracefile"
	"github.com/go-delve/dlvtrace/pkg/tracesearch"
)

const (
	historyFile                 string = ".dbg_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const ansiBlue = 34

// Term represents the terminal running dlvtrace.
type Term struct {
	reader   *tracefile.Reader
	searcher *tracesearch.Searcher
	conf     *config.Config
	flavour  disasm.AssemblyFlavour
	prompt   string
	line     *liner.State
	cmds     *Commands
	dumb     bool
	stdout   io.Writer
	log      logflags.Logger
	InitFile string

	// cur is the selected trace index.
	cur uint64

	cancelMu  sync.Mutex
	cancelCmd context.CancelFunc
}

// New returns a new Term over an open trace.
func New(reader *tracefile.Reader, conf *config.Config) *Term {
	cmds := TraceCommands()
	if conf == nil {
		conf = &config.Config{}
		conf.Normalize()
	}
	if conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb"
	var w io.Writer = os.Stdout
	if !dumb {
		if cw := getColorableWriter(); cw != nil {
			w = cw
		} else {
			dumb = true
		}
	}

	flavour, err := disasm.ParseFlavour(conf.DisassembleFlavor)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v, using intel\n", err)
	}
	searcher := tracesearch.New(reader, flavour)
	searcher.MaxResults = conf.MaxSearchResults

	return &Term{
		reader:   reader,
		searcher: searcher,
		conf:     conf,
		flavour:  flavour,
		prompt:   "(dlvtrace) ",
		cmds:     cmds,
		dumb:     dumb,
		stdout:   w,
		log:      logflags.TerminalLogger(),
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
	}
}

// commandContext returns the context the next command runs in. It is
// cancelled by SIGINT.
func (t *Term) commandContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancelMu.Lock()
	t.cancelCmd = cancel
	t.cancelMu.Unlock()
	return ctx, cancel
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		t.cancelMu.Lock()
		cancel := t.cancelCmd
		t.cancelMu.Unlock()
		if cancel != nil {
			fmt.Fprintln(os.Stderr, "received SIGINT, stopping command")
			cancel()
		}
	}
}

// Run begins running dlvtrace in the terminal.
func (t *Term) Run() (int, error) {
	t.line = liner.NewLiner()
	defer t.Close()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	go t.sigintGuard(ch)

	t.line.SetCompleter(t.cmds.complete)

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}
	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Println("Type 'help' for list of commands.")

	if t.InitFile != "" {
		err := t.cmds.executeFile(t, t.InitFile)
		if err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Println("exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			t.log.Debugf("command %q: %v", cmdstr, err)
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

// Println prints a line to the terminal, highlighting prefix.
func (t *Term) Println(prefix, str string) {
	if !t.dumb {
		terminalColorEscapeCode := fmt.Sprintf(terminalHighlightEscapeCode, ansiBlue)
		prefix = fmt.Sprintf("%s%s%s", terminalColorEscapeCode, prefix, terminalResetEscapeCode)
	}
	fmt.Fprintf(t.stdout, "%s%s\n", prefix, str)
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit() (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
	} else {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR|os.O_TRUNC, 0666); err == nil {
			_, err = t.line.WriteHistory(f)
			if err != nil {
				fmt.Println("readline history error:", err)
			}
			f.Close()
		}
	}
	if failed, reason := t.reader.IsError(); failed {
		return 1, fmt.Errorf("trace error: %s", reason)
	}
	return 0, nil
}
