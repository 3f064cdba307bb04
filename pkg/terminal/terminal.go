package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/derekparker/trie"
	"github.com/go-delve/liner"

	"github.com/go-delve/dbgcore/pkg/config"
	"github.com/go-delve/dbgcore/pkg/proc"
)

const (
	historyFile                 string = ".dbg_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiRed    = 31
	ansiGreen  = 32
	ansiYellow = 33
	ansiBlue   = 34
)

// Term represents the terminal controlling a debugged process.
type Term struct {
	p        *proc.Process
	conf     *config.Config
	prompt   string
	line     *liner.State
	cmds     *Commands
	dumb     bool
	stdout   *transcriptWriter
	InitFile string

	// Attached is set when the process was not started by the debugger,
	// exiting then asks whether it should be killed instead of detached.
	Attached bool

	quittingMutex sync.Mutex
	quitting      bool
}

// New returns a new Term.
func New(p *proc.Process, conf *config.Config) *Term {
	t := newTerm(p, conf, getColorableWriter())
	t.dumb = !isColorTerminal(os.Stdout)
	t.line = liner.NewLiner()
	return t
}

func newTerm(p *proc.Process, conf *config.Config, w io.Writer) *Term {
	if conf == nil {
		conf = &config.Config{}
	}
	cmds := DebugCommands()
	if conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}
	return &Term{
		p:      p,
		conf:   conf,
		prompt: "(dbg) ",
		cmds:   cmds,
		dumb:   true,
		stdout: &transcriptWriter{w: w},
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
	}
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		t.quittingMutex.Lock()
		quitting := t.quitting
		t.quittingMutex.Unlock()
		if quitting {
			return
		}
		if !t.p.PrivateState().IsRunning() {
			continue
		}
		fmt.Fprintf(t.stdout, "received SIGINT, stopping process (will not forward signal)\n")
		if err := t.p.Halt(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
	}
}

// Run begins running the terminal.
func (t *Term) Run() (int, error) {
	defer t.Close()

	// Send the process a halt on SIGINT
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
	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")

	if err := t.runStartupCommands(); err != nil {
		if errors.As(err, &ExitRequestError{}) {
			return t.handleExit()
		}
		fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			return 1, errors.New("prompt for input failed")
		}
		t.stdout.Echo(t.prompt + cmdstr + "\n")

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if errors.As(err, &ExitRequestError{}) {
				return t.handleExit()
			}
			var exited proc.ErrProcessExited
			if errors.As(err, &exited) {
				fmt.Fprintln(os.Stderr, err.Error())
				continue
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
		t.stdout.Flush()
	}
}

// runStartupCommands runs the commands of the configuration file and then
// the init file, if any.
func (t *Term) runStartupCommands() error {
	for _, cmdstr := range t.conf.ExtraStartupCommands {
		if err := t.cmds.Call(cmdstr, t); err != nil {
			if errors.As(err, &ExitRequestError{}) {
				return err
			}
			fmt.Fprintf(os.Stderr, "Command %q failed: %s\n", cmdstr, err)
		}
	}
	if t.InitFile != "" {
		return t.cmds.executeFile(t, t.InitFile)
	}
	return nil
}

// Println prints a line to the terminal.
func (t *Term) Println(prefix, str string) {
	t.printColor(ansiBlue, prefix)
	fmt.Fprintf(t.stdout, "%s\n", str)
}

func (t *Term) printColor(color int, str string) {
	if !t.dumb {
		str = fmt.Sprintf(terminalHighlightEscapeCode+"%s"+terminalResetEscapeCode, color, str)
	}
	fmt.Fprint(t.stdout, str)
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

func yesno(line *liner.State, question string) (bool, error) {
	for {
		answer, err := line.Prompt(question)
		if err != nil {
			return false, err
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		switch answer {
		case "", "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
	}
}

func (t *Term) handleExit() (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
	} else {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR, 0666); err == nil {
			_, err = t.line.WriteHistory(f)
			if err != nil {
				fmt.Println("readline history error:", err)
			}
			f.Close()
		}
	}

	t.quittingMutex.Lock()
	t.quitting = true
	t.quittingMutex.Unlock()

	if err := t.stdout.CloseTranscript(); err != nil {
		fmt.Fprintf(os.Stderr, "error closing transcript file: %v\n", err)
	}

	switch t.p.State() {
	case proc.StateExited, proc.StateDetached:
		return 0, nil
	}

	kill := true
	if t.Attached {
		answer, err := yesno(t.line, "Would you like to kill the process? [Y/n] ")
		if err != nil {
			return 2, io.EOF
		}
		kill = answer
	}
	if kill {
		err = t.p.Destroy()
	} else {
		err = t.p.Detach()
	}
	if err != nil {
		return 1, err
	}
	return 0, nil
}

// complete returns the aliases of every command starting with line.
func (c *Commands) complete(line string) []string {
	if c.trie == nil {
		c.trie = trie.New()
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				c.trie.Add(alias, nil)
			}
		}
	}
	r := c.trie.PrefixSearch(strings.ToLower(line))
	sort.Strings(r)
	return r
}
