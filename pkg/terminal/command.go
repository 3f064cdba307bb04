// Package terminal implements functions for responding to user
// input and dispatching to appropriate process control operations.
package terminal

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"

	"github.com/go-delve/dbgcore/pkg/proc"
)

// runtoBreakpointID owns the temporary sites created by runto.
const runtoBreakpointID = -1

const maxExamineMemLen = 1000

type cmdfunc func(t *Term, args string) error

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

// Commands represents the commands of the terminal.
type Commands struct {
	cmds []command
	trie *trie.Trie

	lastBreakpointID int
}

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"break", "b"}, group: breakCmds, cmdFn: c.breakpoint, helpMsg: `Sets a breakpoint.

	break <address> [-hw]

Patches a trap at address, or programs a hardware breakpoint if -hw is
given. Breakpoints resolving to the same address share a single site.

See also: "help clear" and "help sites"`},
		{aliases: []string{"clear"}, group: breakCmds, cmdFn: clearSite, helpMsg: `Deletes a breakpoint site.

	clear <site id>

Removes every breakpoint owning the site, restoring the original bytes.`},
		{aliases: []string{"sites", "bp"}, group: breakCmds, cmdFn: sites, helpMsg: "Print out info for breakpoint sites."},
		{aliases: []string{"continue", "c"}, group: runCmds, cmdFn: cont, helpMsg: `Run until breakpoint or program termination.

	continue

Press Ctrl-C to stop the process.`},
		{aliases: []string{"halt"}, group: runCmds, cmdFn: halt, helpMsg: "Stops the running process."},
		{aliases: []string{"runto"}, group: runCmds, cmdFn: runto, helpMsg: `Runs the selected thread to an address.

	runto <address> [-timeout <duration>] [-all-threads] [-discard]

The other threads are kept stopped. With -all-threads they are allowed to
run if the selected thread does not get there in a short while. When
-timeout is given the process is halted after the specified duration.
With -discard the run is forgotten if it does not complete, otherwise
the next continue resumes it.`},
		{aliases: []string{"detach"}, group: runCmds, cmdFn: detach, helpMsg: `Detaches from the process and exits.

	detach

Breakpoint traps are removed before the process is let go.`},
		{aliases: []string{"kill"}, group: runCmds, cmdFn: kill, helpMsg: "Kills the process."},
		{aliases: []string{"examinemem", "x"}, group: dataCmds, cmdFn: examineMemoryCmd, helpMsg: `Examine raw memory at the given address.

	examinemem <address> [<length>]

Breakpoint traps are not shown, memory reads as if no breakpoint was
set. Length defaults to 16 and can not exceed 1000 bytes.`},
		{aliases: []string{"setmem"}, group: dataCmds, cmdFn: setMemory, helpMsg: `Writes bytes to memory.

	setmem <address> <hex bytes>

Example:

	setmem 0x4000a0 90c3`},
		{aliases: []string{"threads"}, group: threadCmds, cmdFn: threads, helpMsg: "Print out info for every traced thread."},
		{aliases: []string{"thread", "tr"}, group: threadCmds, cmdFn: thread, helpMsg: `Switch to the specified thread.

	thread <id>`},
		{aliases: []string{"state"}, cmdFn: state, helpMsg: "Prints the state of the process."},
		{aliases: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of terminal commands.

	source <path>

Lines starting with # are ignored.`},
		{aliases: []string{"transcript"}, cmdFn: transcript, helpMsg: `Appends command output to a file.

	transcript [-t] [-x] <output file>
	transcript -off

Output of commands is appended to the specified output file. If -t is
specified and the output file exists it is truncated. If -x is specified
output to stdout is suppressed instead.

Using the -off option disables the transcript.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the debugger.

	exit

A launched process is killed. When attached you are asked whether the
process should be killed or left running.`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	return c
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// Register custom commands. Expects cf to be a func of type cmdfunc,
// returning only an error.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	c.trie = nil
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			c.cmds[i].cmdFn = cf
			return
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
// If the command is an empty string it will do nothing.
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
	return c.Find(cmdname)(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	c.trie = nil
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
}

var errNoCmd = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return errNoCmd
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
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
	if args == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal commandline '%s'", args)
	}
	return v[0], nil
}

func parseAddress(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("could not parse address %q", s)
	}
	return addr, nil
}

func (c *Commands) breakpoint(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	var (
		hw      bool
		addrstr string
	)
	for _, arg := range v {
		switch {
		case arg == "-hw":
			hw = true
		case addrstr == "":
			addrstr = arg
		default:
			return fmt.Errorf("too many arguments to break")
		}
	}
	if addrstr == "" {
		return errors.New("not enough arguments")
	}
	addr, err := parseAddress(addrstr)
	if err != nil {
		return err
	}
	owner := proc.BreakpointOwner{BreakpointID: c.lastBreakpointID + 1, LocationID: 1}
	id, err := t.p.CreateBreakpointSite(owner, addr, hw)
	if err != nil {
		return err
	}
	c.lastBreakpointID++
	fmt.Fprintf(t.stdout, "Breakpoint %d set at %#x (site %d)\n", owner.BreakpointID, addr, id)
	return nil
}

func clearSite(t *Term, args string) error {
	if args == "" {
		return errors.New("not enough arguments")
	}
	n, err := strconv.Atoi(args)
	if err != nil {
		return fmt.Errorf("invalid site id %q", args)
	}
	site, ok := t.p.Sites().FindByID(proc.SiteID(n))
	if !ok {
		return fmt.Errorf("no site with id %d", n)
	}
	for _, owner := range site.Owners() {
		if err := t.p.RemoveBreakpointOwner(site.ID, owner); err != nil {
			return err
		}
	}
	fmt.Fprintf(t.stdout, "Site %d cleared at %#x\n", site.ID, site.Addr)
	return nil
}

func sites(t *Term, args string) error {
	all := t.p.Sites().Sites()
	if len(all) == 0 {
		fmt.Fprintln(t.stdout, "No breakpoint sites.")
		return nil
	}
	for _, s := range all {
		enabled := "disabled"
		if s.Enabled() {
			enabled = "enabled"
		}
		owners := make([]string, 0, len(s.Owners()))
		for _, o := range s.Owners() {
			if o.BreakpointID == runtoBreakpointID {
				owners = append(owners, "runto")
				continue
			}
			owners = append(owners, o.String())
		}
		fmt.Fprintf(t.stdout, "Site %d at %#x (%s, %s) owners: %s\n", s.ID, s.Addr, s.Kind, enabled, strings.Join(owners, ", "))
	}
	return nil
}

func cont(t *Term, args string) error {
	if err := t.p.Resume(); err != nil {
		return err
	}
	s, err := t.p.WaitForProcessToStop(proc.WaitForever)
	if err != nil {
		return err
	}
	printStop(t, s)
	return nil
}

func halt(t *Term, args string) error {
	if !t.p.PrivateState().IsRunning() {
		return errors.New("process is not running")
	}
	return t.p.Halt()
}

func runto(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	var (
		addrstr string
		opts    = proc.RunOptions{StopOthers: true}
	)
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case "-timeout":
			i++
			if i >= len(v) {
				return errors.New("expected argument after -timeout")
			}
			opts.Timeout, err = time.ParseDuration(v[i])
			if err != nil || opts.Timeout <= 0 {
				return fmt.Errorf("invalid timeout %q", v[i])
			}
		case "-all-threads":
			opts.TryAllThreads = true
		case "-discard":
			opts.DiscardOnError = true
		default:
			if addrstr != "" {
				return errors.New("too many arguments to runto")
			}
			addrstr = v[i]
		}
	}
	if addrstr == "" {
		return errors.New("not enough arguments")
	}
	addr, err := parseAddress(addrstr)
	if err != nil {
		return err
	}
	th, ok := t.p.Threads().SelectedThread()
	if !ok {
		return proc.ErrNoThread
	}

	owner := proc.BreakpointOwner{BreakpointID: runtoBreakpointID, LocationID: th.ID()}
	id, err := t.p.CreateBreakpointSite(owner, addr, false)
	if err != nil {
		return err
	}
	defer func() {
		if s := t.p.PrivateState(); s.IsStopped(true) {
			if err := t.p.RemoveBreakpointOwner(id, owner); err != nil {
				fmt.Fprintf(os.Stderr, "could not remove runto breakpoint: %v\n", err)
			}
		}
	}()

	plan := proc.NewRunToAddressPlan(addr, opts.StopOthers)
	res, err := t.p.RunThreadPlan(context.Background(), th.ID(), plan, opts)
	fmt.Fprintf(t.stdout, "runto %#x: %s\n", addr, res)
	if err != nil {
		return err
	}
	printStop(t, t.p.State())
	return nil
}

func detach(t *Term, args string) error {
	if err := t.p.Detach(); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Detached from process %d\n", t.p.Pid())
	return ExitRequestError{}
}

func kill(t *Term, args string) error {
	if t.p.Exited() {
		return proc.ErrProcessExited{Pid: t.p.Pid(), Status: t.p.ExitStatus()}
	}
	if err := t.p.Destroy(); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Process %d killed\n", t.p.Pid())
	return nil
}

func examineMemoryCmd(t *Term, args string) error {
	v := strings.Fields(args)
	if len(v) == 0 {
		return errors.New("no address specified")
	}
	if len(v) > 2 {
		return errors.New("too many arguments to examinemem")
	}
	address, err := parseAddress(v[0])
	if err != nil {
		return err
	}
	size := 16
	if len(v) == 2 {
		size, err = strconv.Atoi(v[1])
		if err != nil || size <= 0 {
			return errors.New("length must be a positive integer")
		}
	}
	if size > maxExamineMemLen {
		return fmt.Errorf("read memory range (length: %d) is too large", size)
	}

	buf := make([]byte, size)
	n, err := t.p.ReadMemory(address, buf)
	if n > 0 {
		fmt.Fprint(t.stdout, formatMemory(address, buf[:n]))
	}
	return err
}

// formatMemory prints mem, read at addr, sixteen bytes per line.
func formatMemory(addr uint64, mem []byte) string {
	var sb strings.Builder
	for i := 0; i < len(mem); i += 16 {
		fmt.Fprintf(&sb, "%#x:", addr+uint64(i))
		for j := i; j < i+16 && j < len(mem); j++ {
			fmt.Fprintf(&sb, " %02x", mem[j])
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func setMemory(t *Term, args string) error {
	v := strings.Fields(args)
	if len(v) != 2 {
		return errors.New("wrong number of arguments")
	}
	address, err := parseAddress(v[0])
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(strings.TrimPrefix(v[1], "0x"))
	if err != nil {
		return fmt.Errorf("could not parse bytes %q: %v", v[1], err)
	}
	n, err := t.p.WriteMemory(address, data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("only %d of %d bytes written at %#x", n, len(data), address)
	}
	return nil
}

type byThreadID []proc.Thread

func (a byThreadID) Len() int           { return len(a) }
func (a byThreadID) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byThreadID) Less(i, j int) bool { return a[i].ID() < a[j].ID() }

func threads(t *Term, args string) error {
	list := t.p.Threads().Threads()
	sort.Sort(byThreadID(list))
	selected := -1
	if th, ok := t.p.Threads().SelectedThread(); ok {
		selected = th.ID()
	}
	for _, th := range list {
		prefix := "  "
		if th.ID() == selected {
			prefix = "* "
		}
		pc, err := th.PC()
		if err != nil {
			fmt.Fprintf(t.stdout, "%sThread %d (%v)\n", prefix, th.ID(), err)
			continue
		}
		fmt.Fprintf(t.stdout, "%sThread %d at %#x (%s)\n", prefix, th.ID(), pc, th.StopReason())
	}
	return nil
}

func thread(t *Term, args string) error {
	if len(args) == 0 {
		return errors.New("you must specify a thread")
	}
	tid, err := strconv.Atoi(args)
	if err != nil {
		return err
	}
	oldThread := -1
	if th, ok := t.p.Threads().SelectedThread(); ok {
		oldThread = th.ID()
	}
	if !t.p.Threads().SetSelectedThread(tid) {
		return fmt.Errorf("no such thread: %d", tid)
	}
	fmt.Fprintf(t.stdout, "Switched from %d to %d\n", oldThread, tid)
	return nil
}

func state(t *Term, args string) error {
	fmt.Fprintf(t.stdout, "Process %d is %s (private state %s)\n", t.p.Pid(), t.p.State(), t.p.PrivateState())
	if t.p.Exited() {
		fmt.Fprintf(t.stdout, "Exit status %d", t.p.ExitStatus())
		if desc := t.p.ExitDescription(); desc != "" {
			fmt.Fprintf(t.stdout, " (%s)", desc)
		}
		fmt.Fprintln(t.stdout)
	}
	return nil
}

func printStop(t *Term, s proc.State) {
	switch s {
	case proc.StateExited:
		t.printColor(ansiYellow, fmt.Sprintf("Process %d has exited with status %d\n", t.p.Pid(), t.p.ExitStatus()))
		return
	case proc.StateDetached:
		fmt.Fprintf(t.stdout, "Detached from process %d\n", t.p.Pid())
		return
	}
	th, ok := t.p.Threads().SelectedThread()
	if !ok {
		fmt.Fprintf(t.stdout, "Process %d is %s\n", t.p.Pid(), s)
		return
	}
	pc, err := th.PC()
	if err != nil {
		fmt.Fprintf(t.stdout, "Thread %d is %s (%v)\n", th.ID(), s, err)
		return
	}
	t.printColor(ansiGreen, "> ")
	fmt.Fprintf(t.stdout, "[thread %d] %s at %#x (%s)\n", th.ID(), s, pc, th.StopReason())
}

func transcript(t *Term, args string) error {
	truncate := false
	fileOnly := false
	disable := false
	path := ""
	for _, arg := range strings.Fields(args) {
		switch arg {
		case "-off":
			disable = true
		case "-t":
			truncate = true
		case "-x":
			fileOnly = true
		default:
			if path != "" || strings.HasPrefix(arg, "-") {
				return fmt.Errorf("unrecognized option %q", arg)
			}
			path = arg
		}
	}

	if disable {
		if path != "" {
			return errors.New("-off option specified with an output path")
		}
		return t.stdout.CloseTranscript()
	}

	if path == "" {
		return errors.New("no output path specified")
	}

	flags := os.O_APPEND | os.O_WRONLY | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	}
	fh, err := os.OpenFile(path, flags, 0660)
	if err != nil {
		return err
	}

	if err := t.stdout.CloseTranscript(); err != nil {
		return err
	}

	t.stdout.TranscribeTo(fh, fileOnly)
	return nil
}

// ExitRequestError is returned when the user
// exits the terminal.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}

func (c *Commands) sourceCommand(t *Term, args string) error {
	if len(args) == 0 {
		return errors.New("wrong number of arguments: source <filename>")
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
