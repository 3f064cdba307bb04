package terminal

import (
	"bytes"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/go-delve/dbgcore/pkg/config"
	"github.com/go-delve/dbgcore/pkg/logflags"
	"github.com/go-delve/dbgcore/pkg/proc"
	"github.com/go-delve/dbgcore/pkg/proc/proctest"
)

func TestMain(m *testing.M) {
	var logConf string
	flag.StringVar(&logConf, "log", "", "configures logging")
	flag.Parse()
	logflags.Setup(logConf != "", logConf, "")
	os.Exit(m.Run())
}

func assertNoError(err error, t testing.TB, s string) {
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		fname := filepath.Base(file)
		t.Fatalf("failed assertion at %s:%d: %s - %s\n", fname, line, s, err)
	}
}

type FakeTerminal struct {
	*Term
	b   *proctest.Backend
	out *bytes.Buffer
}

func (ft *FakeTerminal) Exec(cmdstr string) (string, error) {
	ft.out.Reset()
	err := ft.cmds.Call(cmdstr, ft.Term)
	return ft.out.String(), err
}

func (ft *FakeTerminal) MustExec(t *testing.T, cmdstr string) string {
	t.Helper()
	out, err := ft.Exec(cmdstr)
	if err != nil {
		t.Fatalf("Error executing <%s>: %v", cmdstr, err)
	}
	return out
}

func withTestTerminal(t *testing.T, conf *config.Config, fn func(term *FakeTerminal)) {
	b := proctest.NewBackend()
	p := proctest.Launch(t, b, proc.Config{LaunchTimeout: 2 * time.Second, HaltTimeout: time.Second})
	out := new(bytes.Buffer)
	term := newTerm(p, conf, out)
	fn(&FakeTerminal{Term: term, b: b, out: out})
}

func TestCommandDefault(t *testing.T) {
	var (
		cmds = Commands{}
		cmd  = cmds.Find("non-existent-command")
	)

	err := cmd(nil, "")
	if err == nil {
		t.Fatal("cmd() did not default")
	}

	if err.Error() != "command not available" {
		t.Fatal("wrong command output")
	}
}

func TestCommandReplayWithoutPreviousCommand(t *testing.T) {
	var (
		cmds = DebugCommands()
		cmd  = cmds.Find("")
		err  = cmd(nil, "")
	)

	if err != nil {
		t.Error("Null command not returned", err)
	}
}

func TestCommandThread(t *testing.T) {
	var (
		cmds = DebugCommands()
		cmd  = cmds.Find("thread")
	)

	err := cmd(nil, "")
	if err == nil {
		t.Fatal("thread terminal command did not default")
	}

	if err.Error() != "you must specify a thread" {
		t.Fatal("wrong command output: ", err.Error())
	}
}

func TestMergeAliases(t *testing.T) {
	cmds := DebugCommands()
	cmds.Merge(map[string][]string{"sites": {"ls"}, "continue": {"go"}})
	for _, alias := range []string{"ls", "go", "sites", "c"} {
		if !hasAlias(cmds, alias) {
			t.Errorf("alias %q not found", alias)
		}
	}
	cmds.Merge(map[string][]string{"sites": {"list"}})
	if got := cmds.complete("l"); !reflect.DeepEqual(got, []string{"list"}) {
		t.Errorf("complete(l) = %v; want [list]", got)
	}
}

func hasAlias(cmds *Commands, alias string) bool {
	for _, cmd := range cmds.cmds {
		if cmd.match(alias) {
			return true
		}
	}
	return false
}

func TestComplete(t *testing.T) {
	cmds := DebugCommands()
	if got := cmds.complete("ex"); !reflect.DeepEqual(got, []string{"examinemem", "exit"}) {
		t.Errorf("complete(ex) = %v; want [examinemem exit]", got)
	}
	if got := cmds.complete("THRE"); !reflect.DeepEqual(got, []string{"thread", "threads"}) {
		t.Errorf("complete(THRE) = %v; want [thread threads]", got)
	}
	if got := cmds.complete("zz"); len(got) != 0 {
		t.Errorf("complete(zz) = %v; want nothing", got)
	}
}

func TestHelp(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		out := term.MustExec(t, "help")
		for _, want := range []string{"Running the program:", "continue (alias: c)", "runto", "examinemem (alias: x)"} {
			if !strings.Contains(out, want) {
				t.Errorf("help output does not contain %q:\n%s", want, out)
			}
		}
		out = term.MustExec(t, "help setmem")
		if !strings.HasPrefix(out, "Writes bytes to memory.") {
			t.Errorf("help setmem = %q", out)
		}
		if _, err := term.Exec("help nothing"); !errors.Is(err, errNoCmd) {
			t.Errorf("help nothing = %v; want %v", err, errNoCmd)
		}
	})
}

func TestBreakAndClear(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		out := term.MustExec(t, "break 0x1010")
		if want := "Breakpoint 1 set at 0x1010 (site 1)\n"; out != want {
			t.Errorf("break = %q; want %q", out, want)
		}
		out = term.MustExec(t, "b 0x1010")
		if want := "Breakpoint 2 set at 0x1010 (site 1)\n"; out != want {
			t.Errorf("break = %q; want %q", out, want)
		}
		if got := term.b.Mem.Bytes(0x1010, 1); got[0] != 0xCC {
			t.Errorf("memory at site = %#x; want trap", got)
		}

		out = term.MustExec(t, "sites")
		if want := "Site 1 at 0x1010 (software, enabled) owners: 1.1, 2.1\n"; out != want {
			t.Errorf("sites = %q; want %q", out, want)
		}

		term.MustExec(t, "clear 1")
		if got := term.b.Mem.Bytes(0x1010, 1); got[0] != 0 {
			t.Errorf("memory at cleared site = %#x; want 0", got)
		}
		out = term.MustExec(t, "sites")
		if out != "No breakpoint sites.\n" {
			t.Errorf("sites after clear = %q", out)
		}

		if _, err := term.Exec("clear 1"); err == nil {
			t.Error("clearing a deleted site succeeded")
		}
		if _, err := term.Exec("break nowhere"); err == nil {
			t.Error("break with a bad address succeeded")
		}
	})
}

func TestHardwareBreakpoint(t *testing.T) {
	b := proctest.NewBackend()
	b.Hardware = true
	p := proctest.Launch(t, b, proc.Config{LaunchTimeout: 2 * time.Second, HaltTimeout: time.Second})
	out := new(bytes.Buffer)
	term := &FakeTerminal{Term: newTerm(p, nil, out), b: b, out: out}

	term.MustExec(t, "break -hw 0x1020")
	if !b.HardwareBreakpoint(0x1020) {
		t.Error("hardware breakpoint not set")
	}
	if got := b.Mem.Bytes(0x1020, 1); got[0] != 0 {
		t.Errorf("memory at hardware site = %#x; want 0", got)
	}
	if out := term.MustExec(t, "sites"); !strings.Contains(out, "(hardware, enabled)") {
		t.Errorf("sites = %q", out)
	}
}

func TestExamineAndSetMemory(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		term.MustExec(t, "setmem 0x1000 01020304")
		if got := term.b.Mem.Bytes(0x1000, 4); !bytes.Equal(got, []byte{1, 2, 3, 4}) {
			t.Errorf("memory = %#v", got)
		}
		out := term.MustExec(t, "x 0x1000 4")
		if want := "0x1000: 01 02 03 04\n"; out != want {
			t.Errorf("examinemem = %q; want %q", out, want)
		}

		term.MustExec(t, "break 0x1001")
		out = term.MustExec(t, "examinemem 0x1000 4")
		if want := "0x1000: 01 02 03 04\n"; out != want {
			t.Errorf("examinemem over a site = %q; want %q", out, want)
		}

		out = term.MustExec(t, "examinemem 0x1000 18")
		if want := "0x1000: 01 02 03 04 00 00 00 00 00 00 00 00 00 00 00 00\n0x1010: 00 00\n"; out != want {
			t.Errorf("examinemem = %q; want %q", out, want)
		}

		for _, cmd := range []string{"examinemem", "examinemem 0x1000 0", "examinemem 0x1000 1001", "setmem 0x1000", "setmem 0x1000 zz"} {
			if _, err := term.Exec(cmd); err == nil {
				t.Errorf("%q succeeded", cmd)
			}
		}
	})
}

func TestThreads(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		term.b.Thr.Add(2, 0x2000)
		out := term.MustExec(t, "thread 2")
		if want := "Switched from 1 to 2\n"; out != want {
			t.Errorf("thread = %q; want %q", out, want)
		}
		out = term.MustExec(t, "threads")
		if !strings.Contains(out, "  Thread 1 at 0x1000") || !strings.Contains(out, "* Thread 2 at 0x2000") {
			t.Errorf("threads = %q", out)
		}
		if strings.Index(out, "Thread 1") > strings.Index(out, "Thread 2") {
			t.Errorf("threads not sorted: %q", out)
		}
		if _, err := term.Exec("thread 3"); err == nil || err.Error() != "no such thread: 3" {
			t.Errorf("thread 3 = %v", err)
		}
	})
}

func TestContinue(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		go func() {
			for !term.b.Running() {
				time.Sleep(time.Millisecond)
			}
			term.b.Stop(1, proc.StopReasonBreakpoint)
		}()
		out := term.MustExec(t, "continue")
		if want := "> [thread 1] stopped at 0x1000 (breakpoint)\n"; out != want {
			t.Errorf("continue = %q; want %q", out, want)
		}
		if s := term.p.State(); s != proc.StateStopped {
			t.Errorf("state = %s", s)
		}

		go func() {
			for !term.b.Running() {
				time.Sleep(time.Millisecond)
			}
			term.b.Exit(3)
		}()
		out = term.MustExec(t, "c")
		if want := "Process 4242 has exited with status 3\n"; out != want {
			t.Errorf("continue = %q; want %q", out, want)
		}
		if _, err := term.Exec("continue"); err == nil {
			t.Error("continue after exit succeeded")
		}
	})
}

func TestHaltNotRunning(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		if _, err := term.Exec("halt"); err == nil {
			t.Error("halt of a stopped process succeeded")
		}
	})
}

func TestRuntoTimeout(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		out, err := term.Exec("runto 0x1800 -timeout 30ms -discard")
		if !errors.Is(err, proc.ErrInterrupted) || !errors.Is(err, proc.ErrTimeout) {
			t.Fatalf("runto = %v; want interrupted by a timeout", err)
		}
		if want := "runto 0x1800: interrupted\n"; out != want {
			t.Errorf("runto = %q; want %q", out, want)
		}
		if n := len(term.p.Sites().Sites()); n != 0 {
			t.Errorf("%d sites left after runto", n)
		}
		if got := term.b.Mem.Bytes(0x1800, 1); got[0] != 0 {
			t.Errorf("memory at runto address = %#x; want 0", got)
		}
		if s := term.p.PrivateState(); s != proc.StateStopped {
			t.Errorf("private state = %s", s)
		}
		th := term.b.Thr.Thread(1)
		if th.CurrentPlan() != nil {
			t.Errorf("plan left on the thread: %v", th.CurrentPlan())
		}
	})
}

func TestRuntoArguments(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		for _, cmd := range []string{"runto", "runto 0x1800 -timeout", "runto 0x1800 -timeout never", "runto 0x1800 0x1900", "runto `x`"} {
			if _, err := term.Exec(cmd); err == nil {
				t.Errorf("%q succeeded", cmd)
			}
		}
		if len(term.b.Resumes()) != 0 {
			t.Error("process resumed by a malformed runto")
		}
	})
}

func TestState(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		out := term.MustExec(t, "state")
		if want := "Process 4242 is stopped (private state stopped)\n"; out != want {
			t.Errorf("state = %q; want %q", out, want)
		}
		out = term.MustExec(t, "kill")
		if want := "Process 4242 killed\n"; out != want {
			t.Errorf("kill = %q; want %q", out, want)
		}
		if !term.b.Killed() {
			t.Error("backend not killed")
		}
		out = term.MustExec(t, "state")
		if !strings.HasPrefix(out, "Process 4242 is exited") || !strings.Contains(out, "Exit status 9 (killed)") {
			t.Errorf("state = %q", out)
		}
		if _, err := term.Exec("kill"); err == nil {
			t.Error("killing an exited process succeeded")
		}
	})
}

func TestDetachAndExit(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		if _, err := term.Exec("exit"); !errors.As(err, &ExitRequestError{}) {
			t.Errorf("exit = %v; want an exit request", err)
		}
		out, err := term.Exec("detach")
		if !errors.As(err, &ExitRequestError{}) {
			t.Errorf("detach = %v; want an exit request", err)
		}
		if want := "Detached from process 4242\n"; out != want {
			t.Errorf("detach = %q; want %q", out, want)
		}
		if !term.b.Detached() {
			t.Error("backend not detached")
		}
	})
}

func TestExecuteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "init")
	err := os.WriteFile(path, []byte("# comment\nbreak 0x1010\n\nnonsense\nbreak 0x1020\nexit\nbreak 0x1030\n"), 0600)
	assertNoError(err, t, "WriteFile")

	withTestTerminal(t, nil, func(term *FakeTerminal) {
		_, err := term.Exec("source " + path)
		if !errors.As(err, &ExitRequestError{}) {
			t.Errorf("source = %v; want an exit request", err)
		}
		if !strings.Contains(term.out.String(), path+":4: command not available") {
			t.Errorf("output = %q", term.out.String())
		}
		if n := len(term.p.Sites().Sites()); n != 2 {
			t.Errorf("%d sites; want 2", n)
		}
	})
}

func TestStartupCommands(t *testing.T) {
	conf := &config.Config{
		Aliases:              map[string][]string{"break": {"stop"}},
		ExtraStartupCommands: []string{"stop 0x1040", "setmem 0x1050 ff"},
	}
	withTestTerminal(t, conf, func(term *FakeTerminal) {
		assertNoError(term.runStartupCommands(), t, "runStartupCommands")
		if _, ok := term.p.Sites().FindByAddress(0x1040); !ok {
			t.Error("startup breakpoint not set")
		}
		if got := term.b.Mem.Bytes(0x1050, 1); got[0] != 0xff {
			t.Errorf("memory = %#x", got)
		}
	})
}

func TestTranscript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript")
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		term.MustExec(t, "transcript -x "+path)
		if out := term.MustExec(t, "state"); out != "" {
			t.Errorf("output with -x = %q", out)
		}
		term.MustExec(t, "transcript -off")
		buf, err := os.ReadFile(path)
		assertNoError(err, t, "ReadFile")
		if want := "Process 4242 is stopped (private state stopped)\n"; string(buf) != want {
			t.Errorf("transcript = %q; want %q", buf, want)
		}
		if _, err := term.Exec("transcript"); err == nil {
			t.Error("transcript without a path succeeded")
		}
	})
}
