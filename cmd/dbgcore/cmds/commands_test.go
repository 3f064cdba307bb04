package cmds

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-delve/dbgcore/pkg/proc"
)

func resetAttachFlags() {
	attachName, waitFor, waitForInterval, waitForDuration, resumeCount = "", false, time.Second, 0, 0
}

func TestAttachSpec(t *testing.T) {
	defer resetAttachFlags()

	tests := []struct {
		name    string
		args    []string
		setup   func()
		want    proc.AttachSpec
		wantErr string
	}{
		{"pid", []string{"42"}, func() {}, proc.AttachSpec{Pid: 42, WaitForInterval: time.Second}, ""},
		{"name", nil, func() { attachName = "server" }, proc.AttachSpec{Name: "server", WaitForInterval: time.Second}, ""},
		{"waitfor", nil, func() {
			attachName, waitFor, waitForDuration, resumeCount = "server", true, time.Minute, 2
		}, proc.AttachSpec{Name: "server", WaitForLaunch: true, WaitForInterval: time.Second, WaitForDuration: time.Minute, ResumeCount: 2}, ""},
		{"nothing", nil, func() {}, proc.AttachSpec{}, "you must provide a PID or a process name"},
		{"bad pid", []string{"abc"}, func() {}, proc.AttachSpec{}, "invalid pid: abc"},
		{"negative pid", []string{"-3"}, func() {}, proc.AttachSpec{}, "invalid pid: -3"},
		{"pid and name", []string{"42"}, func() { attachName = "server" }, proc.AttachSpec{}, "can not be used together"},
		{"waitfor without name", []string{"42"}, func() { waitFor = true }, proc.AttachSpec{}, "--waitfor requires --name"},
		{"too many", []string{"1", "2"}, func() {}, proc.AttachSpec{}, "too many arguments"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resetAttachFlags()
			tc.setup()
			spec, err := attachSpec(tc.args)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("attachSpec(%v) = %v; want error %q", tc.args, err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("attachSpec(%v): %v", tc.args, err)
			}
			if !reflect.DeepEqual(spec, tc.want) {
				t.Errorf("attachSpec(%v) = %+v; want %+v", tc.args, spec, tc.want)
			}
		})
	}
}

func TestLaunchSpec(t *testing.T) {
	defer func() { workingDir, tty, allocatePTY = "", "", false }()
	workingDir, allocatePTY = "/tmp", true

	cmd := &cobra.Command{Use: "exec"}
	if err := cmd.Flags().Parse([]string{"./prog", "--", "-v", "arg"}); err != nil {
		t.Fatal(err)
	}
	spec, err := launchSpec(cmd, cmd.Flags().Args())
	if err != nil {
		t.Fatal(err)
	}
	abs, _ := filepath.Abs("./prog")
	want := proc.LaunchSpec{Path: abs, Args: []string{"-v", "arg"}, Dir: "/tmp", AllocatePTY: true}
	if !reflect.DeepEqual(spec, want) {
		t.Errorf("launchSpec = %+v; want %+v", spec, want)
	}

	cmd = &cobra.Command{Use: "exec"}
	if err := cmd.Flags().Parse([]string{"./prog", "extra"}); err != nil {
		t.Fatal(err)
	}
	if _, err := launchSpec(cmd, cmd.Flags().Args()); err == nil {
		t.Error("launchSpec accepted two binaries")
	}
}

func TestBackends(t *testing.T) {
	r, err := backends()
	if err != nil {
		t.Fatalf("backends: %v", err)
	}
	if got := r.Names(); !reflect.DeepEqual(got, []string{"default", "native"}) {
		t.Errorf("backends = %v", got)
	}
	if _, err := r.Lookup("gdbserver"); err == nil {
		t.Error("unknown backend found")
	}
}

func TestLoadStopHooks(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.star")
	bad := filepath.Join(dir, "bad.star")
	if err := os.WriteFile(good, []byte("def on_stop(ev):\n\tpass\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte("x = 1\n"), 0600); err != nil {
		t.Fatal(err)
	}

	hooks, err := loadStopHooks([]string{good})
	if err != nil {
		t.Fatal(err)
	}
	if len(hooks) != 1 || hooks[0].Name() != "good.star" {
		t.Errorf("hooks = %v", hooks)
	}
	if _, err := loadStopHooks([]string{good, bad}); err == nil || !strings.Contains(err.Error(), bad) {
		t.Errorf("loadStopHooks with a script without on_stop = %v", err)
	}
}
