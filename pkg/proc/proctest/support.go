package proctest

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-delve/dbgcore/pkg/proc"
)

// Fixture is a test binary.
type Fixture struct {
	// Name is the short name of the fixture.
	Name string
	// Path is the absolute path to the test binary.
	Path string
	// Source is the absolute path of the test binary source.
	Source string
}

var (
	fixturesMu sync.Mutex
	fixtures   = make(map[string]Fixture)
)

// FindFixturesDir returns the path of the _fixtures directory, looking in
// the current directory and its parents.
func FindFixturesDir() string {
	parent := ".."
	fixturesDir := "_fixtures"
	for depth := 0; depth < 10; depth++ {
		if _, err := os.Stat(fixturesDir); err == nil {
			break
		}
		fixturesDir = filepath.Join(parent, fixturesDir)
	}
	return fixturesDir
}

// BuildFixture compiles _fixtures/name.go. The test is skipped if the go
// command is not available.
func BuildFixture(t testing.TB, name string) Fixture {
	t.Helper()
	fixturesMu.Lock()
	defer fixturesMu.Unlock()
	if f, ok := fixtures[name]; ok {
		return f
	}
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go command not available")
	}

	fixturesDir := FindFixturesDir()
	r := make([]byte, 4)
	rand.Read(r)
	path := filepath.Join(fixturesDir, name+".go")
	tmpfile := filepath.Join(os.TempDir(), fmt.Sprintf("%s.%s", name, hex.EncodeToString(r)))

	cmd := exec.Command("go", "build", "-gcflags=-N -l", "-o", tmpfile, name+".go")
	cmd.Dir = fixturesDir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Error compiling %s: %v\n%s", path, err, out)
	}

	source, _ := filepath.Abs(path)
	fixtures[name] = Fixture{Name: name, Path: tmpfile, Source: filepath.ToSlash(source)}
	return fixtures[name]
}

// RunTestsWithFixtures runs the tests and removes the fixtures built by
// them.
func RunTestsWithFixtures(m *testing.M) int {
	status := m.Run()
	fixturesMu.Lock()
	defer fixturesMu.Unlock()
	for _, f := range fixtures {
		os.Remove(f.Path)
	}
	return status
}

// Launch creates a process on b, launches it and consumes its first stop.
// The process is destroyed when the test ends.
func Launch(t testing.TB, b *Backend, cfg proc.Config, opts ...proc.Option) *proc.Process {
	t.Helper()
	p, err := proc.New(cfg, b.Factory(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path, err := os.Executable()
	if err != nil {
		t.Fatalf("Executable: %v", err)
	}
	if err := p.Launch(proc.LaunchSpec{Path: path}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if s, err := p.WaitForProcessToStop(5 * time.Second); err != nil || s != proc.StateStopped {
		t.Fatalf("WaitForProcessToStop = %v, %v; want stopped", s, err)
	}
	t.Cleanup(func() {
		if err := p.Destroy(); err != nil {
			t.Logf("Destroy: %v", err)
		}
	})
	return p
}
