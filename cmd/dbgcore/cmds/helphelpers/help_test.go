package helphelpers

import (
	"testing"

	"github.com/spf13/cobra"
)

func newTree() (root, version, exec *cobra.Command) {
	root = &cobra.Command{Use: "dbgcore"}
	root.PersistentFlags().String("init", "", "")
	root.PersistentFlags().String("backend", "default", "")
	version = &cobra.Command{Use: "version"}
	version.Flags().Bool("verbose", false, "")
	exec = &cobra.Command{Use: "exec"}
	exec.Flags().String("wd", "", "")
	root.AddCommand(version, exec)
	return root, version, exec
}

func TestPrepareVersion(t *testing.T) {
	root, version, _ := newTree()
	Prepare(version)
	for _, name := range []string{"init", "backend"} {
		if f := root.PersistentFlags().Lookup(name); !f.Hidden {
			t.Errorf("flag %s not hidden", name)
		}
	}
	if f := version.Flags().Lookup("verbose"); f.Hidden {
		t.Error("flag verbose hidden")
	}
}

func TestPrepareExec(t *testing.T) {
	root, _, exec := newTree()
	Prepare(exec)
	if f := root.PersistentFlags().Lookup("init"); f.Hidden {
		t.Error("flag init hidden")
	}
	if f := exec.Flags().Lookup("wd"); f.Hidden {
		t.Error("flag wd hidden")
	}
}

func TestPrepareRoot(t *testing.T) {
	root, _, _ := newTree()
	Prepare(root)
	if f := root.PersistentFlags().Lookup("backend"); !f.Hidden {
		t.Error("flag backend not hidden")
	}
}
