package version

import (
	"bytes"
	"fmt"
	"runtime/debug"
	"strings"
)

func init() {
	buildInfo = moduleBuildInfo
	fixBuild = buildInfoFixBuild
}

func moduleBuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "not built in module mode"
	}

	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, " mod\t%s\t%s\t%s\n", info.Main.Path, info.Main.Version, info.Main.Sum)
	for _, dep := range info.Deps {
		fmt.Fprintf(buf, " dep\t%s\t%s\t%s", dep.Path, dep.Version, dep.Sum)
		if dep.Replace != nil {
			fmt.Fprintf(buf, "\t=> %s\t%s\t%s", dep.Replace.Path, dep.Replace.Version, dep.Replace.Sum)
		}
		fmt.Fprintf(buf, "\n")
	}
	return buf.String()
}

// buildInfoFixBuild replaces an unexpanded $Id$ with the VCS revision
// recorded by the go command.
func buildInfoFixBuild(v *Version) {
	if !strings.HasPrefix(v.Build, "$Id$") {
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, key := range []string{"vcs.revision", "gitrevision"} {
		for i := range info.Settings {
			if info.Settings[i].Key == key {
				v.Build = info.Settings[i].Value
				if info.Settings[i].Key == "vcs.revision" && vcsModified(info) {
					v.Build += "-dirty"
				}
				return
			}
		}
	}
}

func vcsModified(info *debug.BuildInfo) bool {
	for i := range info.Settings {
		if info.Settings[i].Key == "vcs.modified" {
			return info.Settings[i].Value == "true"
		}
	}
	return false
}
