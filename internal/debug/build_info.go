package debug

import (
	"runtime/debug"
	"strings"
)

/*
ReadBuildInfo returns the version of the main module, the Go version and the
VCS settings the binary was built with as a single line of "key=value" pairs.
*/
func ReadBuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	data := []string{"version=" + info.Main.Version, "go=" + info.GoVersion}
	for _, s := range info.Settings {
		if strings.HasPrefix(s.Key, "vcs.") {
			data = append(data, s.Key+"="+s.Value)
		}
	}
	return strings.Join(data, " ")
}
