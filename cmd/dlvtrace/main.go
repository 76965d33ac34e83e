package main

import (
	"os"

	"github.com/go-delve/dlvtrace/cmd/dlvtrace/cmds"
	"github.com/go-delve/dlvtrace/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.DlvtraceVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
