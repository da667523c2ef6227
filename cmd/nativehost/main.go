package main

import (
	"os"

	"github.com/letoram/lldb/cmd/nativehost/cmds"
	"github.com/letoram/lldb/pkg/logflags"
	"github.com/letoram/lldb/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.NativehostVersion.Build = Build
	}

	if err := cmds.New(false).Execute(); err != nil {
		logflags.TerminalLogger().Errorf("%v", err)
		os.Exit(1)
	}
}
