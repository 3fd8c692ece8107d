package main

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/xraph/msgq/dwp"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

// VersionCmd prints version information.
type VersionCmd struct{}

func (cmd *VersionCmd) Run(_ *Globals) error {
	fmt.Println(versionString())
	return nil
}

func versionString() string {
	rev := "unknown"
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				rev = s.Value
			}
		}
	}
	return fmt.Sprintf("msgqd %s (protocol %s, %s, %s)", version, dwp.Version, rev, runtime.Version())
}
