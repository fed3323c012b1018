// Command portsim runs simulated TCP port scans from the command line or
// serves them over HTTP.
package main

import (
	"github.com/anstrom/portsim/cmd/cli"
	apihandlers "github.com/anstrom/portsim/internal/api/handlers"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	apihandlers.SetBuildInfo(version, commit, buildTime)
	cli.Execute()
}
