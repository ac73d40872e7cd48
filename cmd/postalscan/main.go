// Command postalscan measures host reachability per postal code.
package main

import "github.com/anstrom/postalscan/cmd/cli"

// Build information, set by ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=$(git rev-parse --short HEAD)"
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
