package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/crashworks/collector/cmd/collector/commands"
	"github.com/crashworks/collector/internal/app"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes. Deployment tooling distinguishes a backend that failed
// verification from a bad configuration.
const (
	exitVerifyFailed = 3
	exitConfigError  = 4
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.Date = date

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)

		switch {
		case errors.Is(err, app.ErrVerificationFailed):
			os.Exit(exitVerifyFailed)
		case errors.Is(err, commands.ErrConfig):
			os.Exit(exitConfigError)
		default:
			os.Exit(1)
		}
	}
}
