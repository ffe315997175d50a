package main

import (
	dorkcli "github.com/dorklabs/dork/internal/cli"

	// Imported for the side effect of subcommand registration.
	_ "github.com/dorklabs/dork"
	_ "github.com/dorklabs/dork/internal/cli/ctl"
)

func main() {
	dorkcli.Run()
}
