package main

import (
	"os"

	"prism-board/cmd/prism-board/commands"
)

// set during build
var version = "dev"

func main() {
	if err := commands.NewRootCmd(version).Execute(); err != nil {
		os.Exit(1)
	}
}
