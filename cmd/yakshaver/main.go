package main

import (
	"os"

	"github.com/SSWConsulting/yakshaver/cmd/yakshaver/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
