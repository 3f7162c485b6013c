package main

import (
	"os"

	"authsync-service/cmd/authctl/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
