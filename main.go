package main

import (
	"os"

	"github.com/conveyorhq/conveyor/cmd"
)

func main() {
	command := cmd.New()
	if err := command.Execute(); err != nil {
		os.Exit(1)
	}
}
