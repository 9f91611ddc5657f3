package main

import (
	"os"

	"github.com/imagepipe/imagepipe/imagepipe/internal/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
