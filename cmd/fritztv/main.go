package main

import (
	"os"

	"github.com/fritztv/fritztv/cmd/fritztv/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
