package main

import (
	"os"

	"github.com/thewalkeragency/tree-ring/internal/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
