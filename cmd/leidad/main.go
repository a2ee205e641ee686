package main

import (
	"os"

	"github.com/e7canasta/orion-leida/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
