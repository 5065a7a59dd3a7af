package main

import (
	"os"

	"github.com/abelbrown/ddwatch/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
