// Package main provides the entry point for the graphkeeper CLI.
package main

import (
	"os"

	"github.com/raphaelgruber/graphkeeper/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
