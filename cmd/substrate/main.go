// Package main is the substrate command line.
package main

import (
	"fmt"
	"os"

	"github.com/thebtf/substrate/internal/cli"
)

var Version = "dev"

func main() {
	if err := cli.RootCmd(Version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
