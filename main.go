// Package main is the entry point for the Cyre dispatcher binary.
package main

import (
	"fmt"
	"os"

	"github.com/firestige/cyre/cmd/cyre"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
