// Package main is the entry point for attackmatrix.
package main

import (
	"fmt"
	"os"

	"attackmatrix/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
