// The main package for the scraperd executable.
package main

import (
	"fmt"
	"os"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
