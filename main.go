// Package main is the entry point for the gbsim GB28181 device simulator agent.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/gbsim/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
