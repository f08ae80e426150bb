// Package main is the entry point for the bluetap HCI snoop transport tool.
package main

import (
	"fmt"
	"os"

	"hexlab.xyz/bluetap/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
