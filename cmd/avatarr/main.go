// Package main is the entry point for the avatarr application.
package main

import (
	"os"

	"github.com/jmylchreest/avatarr/cmd/avatarr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
