package main

import (
	"CopyGuard/cmd/copyguard/cmd"
	"os"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
