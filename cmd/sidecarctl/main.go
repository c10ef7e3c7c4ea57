package main

import (
	"os"

	"sidecar-sdk/cmd/sidecarctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
