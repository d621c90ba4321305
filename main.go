package main

import (
	"os"

	"github.com/luma/beacon/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
