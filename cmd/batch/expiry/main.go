package main

import (
	"os"

	"github.com/uma-arai/sbcntr-rental-batch/cmd/batch/expiry/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
