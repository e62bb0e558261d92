package main

import (
	"os"

	"github.com/animus-labs/ledger-go/cmd/ledgerctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
