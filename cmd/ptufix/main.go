package main

import (
	"os"

	"github.com/solatis/ptufix/cmd/ptufix/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
