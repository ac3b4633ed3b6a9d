package main

import (
	"os"

	"github.com/majorcontext/funclag/cmd/funclag/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
