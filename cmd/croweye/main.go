package main

import (
	"os"

	"github.com/Ghassan-elsman/Crow-Eye-sub005/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
