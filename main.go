package main

import (
	"os"

	"github.com/vulnwatch/vulnwatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
