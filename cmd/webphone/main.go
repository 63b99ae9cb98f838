package main

import (
	"os"

	"github.com/fatih/color"
)

// version задается при сборке через -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}
