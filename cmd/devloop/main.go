package main

import (
	"os"

	"devloop/internal/ui/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
