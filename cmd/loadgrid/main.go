package main

import (
	"os"

	"github.com/loadgrid/loadgrid/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
