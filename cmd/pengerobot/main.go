package main

import (
	"os"

	"github.com/remimikalsen/sparebank1-pengerobot/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
