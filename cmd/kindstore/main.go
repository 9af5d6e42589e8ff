// Command kindstore administers kindstore repositories.
package main

import (
	"os"

	"github.com/roach88/kindstore/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
