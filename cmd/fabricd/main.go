// Command fabricd applies provisioning orders to network devices as
// all-or-nothing transactions.
package main

import (
	"os"

	"github.com/roach88/fabricd/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
