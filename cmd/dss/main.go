// Command dss runs resumable visitations over the replicas of the data
// storage system.
package main

import (
	"os"

	"github.com/roach88/dss/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
