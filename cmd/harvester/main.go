// Command harvester runs the data-collection engine.
package main

import (
	"fmt"
	"os"

	"github.com/dssdlab/harvester/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
