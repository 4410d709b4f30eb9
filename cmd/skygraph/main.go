// Command skygraph crawls the Bluesky follow graph into Postgres.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "skygraph: %v\n", err)
		os.Exit(1)
	}
}
