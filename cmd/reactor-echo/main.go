// Command reactor-echo runs an uppercasing echo server on the reactor core.
//
// Configuration comes from flags, or REACTOR_<FLAG> environment variables
// (dashes become underscores), optionally loaded from .env files.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
