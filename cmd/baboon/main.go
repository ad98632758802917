// Command baboon is the watcher process: it monitors enabled projects
// for file changes and syncs them to the daemon over XMPP.
package main

import (
	"os"

	"github.com/baboon-sync/baboon/cmd/baboon/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
