// Command baboond is the daemon process: it holds every contributor's
// server-side mirror for a project and speculatively merges inbound
// syncs to detect conflicts before anyone commits.
package main

import (
	"os"

	"github.com/baboon-sync/baboon/cmd/baboond/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
