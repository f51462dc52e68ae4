// Command scenesync is the SceneSync client CLI.
package main

import (
	"os"

	"github.com/kilupskalvis/scenesync/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
