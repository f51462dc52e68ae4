package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/scenesync/internal/config"
)

var (
	initServerURL string
	initUserID    string
	initName      string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the client configuration file",
	Run:   runInit,
}

func init() {
	initCmd.Flags().StringVar(&initServerURL, "server", "ws://localhost:8730", "coordinator base URL")
	initCmd.Flags().StringVar(&initUserID, "user", "", "user id (required)")
	initCmd.Flags().StringVar(&initName, "name", "", "display name")
	initCmd.MarkFlagRequired("user")
}

func runInit(cmd *cobra.Command, args []string) {
	cfg, err := config.Initialize(cfgPath, initServerURL, initUserID, initName)
	if err != nil {
		exitError("%v", err)
	}
	fmt.Printf("Initialized config at %s\n", cfg.Path())
}
