// Package cli implements the scenesync client command-line interface.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/scenesync/internal/collab"
	"github.com/kilupskalvis/scenesync/internal/config"
	"github.com/kilupskalvis/scenesync/internal/scene"
)

var (
	cfgPath string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "scenesync",
	Short: "SceneSync collaborative scene editing client",
	Long: `SceneSync synchronizes a game project's entity/component graph between
editors in real time. This CLI joins sessions, reports their status,
and relays chat, using the same engine as the editor integration.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default: user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(chatCmd)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openSession loads the config and creates a connected session for a project.
// The returned document is the session's local runtime.
func openSession(projectID string) (*collab.Session, *scene.Document, *config.Config) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		exitError("%v (run 'scenesync init' first)", err)
	}

	doc := scene.NewDocument()
	session, err := collab.New(collab.Config{
		UserID:               cfg.UserID,
		SessionID:            projectID,
		Name:                 cfg.Name,
		ServerURL:            cfg.ServerURL + "/ws/" + projectID,
		Runtime:              doc,
		Logger:               newLogger(),
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		MaxQueued:            cfg.MaxQueuedOperations,
		JournalPath:          cfg.JournalPath(projectID),
	})
	if err != nil {
		exitError("create session: %v", err)
	}
	doc.SetOnMutate(session.MutationHook())

	session.Connect()
	return session, doc, cfg
}
