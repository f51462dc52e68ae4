package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/scenesync/internal/collab"
)

var joinCmd = &cobra.Command{
	Use:   "join <project>",
	Short: "Join a session and stream its events",
	Long: `Join connects to the coordinator for the given project and prints
participant, lock, conflict, and chat activity until interrupted.`,
	Args: cobra.ExactArgs(1),
	Run:  runJoin,
}

func runJoin(cmd *cobra.Command, args []string) {
	session, _, cfg := openSession(args[0])
	defer session.Close()

	fmt.Printf("Joining %s as %s...\n", args[0], cfg.UserID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)
	magenta := color.New(color.FgMagenta)

	for {
		select {
		case <-sig:
			fmt.Println("\nLeaving session.")
			session.Disconnect()
			return
		case ev, ok := <-session.Events():
			if !ok {
				return
			}
			switch e := ev.(type) {
			case collab.ConnectedEvent:
				green.Printf("connected (resynced %d operations)\n", e.Resynced)
			case collab.DisconnectedEvent:
				red.Printf("disconnected: %s\n", e.Reason)
			case collab.ReconnectingEvent:
				yellow.Printf("reconnecting in %s (attempt %d)\n", e.Delay, e.Attempt)
			case collab.ReconnectFailedEvent:
				red.Printf("gave up after %d attempts\n", e.Attempts)
				return
			case collab.ParticipantJoinedEvent:
				cyan.Printf("%s joined\n", displayName(e.Name, e.UserID))
			case collab.ParticipantLeftEvent:
				cyan.Printf("%s left\n", displayName(e.Name, e.UserID))
			case collab.PresenceEvent:
				p := e.Participant
				fmt.Printf("%s @ (%.0f, %.0f) [%s]\n", displayName(p.Name, p.UserID), p.Cursor.X, p.Cursor.Y, p.Status)
			case collab.LockEvent:
				if e.Acquired {
					yellow.Printf("lock %s -> %s\n", e.Key, e.OwnerID)
				} else {
					yellow.Printf("lock %s released\n", e.Key)
				}
			case collab.ConflictEvent:
				winner := "local"
				if e.RemoteApplied {
					winner = "remote"
				}
				magenta.Printf("conflict on %s (%s): %s wins\n",
					e.Remote.Payload.EntityID, e.Remote.Type, winner)
			case collab.ChatEvent:
				fmt.Printf("[%s] %s: %s\n",
					time.UnixMilli(e.Timestamp).Format("15:04:05"), e.UserID, e.Message)
			}
		}
	}
}

func displayName(name, userID string) string {
	if name != "" {
		return name
	}
	return userID
}
