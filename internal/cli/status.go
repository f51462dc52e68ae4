package cli

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/scenesync/internal/collab"
)

var statusTimeout time.Duration

var statusCmd = &cobra.Command{
	Use:   "status <project>",
	Short: "Show session roster, locks, and queue state",
	Args:  cobra.ExactArgs(1),
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 10*time.Second, "connection timeout")
}

func runStatus(cmd *cobra.Command, args []string) {
	session, _, _ := openSession(args[0])
	defer session.Close()

	if !waitConnected(session, statusTimeout) {
		exitError("could not connect within %s", statusTimeout)
	}

	st := session.Status()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Printf("Connected to %s\n", args[0])
	fmt.Printf("Operation index: %d  Lamport: %d  Queued: %d  Unacked: %d\n",
		st.OperationIndex, st.Lamport, st.Queued, st.Unacked)

	if len(st.Participants) == 0 {
		fmt.Println("No other participants.")
	} else {
		fmt.Printf("Participants (%d):\n", len(st.Participants))
		for _, p := range st.Participants {
			fmt.Printf("  %s (%s) [%s]\n", displayName(p.Name, p.UserID), p.DisplayColor, p.Status)
		}
	}

	if len(st.Locks) > 0 {
		yellow.Printf("Locks (%d):\n", len(st.Locks))
		for _, l := range st.Locks {
			fmt.Printf("  %s -> %s (expires %s)\n",
				l.Key, l.OwnerID, l.ExpiresAt.Format("15:04:05"))
		}
	}

	session.Disconnect()
}

// waitConnected drains events until the session reports connected.
func waitConnected(session *collab.Session, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			return false
		case ev, ok := <-session.Events():
			if !ok {
				return false
			}
			switch ev.(type) {
			case collab.ConnectedEvent:
				return true
			case collab.ReconnectFailedEvent:
				return false
			}
		}
	}
}
