package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat <project> <message...>",
	Short: "Send a chat message to a session",
	Args:  cobra.MinimumNArgs(2),
	Run:   runChat,
}

func runChat(cmd *cobra.Command, args []string) {
	session, _, _ := openSession(args[0])
	defer session.Close()

	if !waitConnected(session, 10*time.Second) {
		exitError("could not connect")
	}

	text := strings.Join(args[1:], " ")
	if err := session.SendChat(text); err != nil {
		exitError("send chat: %v", err)
	}
	fmt.Println("Sent.")
	session.Disconnect()
}
