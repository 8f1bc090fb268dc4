package websocket

import (
	"fmt"
	"strings"
)

// Channel kinds.
const (
	ChannelKindSession  = "session"
	ChannelKindTerminal = "terminal"
)

// SessionChannel names the event channel for one session.
func SessionChannel(sessionID string) string {
	return "session/" + sessionID
}

// UserTerminalChannel names the terminal channel for one user.
func UserTerminalChannel(userID string) string {
	return "user/" + userID + "/terminal"
}

// ParseChannel splits a channel name into its kind and subject id.
func ParseChannel(channel string) (kind, id string, err error) {
	parts := strings.Split(channel, "/")
	switch {
	case len(parts) == 2 && parts[0] == "session" && parts[1] != "":
		return ChannelKindSession, parts[1], nil
	case len(parts) == 3 && parts[0] == "user" && parts[2] == "terminal" && parts[1] != "":
		return ChannelKindTerminal, parts[1], nil
	}
	return "", "", fmt.Errorf("invalid channel %q", channel)
}
