// Package events defines the bus subjects the daemon publishes on and the
// helpers that build them.
package events

// Subject roots. Session subjects carry streaming, permission, and task
// lifecycle events; user subjects carry terminal I/O.
const (
	SessionEventRoot = "agor.session"
	UserEventRoot    = "agor.user"
)

// Event types for sessions
const (
	SessionCreated       = "session.created"
	SessionUpdated       = "session.updated"
	SessionStatusChanged = "session.status_changed"
)

// Event types for tasks
const (
	TaskCreated       = "task.created"
	TaskStatusChanged = "task.status_changed"
)

// Event types for messages
const (
	MessageCreated = "message.created"
)

// Event types for terminals
const (
	TerminalOutput = "terminal.output"
)

// BuildSessionSubject creates the fan-out subject for one session.
func BuildSessionSubject(sessionID string) string {
	return SessionEventRoot + "." + sessionID + ".events"
}

// BuildSessionWildcardSubject subscribes to every session's events.
func BuildSessionWildcardSubject() string {
	return SessionEventRoot + ".*.events"
}

// BuildUserTerminalSubject creates the terminal I/O subject for one user.
func BuildUserTerminalSubject(userID string) string {
	return UserEventRoot + "." + userID + ".terminal"
}

// BuildUserTerminalWildcardSubject subscribes to every user's terminal
// subject.
func BuildUserTerminalWildcardSubject() string {
	return UserEventRoot + ".*.terminal"
}
