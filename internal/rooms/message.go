// Package rooms is the dispatch core: it takes one inbound room message,
// resolves what command mode it selects, serialises concurrent work per
// conversation arc through the steering queue, and drives the agent loop
// that produces the reply.
package rooms

// RoomMessage is the unit of work entering the dispatch core. Transports
// construct it and never mutate it afterwards.
type RoomMessage struct {
	ServerTag   string
	ChannelName string
	Nick        string
	MyNick      string // the bot's name on that server
	Content     string // mention-stripped for direct addressing

	// PlatformID is the transport-native message id, kept for edit tracking.
	PlatformID string
	// ThreadID and ThreadStarterID are set for threaded rooms. Empty means
	// a channel-level message.
	ThreadID        string
	ThreadStarterID string

	// Secrets are per-call header values injected into tool fetches.
	Secrets map[string]string
}

// Arc identifies the conversation scope. All per-conversation state
// (history, chronicle chapters, sandbox) is keyed by it.
func (m *RoomMessage) Arc() string {
	return m.ServerTag + "#" + m.ChannelName
}
