package chathub

// Client is one connected user as seen by the hub. The hub only pushes
// frames into the send channel; how they reach the user is up to the
// implementation.
type Client interface {
	// GetUserID returns the authenticated user behind the connection.
	GetUserID() string
	// GetSessionID returns the session the client is watching, or "" before
	// the first watch command.
	GetSessionID() string
	// SetSessionID is called by the hub once ownership of the session is
	// verified.
	SetSessionID(string)

	// GetSendChannel returns the channel the hub writes outgoing frames to.
	GetSendChannel() chan<- Frame

	// Run starts the client's pumps.
	Run()
	// Close stops the client. The hub calls it exactly once per client.
	Close()
}
