package session

// DefaultServerID is the message server used when none is configured.
const DefaultServerID = "00000000-0000-0000-0000-000000000000"

// Config holds session registry settings.
type Config struct {
	// ServerID scopes channels to one message server.
	ServerID string

	// Timeout is the default expiration policy for new sessions.
	Timeout TimeoutConfig
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		ServerID: DefaultServerID,
		Timeout:  DefaultTimeoutConfig(),
	}
}
