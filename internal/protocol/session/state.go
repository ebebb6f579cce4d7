package session

// State is the connection lifecycle position of one peer.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
)

func (s State) Authenticated() bool {
	return s == StateAuthenticated
}
