package session

// State is the connection lifecycle state, published to the UI layer.
type State int

const (
	// Startup is the initial state before Open.
	Startup State = iota
	// NoInternet means the host reported connectivity loss; reachable
	// from any state, left only on the online signal.
	NoInternet
	// NotConnected is the resting state when no connection is wanted
	// (before Open while online, or after Close).
	NotConnected
	// Connecting means a dial is in flight.
	Connecting
	// Connected means the socket is open and the room has been joined.
	Connected
	// Syncing means connected but backfilling a sequence gap.
	Syncing
	// WaitingToReconnect means the socket dropped and a retry is
	// scheduled after the backoff delay.
	WaitingToReconnect
)

func (s State) String() string {
	switch s {
	case Startup:
		return "startup"
	case NoInternet:
		return "no-internet"
	case NotConnected:
		return "not-connected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Syncing:
		return "syncing"
	case WaitingToReconnect:
		return "waiting-to-reconnect"
	}
	return "unknown"
}

// live reports whether traffic can be sent in this state.
func (s State) live() bool { return s == Connected || s == Syncing }
