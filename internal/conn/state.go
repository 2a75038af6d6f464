package conn

import "slices"

// State is the connection lifecycle state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
)

// validTransitions defines allowed state transitions. A manual Reconnect
// after a terminal failure re-enters via Reconnecting, so Disconnected
// allows both paths back up.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Reconnecting},
	Connecting:   {Connected, Reconnecting, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Connected, Disconnected},
}

func transitionAllowed(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// StatusChange is the payload of connection.changed events.
type StatusChange struct {
	From      State
	To        State
	Attempt   int
	Reason    string
	Transport string
}
