package call

// Internal events feeding the machine's run loop. Everything that mutates
// call state (local API calls, remote signals, connection callbacks)
// arrives here so transitions run to completion on one goroutine.

type event interface{ isEvent() }

// evLocal executes a local API request on the loop goroutine.
type evLocal struct {
	fn    func() error
	reply chan error
}

type connState string

const (
	connConnected    connState = "connected"
	connDisconnected connState = "disconnected"
	connFailed       connState = "failed"
	connClosed       connState = "closed"
)

// evConn reports an ICE connection state change from the link.
type evConn struct {
	remote string
	state  connState
}

// evTrack reports an inbound remote track from the link.
type evTrack struct {
	remote string
	kind   string
	id     string
}

func (evLocal) isEvent() {}
func (evConn) isEvent()  {}
func (evTrack) isEvent() {}
