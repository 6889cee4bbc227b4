package reactor

// messageKind tags the work an EventLoop receives from other goroutines.
type messageKind uint8

const (
	// messageRun runs fn.
	messageRun messageKind = iota
	// messageEstablish activates a connection handed off by its server.
	messageEstablish
	// messageDestroy tears down a connection after its server forgot it.
	messageDestroy
	// messageQuit stops the loop once the messages ahead of it have run.
	messageQuit
)

func (k messageKind) String() string {
	switch k {
	case messageRun:
		return "run"
	case messageEstablish:
		return "establish"
	case messageDestroy:
		return "destroy"
	case messageQuit:
		return "quit"
	default:
		return "unknown"
	}
}

// message is one entry of an EventLoop's pending queue.
type message struct {
	fn   func()
	conn *Connection
	kind messageKind
}
