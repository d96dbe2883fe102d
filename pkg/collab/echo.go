package collab

// EchoFilter recognises broadcasts that originated from the local
// participant. The channel delivers every broadcast to all subscribers,
// the sender included.
type EchoFilter struct {
	self string
}

func NewEchoFilter(self string) EchoFilter {
	return EchoFilter{self: self}
}

// Own reports whether a broadcast with the given originating participant
// id (from the payload) or sender (stamped by the hub) came from us.
func (f EchoFilter) Own(origin, sender string) bool {
	return origin == f.self || (sender != "" && sender == f.self)
}
