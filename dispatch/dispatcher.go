package dispatch

import "github.com/hmbdc-dev/tips/tipsmsg"

// HandlerFunc handles one dispatched message's raw wire bytes (the head
// plus the payload) for a specific type tag.
type HandlerFunc func(head tipsmsg.MessageHead, body []byte)

// JustBytesTag is the sentinel "interest" meaning "deliver the raw byte
// view of any message not otherwise destructively routed", used by
// console/recording tools that don't know concrete message types at
// compile time.
const JustBytesTag = ^uint16(0)

// Dispatcher maps a type tag to the handler registered for it: a
// declarative manifest built with Register, consulted once per
// delivered message.
type Dispatcher struct {
	handlers  map[uint16]HandlerFunc
	justBytes HandlerFunc
}

// NewDispatcher creates an empty dispatch table.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[uint16]HandlerFunc)}
}

// Register binds tag to a handler. Registering JustBytesTag installs the
// wildcard handler instead of a per-tag one.
func (d *Dispatcher) Register(tag uint16, h HandlerFunc) {
	if tag == JustBytesTag {
		d.justBytes = h
		return
	}
	d.handlers[tag] = h
}

// Dispatch looks up the handler for head.TypeTag and invokes it with
// body. Unknown tags are silently dropped unless a JustBytes wildcard
// handler was registered.
func (d *Dispatcher) Dispatch(head tipsmsg.MessageHead, body []byte) {
	if h, ok := d.handlers[head.TypeTag]; ok {
		h(head, body)
		return
	}
	if d.justBytes != nil {
		d.justBytes(head, body)
	}
}

// Tags returns the set of tags this dispatcher has a concrete (non
// wildcard) handler for.
func (d *Dispatcher) Tags() []uint16 {
	tags := make([]uint16, 0, len(d.handlers))
	for t := range d.handlers {
		tags = append(tags, t)
	}
	return tags
}
