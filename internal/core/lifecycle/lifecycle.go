// Package lifecycle contains the values exchanged between the Controller, the
// listener generations it runs and the observers subscribed to it.
package lifecycle

import (
	"fmt"
	"net"
)

// Command is a request sent to the Controller's mailbox.
type Command interface {
	command()
}

// SwitchPort sets the port used the next time a listener is started. It has
// no effect on a listener that is already running.
type SwitchPort struct {
	Port uint16
}

// Restart stops any running listener and starts a new one on the stored port.
type Restart struct{}

// Stop stops the running listener, if there is one.
type Stop struct{}

// Shutdown stops the running listener and terminates the Controller.
type Shutdown struct{}

func (SwitchPort) command() {}
func (Restart) command()    {}
func (Stop) command()       {}
func (Shutdown) command()   {}

func (c SwitchPort) String() string { return fmt.Sprintf("SwitchPort(%d)", c.Port) }
func (Restart) String() string      { return "Restart" }
func (Stop) String() string         { return "Stop" }
func (Shutdown) String() string     { return "Shutdown" }

// State enumerates the externally observable listener states.
type State int

const (
	Offline State = iota
	Restarting
	Online
	OnlineNoIP
	Error
)

func (s State) String() string {
	switch s {
	case Offline:
		return "offline"
	case Restarting:
		return "restarting"
	case Online:
		return "online"
	case OnlineNoIP:
		return "online (no ip)"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is the listener's lifecycle state. IP is only set when State is Online.
type Status struct {
	State State
	IP    net.IP
}

// StatusOf returns a Status without an address.
func StatusOf(state State) Status { return Status{State: state} }

// OnlineAt returns the Online status for ip, or OnlineNoIP if ip is nil.
func OnlineAt(ip net.IP) Status {
	if ip == nil {
		return Status{State: OnlineNoIP}
	}
	return Status{State: Online, IP: ip}
}

// IsOnline reports whether the listener is accepting connections.
func (s Status) IsOnline() bool { return s.State == Online || s.State == OnlineNoIP }

// IsTerminal reports whether s ends a listener generation.
func (s Status) IsTerminal() bool { return s.State == Offline || s.State == Error }

// Equal compares two statuses including their address.
func (s Status) Equal(o Status) bool { return s.State == o.State && s.IP.Equal(o.IP) }

func (s Status) String() string {
	if s.State == Online && s.IP != nil {
		return fmt.Sprintf("online at %s", s.IP)
	}
	return s.State.String()
}

// Message is everything republished by the Controller to its subscribers.
type Message interface {
	message()
}

// StatusChanged carries a new current Status.
type StatusChanged struct {
	Status Status
}

// NewConnection is emitted once a client has been assigned an id.
type NewConnection struct {
	ID uint32
}

// ClosedConnection is emitted when an identified client disconnects.
type ClosedConnection struct {
	ID uint32
}

func (StatusChanged) message()    {}
func (NewConnection) message()    {}
func (ClosedConnection) message() {}

func (m StatusChanged) String() string    { return "status: " + m.Status.String() }
func (m NewConnection) String() string    { return fmt.Sprintf("new connection %d", m.ID) }
func (m ClosedConnection) String() string { return fmt.Sprintf("closed connection %d", m.ID) }
