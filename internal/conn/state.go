// Package conn drives a GPS transport through open, read, failure and
// reconnect. The lifecycle is a pure transition function; Manager runs it on
// a single goroutine and executes the resulting effects.
package conn

// State is the lifecycle state of one transport.
type State int

const (
	Closed  State = iota // stopped, no retry pending
	Opening              // open in flight
	Open                 // handle held, reading
	Backoff              // closed after a fault, waiting for the retry timer
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Backoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Event is a transport lifecycle input.
type Event int

const (
	EvStart      Event = iota // caller asks for the transport to run
	EvOpened                  // open succeeded
	EvOpenFailed              // open returned an error
	EvData                    // bytes arrived
	EvError                   // read fault
	EvClosed                  // peer or device closed the stream
	EvRetry                   // reconnect timer fired
	EvStop                    // caller asks for the transport to stop
)

func (e Event) String() string {
	switch e {
	case EvStart:
		return "start"
	case EvOpened:
		return "opened"
	case EvOpenFailed:
		return "open-failed"
	case EvData:
		return "data"
	case EvError:
		return "error"
	case EvClosed:
		return "closed"
	case EvRetry:
		return "retry"
	case EvStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Effect is a side effect requested by Transition.
type Effect int

const (
	EffOpen             Effect = iota // start opening the source
	EffClose                          // release the held handle
	EffScheduleRetry                  // arm the reconnect timer
	EffCancelRetry                    // disarm the reconnect timer
	EffResetBuffer                    // drop the framer's pending bytes
	EffEmitDisconnected               // publish info.connection=false
)

func (e Effect) String() string {
	switch e {
	case EffOpen:
		return "open"
	case EffClose:
		return "close"
	case EffScheduleRetry:
		return "schedule-retry"
	case EffCancelRetry:
		return "cancel-retry"
	case EffResetBuffer:
		return "reset-buffer"
	case EffEmitDisconnected:
		return "emit-disconnected"
	default:
		return "unknown"
	}
}

// Machine is the complete lifecycle state. RetryPending is true while exactly
// one reconnect timer is armed. HandleHeld is true while an open handle must
// be released before the next open.
type Machine struct {
	State        State
	RetryPending bool
	HandleHeld   bool
}

// Transition applies ev to m and returns the next machine and the effects to
// run, in order. It has no side effects of its own.
func Transition(m Machine, ev Event) (Machine, []Effect) {
	var eff []Effect

	switch ev {
	case EvStart:
		if m.State == Opening || m.State == Open {
			return m, nil
		}
		if m.HandleHeld {
			eff = append(eff, EffClose)
			m.HandleHeld = false
		}
		if m.RetryPending {
			eff = append(eff, EffCancelRetry)
			m.RetryPending = false
		}
		m.State = Opening
		return m, append(eff, EffOpen)

	case EvOpened:
		if m.State != Opening {
			return m, nil
		}
		m.State = Open
		m.HandleHeld = true
		if m.RetryPending {
			eff = append(eff, EffCancelRetry)
			m.RetryPending = false
		}
		return m, eff

	case EvOpenFailed:
		if m.State != Opening {
			return m, nil
		}
		return fault(m, eff)

	case EvError, EvClosed:
		switch m.State {
		case Open:
			eff = append(eff, EffClose)
			m.HandleHeld = false
			return fault(m, eff)
		case Backoff:
			eff = append(eff, EffEmitDisconnected)
			if !m.RetryPending {
				eff = append(eff, EffScheduleRetry)
				m.RetryPending = true
			}
			return m, eff
		}
		return m, nil

	case EvData:
		if m.State != Open {
			return m, nil
		}
		if m.RetryPending {
			eff = append(eff, EffCancelRetry)
			m.RetryPending = false
		}
		return m, eff

	case EvRetry:
		if m.State != Backoff || !m.RetryPending {
			return m, nil
		}
		m.RetryPending = false
		m.State = Opening
		return m, []Effect{EffOpen}

	case EvStop:
		if m.State == Closed && !m.RetryPending && !m.HandleHeld {
			return m, nil
		}
		if m.RetryPending {
			eff = append(eff, EffCancelRetry)
			m.RetryPending = false
		}
		// Close unconditionally so an open still in flight is discarded.
		eff = append(eff, EffClose, EffResetBuffer, EffEmitDisconnected)
		m.HandleHeld = false
		m.State = Closed
		return m, eff
	}
	return m, nil
}

// fault moves m into Backoff after a failed open or a lost connection.
func fault(m Machine, eff []Effect) (Machine, []Effect) {
	m.State = Backoff
	eff = append(eff, EffResetBuffer, EffEmitDisconnected)
	if !m.RetryPending {
		eff = append(eff, EffScheduleRetry)
		m.RetryPending = true
	}
	return m, eff
}
