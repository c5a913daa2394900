package exchange

import (
	"github.com/pkg/errors"

	"github.com/outofforest/coap/wire"
)

var (
	// ErrTimeout is reported when confirmable message is never acknowledged.
	ErrTimeout = errors.New("transmission timed out")

	// ErrReset is reported when peer answers with reset.
	ErrReset = errors.New("reset received")
)

// Event is delivered to the continuation of an exchange.
type Event interface {
	event()
}

// ResponseEvent carries response matched by endpoint and token.
type ResponseEvent struct {
	Response *wire.Message

	// Notification is set when response is an update of active observation.
	Notification bool
}

// ResetEvent is delivered when peer rejected the request with reset.
type ResetEvent struct {
	MessageID wire.MessageID
}

// TimeoutEvent is delivered when confirmable request was never acknowledged.
type TimeoutEvent struct {
	MessageID wire.MessageID
}

// ErrorEvent is delivered when exchange failed for any other reason.
type ErrorEvent struct {
	Err error
}

// MessageIDAssignedEvent informs that message ID was assigned to the request.
type MessageIDAssignedEvent struct {
	MessageID wire.MessageID
}

// ObserverAcceptedEvent informs that peer accepted the observation.
type ObserverAcceptedEvent struct {
	Sequence uint32
}

func (ResponseEvent) event()          {}
func (ResetEvent) event()             {}
func (TimeoutEvent) event()           {}
func (ErrorEvent) event()             {}
func (MessageIDAssignedEvent) event() {}
func (ObserverAcceptedEvent) event()  {}

// Terminal reports whether event closes the exchange.
func Terminal(ev Event) bool {
	switch e := ev.(type) {
	case ResponseEvent:
		return !e.Notification
	case ResetEvent, TimeoutEvent, ErrorEvent:
		return true
	default:
		return false
	}
}

// Err returns error represented by the failure event, nil for other events.
func Err(ev Event) error {
	switch e := ev.(type) {
	case ResetEvent:
		return errors.WithStack(ErrReset)
	case TimeoutEvent:
		return errors.WithStack(ErrTimeout)
	case ErrorEvent:
		return e.Err
	default:
		return nil
	}
}

// Handler is the continuation of an exchange.
type Handler interface {
	// HandleEvent is called for every event of the exchange. Calls are serialized. If the
	// exchange is canceled from inside, the final event follows once the call returns.
	HandleEvent(ev Event)

	// ContinueObservation is consulted after each delivered notification. Returning false
	// ends the observation.
	ContinueObservation() bool
}

// HandlerFunc adapts function to Handler which keeps observations alive.
type HandlerFunc func(ev Event)

// HandleEvent calls f(ev).
func (f HandlerFunc) HandleEvent(ev Event) {
	f(ev)
}

// ContinueObservation returns true.
func (f HandlerFunc) ContinueObservation() bool {
	return true
}
