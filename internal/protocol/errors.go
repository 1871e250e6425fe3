// Package protocol defines the transport-independent connection protocol:
// inbound frames, outbound events, the connection state machine and the
// error classes reported to clients.
package protocol

import (
	"errors"
	"fmt"
)

// Class is the stable, client-visible category of a failure.
type Class string

const (
	ClassProtocol       Class = "protocol_error"
	ClassAuth           Class = "auth_error"
	ClassRouting        Class = "routing_error"
	ClassAgentExecution Class = "agent_execution_error"
	ClassPersistence    Class = "persistence_error"
	ClassChatNotFound   Class = "chat_not_found"
)

var defaultMessages = map[Class]string{
	ClassProtocol:       "Malformed message.",
	ClassAuth:           "Authentication failed.",
	ClassRouting:        "Sorry, no agent could handle that message.",
	ClassAgentExecution: "Something went wrong while working on that. Please try again.",
	ClassPersistence:    "Your message could not be saved. Please try again.",
	ClassChatNotFound:   "This chat no longer exists.",
}

// Error is a classified failure. Only Class and Message are ever sent to a
// client; Err carries the internal cause for logs.
type Error struct {
	Class   Class
	Message string
	Err     error
}

// NewError builds a classified error. An empty message selects the class default.
func NewError(class Class, message string, err error) *Error {
	if message == "" {
		message = defaultMessages[class]
	}
	return &Error{Class: class, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal reports whether the error terminates the connection.
func (e *Error) Fatal() bool { return e.Class == ClassAuth }

// AsError classifies err, defaulting unclassified errors to fallback.
func AsError(err error, fallback Class) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return NewError(fallback, "", err)
}
