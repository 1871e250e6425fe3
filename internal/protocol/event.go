package protocol

import (
	"time"
)

// Outbound event names.
const (
	EventAuthSuccess  = "auth_success"
	EventAuthError    = "auth_error"
	EventChatCreated  = "chat_created"
	EventChatSwitched = "chat_switched"
	EventChatDeleted  = "chat_deleted"
	EventTitleUpdated = "title_updated"
	EventNanoMessage  = "nano_message"
	EventChatMessage  = "chat_message"
	EventError        = "error"
	EventPong         = "pong"
)

// Event is an outbound message. Every event serializes with both a "type"
// and an "event" field carrying its name.
type Event interface {
	EventName() string
}

// Header is embedded in every event.
type Header struct {
	Type  string `json:"type"`
	Event string `json:"event"`
}

// EventName implements Event.
func (h Header) EventName() string { return h.Type }

func header(name string) Header { return Header{Type: name, Event: name} }

// UserInfo is the public view of the authenticated user.
type UserInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type AuthSuccess struct {
	Header
	SessionID string        `json:"session_id"`
	ChatID    string        `json:"chat_id"`
	User      UserInfo      `json:"user"`
	Reconnect ReconnectHint `json:"reconnect"`
}

// ReconnectHint tells the client how to back off between reconnects.
type ReconnectHint struct {
	BaseMs int64   `json:"base_ms"`
	MaxMs  int64   `json:"max_ms"`
	Factor float64 `json:"factor"`
	Jitter float64 `json:"jitter"`
}

type AuthError struct {
	Header
	Class   Class  `json:"error"`
	Message string `json:"message"`
}

type ChatCreated struct {
	Header
	ChatID string `json:"chat_id"`
	Title  string `json:"title,omitempty"`
}

type ChatSwitched struct {
	Header
	ChatID string `json:"chat_id"`
}

// ChatDeleted tells a session its bound chat is gone and it must rebind.
type ChatDeleted struct {
	Header
	ChatID  string `json:"chat_id"`
	Message string `json:"message"`
}

type TitleUpdated struct {
	Header
	ChatID string `json:"chat_id"`
	Title  string `json:"title"`
}

// NanoMessage is a transient progress update from an agent.
type NanoMessage struct {
	Header
	Agent     string    `json:"agent"`
	Message   string    `json:"message"`
	SessionID string    `json:"session_id,omitempty"`
	ChatID    string    `json:"chat_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatMessage is the final output of a turn, or its single error-class reply.
type ChatMessage struct {
	Header
	ChatID        string         `json:"chat_id"`
	Text          string         `json:"text"`
	AgentName     string         `json:"agent_name,omitempty"`
	AgentRequired bool           `json:"agent_required"`
	Payload       map[string]any `json:"payload,omitempty"`
	Class         Class          `json:"error,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// ErrorEvent reports a recoverable failure outside a turn, such as a
// malformed frame.
type ErrorEvent struct {
	Header
	Class   Class  `json:"error"`
	Message string `json:"message"`
}

type Pong struct {
	Header
}

func NewAuthSuccess(sessionID, chatID string, user UserInfo) AuthSuccess {
	return AuthSuccess{
		Header:    header(EventAuthSuccess),
		SessionID: sessionID,
		ChatID:    chatID,
		User:      user,
		Reconnect: ReconnectHint{
			BaseMs: ReconnectPolicy.Base.Milliseconds(),
			MaxMs:  ReconnectPolicy.Max.Milliseconds(),
			Factor: ReconnectPolicy.Factor,
			Jitter: ReconnectPolicy.Jitter,
		},
	}
}

func NewAuthError(message string) AuthError {
	if message == "" {
		message = defaultMessages[ClassAuth]
	}
	return AuthError{Header: header(EventAuthError), Class: ClassAuth, Message: message}
}

func NewChatCreated(chatID, title string) ChatCreated {
	return ChatCreated{Header: header(EventChatCreated), ChatID: chatID, Title: title}
}

func NewChatSwitched(chatID string) ChatSwitched {
	return ChatSwitched{Header: header(EventChatSwitched), ChatID: chatID}
}

func NewChatDeleted(chatID string) ChatDeleted {
	return ChatDeleted{
		Header:  header(EventChatDeleted),
		ChatID:  chatID,
		Message: "This chat was deleted. Switch to another chat or create a new one.",
	}
}

func NewTitleUpdated(chatID, title string) TitleUpdated {
	return TitleUpdated{Header: header(EventTitleUpdated), ChatID: chatID, Title: title}
}

func NewNanoMessage(agent, message, sessionID, chatID string, at time.Time) NanoMessage {
	return NanoMessage{
		Header:    header(EventNanoMessage),
		Agent:     agent,
		Message:   message,
		SessionID: sessionID,
		ChatID:    chatID,
		Timestamp: at.UTC(),
	}
}

func NewChatMessage(chatID, text, agent string, agentRequired bool, payload map[string]any) ChatMessage {
	return ChatMessage{
		Header:        header(EventChatMessage),
		ChatID:        chatID,
		Text:          text,
		AgentName:     agent,
		AgentRequired: agentRequired,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	}
}

// NewChatError builds the single error-class chat_message of a failed turn.
func NewChatError(chatID, agent string, e *Error) ChatMessage {
	msg := NewChatMessage(chatID, e.Message, agent, false, nil)
	msg.Class = e.Class
	return msg
}

func NewErrorEvent(e *Error) ErrorEvent {
	return ErrorEvent{Header: header(EventError), Class: e.Class, Message: e.Message}
}

func NewPong() Pong {
	return Pong{Header: header(EventPong)}
}
