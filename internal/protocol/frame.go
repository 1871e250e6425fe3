package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// FrameKind identifies an inbound frame shape.
type FrameKind int

const (
	FrameAuth FrameKind = iota + 1
	FrameTurn
	FrameCreateChat
	FrameSwitchChat
	FramePing
)

func (k FrameKind) String() string {
	switch k {
	case FrameAuth:
		return "auth"
	case FrameTurn:
		return "turn"
	case FrameCreateChat:
		return "create_chat"
	case FrameSwitchChat:
		return "switch_chat"
	case FramePing:
		return "ping"
	}
	return "unknown"
}

// Frame is a decoded inbound frame. Which fields are set depends on Kind.
type Frame struct {
	Kind FrameKind

	Token string // FrameAuth

	// ChatID is the target of FrameSwitchChat and the optional chat of a
	// FrameTurn. Empty on FrameCreateChat.
	ChatID string
	Title  string // FrameCreateChat

	Text      string
	Media     string
	Metadata  map[string]any
	Signature string
}

type rawFrame struct {
	Type      *string         `json:"type"`
	Token     *string         `json:"token"`
	Text      *string         `json:"text"`
	ChatID    json.RawMessage `json:"chat_id"`
	Title     string          `json:"title"`
	Image     json.RawMessage `json:"image"`
	Metadata  map[string]any  `json:"metadata"`
	Signature string          `json:"signature"`
}

func protocolErr(msg string) *Error {
	return NewError(ClassProtocol, msg, nil)
}

// ParseFrame decodes one inbound frame:
//
//	{"token": ...}                                            auth
//	{"text": ..., "chat_id"?, "image"?, "metadata"?, "signature"?}  turn
//	{"chat_id": null, "title"?}                               create chat
//	{"chat_id": "..."}                                        switch chat
//	{"type": "ping"}                                          heartbeat
//
// A text field holding only a JSON control object such as {"chat_id": "c1"}
// is promoted to the matching control frame. Anything else is a
// protocol_error.
func ParseFrame(data []byte) (Frame, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return Frame{}, protocolErr("Frames must be JSON objects.")
	}
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return Frame{}, NewError(ClassProtocol, "Frames must be JSON objects.", err)
	}

	if raw.Type != nil {
		if *raw.Type == "ping" {
			return Frame{Kind: FramePing}, nil
		}
		if raw.Token == nil && raw.Text == nil && raw.ChatID == nil {
			return Frame{}, protocolErr("Unknown frame type.")
		}
	}

	if raw.Token != nil {
		return Frame{Kind: FrameAuth, Token: strings.TrimSpace(*raw.Token)}, nil
	}

	if raw.Text != nil {
		promoteControlText(&raw)
	}

	chatID, chatIsNull, hasChat, err := decodeChatID(raw.ChatID)
	if err != nil {
		return Frame{}, err
	}

	media, err := decodeMedia(raw.Image)
	if err != nil {
		return Frame{}, err
	}

	text := ""
	if raw.Text != nil {
		text = strings.TrimSpace(*raw.Text)
	}
	if text != "" || media != "" {
		return Frame{
			Kind:      FrameTurn,
			ChatID:    chatID,
			Text:      text,
			Media:     media,
			Metadata:  raw.Metadata,
			Signature: strings.TrimSpace(raw.Signature),
		}, nil
	}

	switch {
	case hasChat && (chatIsNull || chatID == ""):
		return Frame{Kind: FrameCreateChat, Title: strings.TrimSpace(raw.Title)}, nil
	case hasChat:
		return Frame{Kind: FrameSwitchChat, ChatID: chatID}, nil
	case raw.Text != nil:
		return Frame{}, protocolErr("Message text is empty.")
	}
	return Frame{}, protocolErr("Unrecognized frame.")
}

// promoteControlText turns {"text": "{\"chat_id\": \"c1\"}"} into a
// control frame when the embedded object holds only chat_id and type.
func promoteControlText(raw *rawFrame) {
	txt := strings.TrimSpace(*raw.Text)
	if !strings.HasPrefix(txt, "{") || !strings.Contains(txt, "chat_id") {
		return
	}
	var inner map[string]json.RawMessage
	if err := json.Unmarshal([]byte(txt), &inner); err != nil {
		return
	}
	for k := range inner {
		if k != "chat_id" && k != "type" {
			return
		}
	}
	if _, _, has, _ := decodeChatID(raw.ChatID); !has {
		raw.ChatID = inner["chat_id"]
	}
	empty := ""
	raw.Text = &empty
}

func decodeChatID(v json.RawMessage) (id string, isNull, present bool, err error) {
	if v == nil {
		return "", false, false, nil
	}
	if string(v) == "null" {
		return "", true, true, nil
	}
	if err := json.Unmarshal(v, &id); err != nil {
		return "", false, true, NewError(ClassProtocol, "chat_id must be a string or null.", err)
	}
	return strings.TrimSpace(id), false, true, nil
}

// decodeMedia accepts a media reference as a URL string or an object with
// a "url" field. Inline uploads are not accepted on this connection.
func decodeMedia(v json.RawMessage) (string, error) {
	if v == nil || string(v) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var obj struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(v, &obj); err != nil || strings.TrimSpace(obj.URL) == "" {
		return "", protocolErr("image must be a media URL reference.")
	}
	return strings.TrimSpace(obj.URL), nil
}
