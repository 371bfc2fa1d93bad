package model

import "encoding/json"

type EventKind string

const (
	EventMessageNew      EventKind = "message:new"
	EventMessageDeleted  EventKind = "message:deleted"
	EventMessageRead     EventKind = "message:read"
	EventPresenceOnline  EventKind = "presence:online"
	EventPresenceOffline EventKind = "presence:offline"
)

type Event struct {
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type MessageDeleted struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

type MessageRead struct {
	ConversationID string `json:"conversationId"`
	ReaderID       string `json:"readerId"`
	UpToMessageID  string `json:"upToMessageId,omitempty"`
}

type Presence struct {
	UserID string `json:"userId"`
}

func NewEvent(kind EventKind, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: kind, Payload: data}, nil
}

// ConversationID returns the conversation an event belongs to, or "" for
// presence events.
func (e Event) ConversationID() string {
	switch e.Kind {
	case EventMessageNew:
		var m Message
		if json.Unmarshal(e.Payload, &m) == nil {
			return m.ConversationID
		}
	case EventMessageDeleted:
		var d MessageDeleted
		if json.Unmarshal(e.Payload, &d) == nil {
			return d.ConversationID
		}
	case EventMessageRead:
		var r MessageRead
		if json.Unmarshal(e.Payload, &r) == nil {
			return r.ConversationID
		}
	}
	return ""
}
