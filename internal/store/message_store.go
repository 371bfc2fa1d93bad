package store

import (
	"chatsync/internal/model"
)

type storedMessage struct {
	Seq     int64         `json:"seq"`
	Message model.Message `json:"message"`
}

// messageStore keeps each conversation's history in seq order. Callers hold
// Store.mu.
type messageStore struct {
	data map[string][]storedMessage
}

func newMessageStore() *messageStore {
	return &messageStore{data: make(map[string][]storedMessage)}
}

func (m *messageStore) append(conversationID string, seq int64, msg model.Message) {
	m.data[conversationID] = append(m.data[conversationID], storedMessage{Seq: seq, Message: msg})
}

func (m *messageStore) list(conversationID string) []model.Message {
	msgs := m.data[conversationID]
	result := make([]model.Message, 0, len(msgs))
	for _, sm := range msgs {
		result = append(result, sm.Message)
	}
	return result
}

func (m *messageStore) last(conversationID string) (model.Message, bool) {
	msgs := m.data[conversationID]
	if len(msgs) == 0 {
		return model.Message{}, false
	}
	return msgs[len(msgs)-1].Message, true
}

// update applies fn to every message of the conversation and reports the
// ones it changed.
func (m *messageStore) update(conversationID string, fn func(*model.Message) bool) []model.Message {
	var changed []model.Message
	msgs := m.data[conversationID]
	for i := range msgs {
		if fn(&msgs[i].Message) {
			changed = append(changed, msgs[i].Message)
		}
	}
	return changed
}
