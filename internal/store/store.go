package store

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"chatsync/internal/logger"
	"chatsync/internal/model"
	"github.com/google/uuid"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidCounterpart   = errors.New("invalid counterpart")
	ErrEmptyMessage         = errors.New("message has no text or image")
)

// Conversation is the server-side record of a two-party thread. The
// per-user view (counterpart, unread count) is derived on read.
type Conversation struct {
	ID           string    `json:"id"`
	Participants [2]string `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (c Conversation) Has(userID string) bool {
	return userID != "" && (c.Participants[0] == userID || c.Participants[1] == userID)
}

func (c Conversation) Counterpart(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

type Store struct {
	mu sync.RWMutex

	stateFile string
	persistMu sync.Mutex
	log       *slog.Logger

	conversations map[string]Conversation
	byPair        map[string]string // sorted "a|b" -> conversation id

	messages *messageStore
	seq      *seqGenerator
}

type Options struct {
	// StateFile, when set, makes conversations and messages survive a
	// restart.
	StateFile string
	Logger    *slog.Logger
}

func New() *Store {
	return NewWithOptions(Options{})
}

func NewWithOptions(opts Options) *Store {
	s := &Store{
		stateFile:     opts.StateFile,
		log:           logger.OrDefault(opts.Logger),
		conversations: make(map[string]Conversation),
		byPair:        make(map[string]string),
		messages:      newMessageStore(),
		seq:           newSeqGenerator(),
	}
	if s.stateFile != "" {
		if err := s.loadFromFile(s.stateFile); err != nil {
			s.log.Error("state load failed", "path", s.stateFile, "err", err)
		}
	}
	return s
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// GetOrCreateConversation returns the thread between the two users,
// creating it on first contact. The bool reports creation.
func (s *Store) GetOrCreateConversation(userID, counterpartID string, now time.Time) (Conversation, bool, error) {
	if userID == "" || counterpartID == "" || userID == counterpartID {
		return Conversation{}, false, ErrInvalidCounterpart
	}

	s.mu.Lock()
	key := pairKey(userID, counterpartID)
	if id, ok := s.byPair[key]; ok {
		c := s.conversations[id]
		s.mu.Unlock()
		return c, false, nil
	}
	c := Conversation{
		ID:           uuid.NewString(),
		Participants: [2]string{userID, counterpartID},
		CreatedAt:    now,
	}
	s.conversations[c.ID] = c
	s.byPair[key] = c.ID
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	return c, true, nil
}

func (s *Store) Conversation(userID, conversationID string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationLocked(userID, conversationID)
}

func (s *Store) conversationLocked(userID, conversationID string) (Conversation, error) {
	c, ok := s.conversations[conversationID]
	if !ok || !c.Has(userID) {
		return Conversation{}, ErrConversationNotFound
	}
	return c, nil
}

// ListConversations returns userID's view of every thread they take part
// in, most recently active first.
func (s *Store) ListConversations(userID string) []model.Conversation {
	s.mu.RLock()
	result := make([]model.Conversation, 0)
	for _, c := range s.conversations {
		if !c.Has(userID) {
			continue
		}
		result = append(result, s.viewLocked(c, userID))
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].LastMessageAt.Equal(result[j].LastMessageAt) {
			return result[i].LastMessageAt.After(result[j].LastMessageAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (s *Store) View(userID, conversationID string) (model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.conversationLocked(userID, conversationID)
	if err != nil {
		return model.Conversation{}, err
	}
	return s.viewLocked(c, userID), nil
}

func (s *Store) viewLocked(c Conversation, userID string) model.Conversation {
	v := model.Conversation{
		ID:            c.ID,
		CounterpartID: c.Counterpart(userID),
		LastMessageAt: c.CreatedAt,
	}
	if last, ok := s.messages.last(c.ID); ok {
		v.LastMessagePreview = last.Preview()
		v.LastMessageAt = last.CreatedAt
	}
	for _, m := range s.messages.data[c.ID] {
		if m.Message.ReceiverID == userID && !m.Message.IsRead && !m.Message.IsDeleted {
			v.UnreadCount++
		}
	}
	return v
}

// AppendMessage stores a message from senderID. clientID is echoed back so
// the sender can match it to its optimistic copy.
func (s *Store) AppendMessage(senderID, conversationID, text, imageURL, clientID string, now time.Time) (model.Message, Conversation, error) {
	if strings.TrimSpace(text) == "" && imageURL == "" {
		return model.Message{}, Conversation{}, ErrEmptyMessage
	}

	s.mu.Lock()
	c, err := s.conversationLocked(senderID, conversationID)
	if err != nil {
		s.mu.Unlock()
		return model.Message{}, Conversation{}, err
	}
	// A resend of a draft the server already stored returns that copy.
	if clientID != "" {
		for _, sm := range s.messages.data[conversationID] {
			if sm.Message.SenderID == senderID && sm.Message.CorrelationID == clientID {
				s.mu.Unlock()
				return sm.Message, c, nil
			}
		}
	}
	// Never go back in time within a thread.
	if last, ok := s.messages.last(conversationID); ok && now.Before(last.CreatedAt) {
		now = last.CreatedAt
	}
	msg := model.Message{
		ID:             uuid.NewString(),
		CorrelationID:  clientID,
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     c.Counterpart(senderID),
		Body:           text,
		AttachmentURL:  imageURL,
		CreatedAt:      now,
	}
	s.messages.append(conversationID, s.seq.next(conversationID), msg)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	return msg, c, nil
}

func (s *Store) ListMessages(userID, conversationID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.conversationLocked(userID, conversationID); err != nil {
		return nil, err
	}
	return s.messages.list(conversationID), nil
}

// DeleteMessages soft-deletes the listed messages that userID sent. Other
// ids are skipped. It returns the ids that changed.
func (s *Store) DeleteMessages(userID, conversationID string, ids []string) ([]string, Conversation, error) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	c, err := s.conversationLocked(userID, conversationID)
	if err != nil {
		s.mu.Unlock()
		return nil, Conversation{}, err
	}
	changed := s.messages.update(conversationID, func(m *model.Message) bool {
		if _, ok := want[m.ID]; !ok || m.SenderID != userID || m.IsDeleted {
			return false
		}
		m.IsDeleted = true
		m.Body = ""
		m.AttachmentURL = ""
		return true
	})
	var snap *persistedState
	if len(changed) > 0 {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()

	deleted := make([]string, 0, len(changed))
	for _, m := range changed {
		deleted = append(deleted, m.ID)
	}
	if snap != nil {
		s.persist(snap)
	}
	return deleted, c, nil
}

// MarkRead marks everything userID received in the thread as read. upTo is
// the id of the newest message at that moment, empty for an empty thread.
func (s *Store) MarkRead(userID, conversationID string) (upTo string, n int, c Conversation, err error) {
	s.mu.Lock()
	c, err = s.conversationLocked(userID, conversationID)
	if err != nil {
		s.mu.Unlock()
		return "", 0, Conversation{}, err
	}
	changed := s.messages.update(conversationID, func(m *model.Message) bool {
		if m.ReceiverID != userID || m.IsRead {
			return false
		}
		m.IsRead = true
		return true
	})
	if last, ok := s.messages.last(conversationID); ok {
		upTo = last.ID
	}
	var snap *persistedState
	if len(changed) > 0 {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()

	if snap != nil {
		s.persist(snap)
	}
	return upTo, len(changed), c, nil
}
