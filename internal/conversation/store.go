package conversation

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chatsync/internal/logger"
	"chatsync/internal/model"
	"github.com/google/uuid"
)

// ErrReconciliationMismatch describes an authoritative message that matches
// no pending entry and repeats an id the store already holds. It is logged,
// never returned.
var ErrReconciliationMismatch = errors.New("reconciliation mismatch")

type Outcome int

const (
	Ignored Outcome = iota
	Replaced
	Appended
)

func (o Outcome) String() string {
	switch o {
	case Replaced:
		return "replaced"
	case Appended:
		return "appended"
	default:
		return "ignored"
	}
}

type Draft struct {
	ReceiverID    string
	Body          string
	AttachmentURL string
}

type Options struct {
	PrincipalID string
	Now         func() time.Time
	// FallbackWindow bounds how far apart the local and server timestamps of
	// the same message may be when matching without a correlation id.
	FallbackWindow time.Duration
	Logger         *slog.Logger
}

// Store is the in-memory timeline of every conversation of one principal.
// All mutation goes through its methods; reads return copies.
type Store struct {
	mu          sync.RWMutex
	principalID string
	convs       map[string]*conversation
	seq         uint64

	now    func() time.Time
	window time.Duration
	log    *slog.Logger
}

// entry.seq is bumped whenever the entry is added or confirmed, so Since
// can tell what changed after a point in time.
type entry struct {
	msg model.Message
	seq uint64
}

type conversation struct {
	meta    model.Conversation
	entries []*entry

	// baseline is the server-reported unread count for messages that are
	// not loaded locally. It drops to zero once history is loaded.
	baseline int

	// deleted and pendingReads hold deletions and read receipts that
	// arrived before the message they refer to.
	deleted      map[string]struct{}
	pendingReads map[string][]string // readerID -> upToMessageIDs
}

func New(opts Options) *Store {
	s := &Store{
		principalID: opts.PrincipalID,
		convs:       make(map[string]*conversation),
		now:         opts.Now,
		window:      opts.FallbackWindow,
		log:         logger.OrDefault(opts.Logger),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.window <= 0 {
		s.window = 2 * time.Minute
	}
	return s
}

func (s *Store) PrincipalID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.principalID
}

func (s *Store) Reset(principalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principalID = principalID
	s.convs = make(map[string]*conversation)
}

func (s *Store) getOrCreateLocked(conversationID string) *conversation {
	c, ok := s.convs[conversationID]
	if !ok {
		c = &conversation{
			meta:         model.Conversation{ID: conversationID},
			deleted:      make(map[string]struct{}),
			pendingReads: make(map[string][]string),
		}
		s.convs[conversationID] = c
	}
	return c
}

func (s *Store) nextSeqLocked() uint64 {
	s.seq++
	return s.seq
}

func (s *Store) EnsureConversation(conversationID, counterpartID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.getOrCreateLocked(conversationID)
	if c.meta.CounterpartID == "" {
		c.meta.CounterpartID = counterpartID
	}
}

// UpsertConversation merges list metadata from the server. Preview and
// unread count only apply while the conversation's messages are not loaded.
func (s *Store) UpsertConversation(conv model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.getOrCreateLocked(conv.ID)
	if conv.CounterpartID != "" {
		c.meta.CounterpartID = conv.CounterpartID
	}
	if len(c.entries) == 0 {
		c.meta.LastMessagePreview = conv.LastMessagePreview
		c.meta.LastMessageAt = conv.LastMessageAt
		c.baseline = conv.UnreadCount
		c.meta.UnreadCount = conv.UnreadCount
	}
}

func (s *Store) Conversation(conversationID string) (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return model.Conversation{}, false
	}
	return c.meta, true
}

// Conversations lists every known conversation, most recent first.
func (s *Store) Conversations() []model.Conversation {
	s.mu.RLock()
	result := make([]model.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		result = append(result, c.meta)
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

func (s *Store) Messages(conversationID string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	result := make([]model.Message, 0, len(c.entries))
	for _, e := range c.entries {
		result = append(result, e.msg)
	}
	return result
}

// AppendOptimistic inserts a pending message at the tail and returns its
// correlation id.
func (s *Store) AppendOptimistic(conversationID string, draft Draft) (string, model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.getOrCreateLocked(conversationID)
	receiver := draft.ReceiverID
	if receiver == "" {
		receiver = c.meta.CounterpartID
	}
	if c.meta.CounterpartID == "" {
		c.meta.CounterpartID = receiver
	}

	createdAt := s.now()
	if n := len(c.entries); n > 0 && createdAt.Before(c.entries[n-1].msg.CreatedAt) {
		createdAt = c.entries[n-1].msg.CreatedAt
	}

	msg := model.Message{
		CorrelationID:  uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       s.principalID,
		ReceiverID:     receiver,
		Body:           draft.Body,
		AttachmentURL:  draft.AttachmentURL,
		CreatedAt:      createdAt,
		State:          model.Pending,
	}
	c.entries = append(c.entries, &entry{msg: msg, seq: s.nextSeqLocked()})
	s.refreshLocked(c)
	return msg.CorrelationID, msg
}

// SetState moves an optimistic entry between pending and failed. Entries
// that were already confirmed are left alone.
func (s *Store) SetState(conversationID, correlationID string, state model.DeliveryState) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return model.Message{}, false
	}
	for _, e := range c.entries {
		if e.msg.CorrelationID == correlationID && e.msg.State != model.Sent {
			e.msg.State = state
			return e.msg, true
		}
	}
	return model.Message{}, false
}

// Reconcile merges an authoritative message. A matching optimistic entry is
// replaced where it stands; anything else is inserted in timestamp order
// without moving existing entries.
func (s *Store) Reconcile(conversationID string, msg model.Message) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	msg.State = model.Sent

	c := s.getOrCreateLocked(conversationID)
	if c.meta.CounterpartID == "" {
		c.meta.CounterpartID = s.counterpartLocked(msg)
	}
	s.applyTombstoneLocked(c, &msg)

	outcome := s.reconcileLocked(c, msg)
	if outcome != Ignored {
		s.applyPendingReadsLocked(c)
		s.refreshLocked(c)
	}
	return outcome
}

func (s *Store) reconcileLocked(c *conversation, msg model.Message) Outcome {
	if msg.CorrelationID != "" {
		for _, e := range c.entries {
			if e.msg.CorrelationID != msg.CorrelationID {
				continue
			}
			if e.msg.State == model.Sent && e.msg.ID != "" {
				if e.msg.ID == msg.ID {
					// The live echo of a send whose response was already applied.
					return Ignored
				}
				// Another server copy of the same draft, e.g. a retry after a
				// lost response. Both exist on the server, so both stay.
				continue
			}
			s.replaceLocked(e, msg)
			return Replaced
		}
	}

	if msg.ID != "" {
		for _, e := range c.entries {
			if e.msg.ID == msg.ID {
				s.log.Warn("ignoring duplicate message",
					"conversation", c.meta.ID, "message", msg.ID, "err", ErrReconciliationMismatch)
				return Ignored
			}
		}
	}

	if msg.CorrelationID == "" {
		if e := s.fallbackMatchLocked(c, msg); e != nil {
			s.replaceLocked(e, msg)
			return Replaced
		}
	}

	s.insertLocked(c, &entry{msg: msg, seq: s.nextSeqLocked()})
	return Appended
}

func (s *Store) replaceLocked(e *entry, msg model.Message) {
	e.seq = s.nextSeqLocked()
	if msg.CorrelationID == "" {
		msg.CorrelationID = e.msg.CorrelationID
	}
	msg.IsRead = msg.IsRead || e.msg.IsRead
	e.msg = msg
}

// fallbackMatchLocked finds the oldest unconfirmed entry with the same
// sender and content whose local timestamp is close to msg's.
func (s *Store) fallbackMatchLocked(c *conversation, msg model.Message) *entry {
	for _, e := range c.entries {
		if e.msg.State == model.Sent {
			continue
		}
		if e.msg.SenderID != msg.SenderID || e.msg.Body != msg.Body || e.msg.AttachmentURL != msg.AttachmentURL {
			continue
		}
		d := msg.CreatedAt.Sub(e.msg.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= s.window {
			return e
		}
	}
	return nil
}

// insertLocked places e after every entry whose timestamp is not later than
// its own, so equal timestamps keep insertion order.
func (s *Store) insertLocked(c *conversation, e *entry) {
	c.entries = insertByTime(c.entries, e)
}

func insertByTime(entries []*entry, e *entry) []*entry {
	i := len(entries)
	for i > 0 && entries[i-1].msg.CreatedAt.After(e.msg.CreatedAt) {
		i--
	}
	entries = append(entries, nil)
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	return entries
}

// Since returns a stamp to pass to ReplaceSince, taken before a history
// request goes out.
func (s *Store) Since() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Replace installs a freshly fetched history page as the authoritative
// timeline. Optimistic entries the page does not account for stay at the
// tail so in-flight and failed sends are never dropped.
func (s *Store) Replace(conversationID string, msgs []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replacePageLocked(conversationID, msgs, s.seq)
}

// ReplaceSince is Replace for a page requested at stamp since: confirmed
// entries added or confirmed after that, typically by live events racing
// the request, are kept even if the page does not have them.
func (s *Store) ReplaceSince(conversationID string, msgs []model.Message, since uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replacePageLocked(conversationID, msgs, since)
}

func (s *Store) replacePageLocked(conversationID string, msgs []model.Message, since uint64) {
	sorted := append([]model.Message(nil), msgs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	c := s.getOrCreateLocked(conversationID)
	existing := make(map[string]*entry, len(c.entries))
	var unconfirmed []*entry
	for _, e := range c.entries {
		if e.msg.State == model.Sent && e.msg.ID != "" {
			existing[e.msg.ID] = e
		} else {
			unconfirmed = append(unconfirmed, e)
		}
	}

	next := make([]*entry, 0, len(sorted)+len(unconfirmed))
	claimed := make(map[*entry]bool)
	for _, msg := range sorted {
		if msg.ConversationID == "" {
			msg.ConversationID = conversationID
		}
		msg.State = model.Sent
		s.applyTombstoneLocked(c, &msg)

		e := &entry{msg: msg}
		if prev, ok := existing[msg.ID]; ok {
			e.seq = prev.seq
			e.msg.IsRead = msg.IsRead || prev.msg.IsRead
			e.msg.CorrelationID = prev.msg.CorrelationID
		} else if match := matchUnconfirmed(unconfirmed, claimed, msg, s.window); match != nil {
			claimed[match] = true
			e.seq = match.seq
			e.msg.CorrelationID = match.msg.CorrelationID
		} else {
			e.seq = s.nextSeqLocked()
		}
		next = append(next, e)
	}
	inPage := make(map[string]bool, len(sorted))
	for _, msg := range sorted {
		inPage[msg.ID] = true
	}
	for _, e := range c.entries {
		if e.msg.State == model.Sent && e.msg.ID != "" && !inPage[e.msg.ID] && e.seq > since {
			next = insertByTime(next, e)
		}
	}
	for _, e := range unconfirmed {
		if !claimed[e] {
			next = append(next, e)
		}
	}

	c.entries = next
	c.baseline = 0
	if c.meta.CounterpartID == "" && len(sorted) > 0 {
		c.meta.CounterpartID = s.counterpartLocked(sorted[0])
	}
	s.applyPendingReadsLocked(c)
	s.refreshLocked(c)
}

func matchUnconfirmed(candidates []*entry, claimed map[*entry]bool, msg model.Message, window time.Duration) *entry {
	for _, e := range candidates {
		if claimed[e] {
			continue
		}
		if msg.CorrelationID != "" {
			if e.msg.CorrelationID == msg.CorrelationID {
				return e
			}
			continue
		}
		if e.msg.SenderID != msg.SenderID || e.msg.Body != msg.Body || e.msg.AttachmentURL != msg.AttachmentURL {
			continue
		}
		d := msg.CreatedAt.Sub(e.msg.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= window {
			return e
		}
	}
	return nil
}

// MarkDeleted tombstones the given messages. Ids not yet present are
// remembered so a late message:new arrives already deleted. Returns how many
// entries changed.
func (s *Store) MarkDeleted(conversationID string, messageIDs []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.getOrCreateLocked(conversationID)
	for _, id := range messageIDs {
		if id != "" {
			c.deleted[id] = struct{}{}
		}
	}

	changed := 0
	for _, e := range c.entries {
		if e.msg.ID == "" || e.msg.IsDeleted {
			continue
		}
		if _, ok := c.deleted[e.msg.ID]; ok {
			tombstone(&e.msg)
			changed++
		}
	}
	if changed > 0 {
		s.refreshLocked(c)
	}
	return changed
}

// MarkRead marks messages received by readerID as read, up to and including
// upToMessageID, or all of them when upToMessageID is empty. A receipt for a
// message not yet present is applied when that message arrives.
func (s *Store) MarkRead(conversationID, readerID, upToMessageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.getOrCreateLocked(conversationID)
	if readerID == "" {
		readerID = s.principalID
	}

	last := len(c.entries) - 1
	if upToMessageID != "" {
		last = indexOf(c, upToMessageID)
		if last < 0 {
			c.pendingReads[readerID] = append(c.pendingReads[readerID], upToMessageID)
			return 0
		}
	}

	changed := markReadLocked(c, readerID, last)
	if readerID == s.principalID && upToMessageID == "" {
		c.baseline = 0
	}
	s.refreshLocked(c)
	return changed
}

// ResetUnread clears the unread badge once the server acknowledged a read
// sweep; incoming messages are flagged read so the count stays consistent.
func (s *Store) ResetUnread(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return
	}
	markReadLocked(c, s.principalID, len(c.entries)-1)
	c.baseline = 0
	s.refreshLocked(c)
}

func markReadLocked(c *conversation, readerID string, last int) int {
	changed := 0
	for i := 0; i <= last && i < len(c.entries); i++ {
		m := &c.entries[i].msg
		if m.ReceiverID == readerID && !m.IsRead && !m.IsDeleted {
			m.IsRead = true
			changed++
		}
	}
	return changed
}

func indexOf(c *conversation, messageID string) int {
	for i, e := range c.entries {
		if e.msg.ID == messageID {
			return i
		}
	}
	return -1
}

func (s *Store) applyTombstoneLocked(c *conversation, msg *model.Message) {
	if msg.ID == "" {
		return
	}
	if _, ok := c.deleted[msg.ID]; ok || msg.IsDeleted {
		tombstone(msg)
	}
}

// applyPendingReadsLocked applies every held receipt whose message is now
// present. Receipts still waiting are kept; marking is monotonic, so the
// order they arrived in does not matter.
func (s *Store) applyPendingReadsLocked(c *conversation) {
	for reader, ids := range c.pendingReads {
		waiting := ids[:0]
		for _, upTo := range ids {
			if i := indexOf(c, upTo); i >= 0 {
				markReadLocked(c, reader, i)
			} else {
				waiting = append(waiting, upTo)
			}
		}
		if len(waiting) == 0 {
			delete(c.pendingReads, reader)
		} else {
			c.pendingReads[reader] = waiting
		}
	}
}

func tombstone(m *model.Message) {
	m.IsDeleted = true
	m.Body = ""
	m.AttachmentURL = ""
}

func (s *Store) counterpartLocked(msg model.Message) string {
	if msg.SenderID == s.principalID {
		return msg.ReceiverID
	}
	return msg.SenderID
}

// refreshLocked recomputes the derived conversation fields.
func (s *Store) refreshLocked(c *conversation) {
	unread := c.baseline
	for _, e := range c.entries {
		m := e.msg
		if m.ReceiverID == s.principalID && m.State == model.Sent && !m.IsRead && !m.IsDeleted {
			unread++
		}
	}
	c.meta.UnreadCount = unread

	if n := len(c.entries); n > 0 {
		last := c.entries[n-1].msg
		c.meta.LastMessagePreview = last.Preview()
		c.meta.LastMessageAt = last.CreatedAt
	}
}
