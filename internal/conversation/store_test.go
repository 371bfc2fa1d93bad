package conversation

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"chatsync/internal/logger"
	"chatsync/internal/model"
)

const (
	me    = "student-1"
	tutor = "tutor-9"
	conv  = "c1"
)

var t0 = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func newStore(now func() time.Time) *Store {
	if now == nil {
		now = func() time.Time { return t0 }
	}
	return New(Options{PrincipalID: me, Now: now, Logger: logger.Discard()})
}

func incoming(id string, at time.Time) model.Message {
	return model.Message{ID: id, ConversationID: conv, SenderID: tutor, ReceiverID: me, Body: "hi " + id, CreatedAt: at}
}

func ids(msgs []model.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestStore_OptimisticThenReconcileByCorrelation(t *testing.T) {
	s := newStore(nil)
	s.EnsureConversation(conv, tutor)

	cid, pending := s.AppendOptimistic(conv, Draft{Body: "hello"})
	if pending.State != model.Pending || pending.ReceiverID != tutor || pending.SenderID != me {
		t.Fatalf("unexpected optimistic entry %+v", pending)
	}

	server := model.Message{ID: "m-100", CorrelationID: cid, SenderID: me, ReceiverID: tutor, Body: "hello", CreatedAt: t0.Add(3 * time.Second)}
	if got := s.Reconcile(conv, server); got != Replaced {
		t.Fatalf("expected replaced, got %v", got)
	}
	// The live echo of the same message is a no-op.
	if got := s.Reconcile(conv, server); got != Ignored {
		t.Fatalf("expected echo ignored, got %v", got)
	}

	msgs := s.Messages(conv)
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one message, got %d", len(msgs))
	}
	if msgs[0].ID != "m-100" || !msgs[0].CreatedAt.Equal(server.CreatedAt) || msgs[0].State != model.Sent {
		t.Fatalf("expected authoritative copy, got %+v", msgs[0])
	}
	if msgs[0].CorrelationID != cid {
		t.Fatalf("expected correlation id kept")
	}
}

func TestStore_SecondServerCopyOfDraftKept(t *testing.T) {
	s := newStore(nil)
	s.EnsureConversation(conv, tutor)
	cid, _ := s.AppendOptimistic(conv, Draft{Body: "hello"})

	first := model.Message{ID: "m-a", CorrelationID: cid, SenderID: me, ReceiverID: tutor, Body: "hello", CreatedAt: t0}
	second := first
	second.ID = "m-b"
	second.CreatedAt = t0.Add(time.Second)

	if got := s.Reconcile(conv, first); got != Replaced {
		t.Fatalf("expected first copy to replace the draft, got %v", got)
	}
	if got := s.Reconcile(conv, second); got != Appended {
		t.Fatalf("expected second copy appended, got %v", got)
	}
	if got := ids(s.Messages(conv)); !reflect.DeepEqual(got, []string{"m-a", "m-b"}) {
		t.Fatalf("expected both confirmed copies, got %v", got)
	}
}

func TestStore_ReconcileFallbackMatch(t *testing.T) {
	s := newStore(nil)
	s.EnsureConversation(conv, tutor)
	s.AppendOptimistic(conv, Draft{Body: "same text"})

	server := model.Message{ID: "m-1", SenderID: me, ReceiverID: tutor, Body: "same text", CreatedAt: t0.Add(time.Second)}
	if got := s.Reconcile(conv, server); got != Replaced {
		t.Fatalf("expected fallback replace, got %v", got)
	}
	if n := len(s.Messages(conv)); n != 1 {
		t.Fatalf("expected 1 message, got %d", n)
	}

	// Outside the window it is a different message.
	far := model.Message{ID: "m-2", SenderID: me, ReceiverID: tutor, Body: "same text", CreatedAt: t0.Add(time.Hour)}
	s.AppendOptimistic(conv, Draft{Body: "same text"})
	if got := s.Reconcile(conv, far); got != Appended {
		t.Fatalf("expected append outside window, got %v", got)
	}
}

func TestStore_DuplicateConfirmedIDIgnored(t *testing.T) {
	s := newStore(nil)
	m := incoming("m-1", t0)
	if got := s.Reconcile(conv, m); got != Appended {
		t.Fatalf("expected appended, got %v", got)
	}
	m.Body = "changed"
	if got := s.Reconcile(conv, m); got != Ignored {
		t.Fatalf("expected duplicate ignored, got %v", got)
	}
	if msgs := s.Messages(conv); len(msgs) != 1 || msgs[0].Body != "hi m-1" {
		t.Fatalf("expected store unchanged, got %+v", msgs)
	}
}

func TestStore_OrderingStableOnReconcile(t *testing.T) {
	now := t0
	s := newStore(func() time.Time { return now })
	s.EnsureConversation(conv, tutor)

	s.Reconcile(conv, incoming("m-1", t0))
	now = t0.Add(2 * time.Second)
	cid, _ := s.AppendOptimistic(conv, Draft{Body: "middle"})
	s.Reconcile(conv, incoming("m-3", t0.Add(4*time.Second)))

	// The authoritative timestamp lands after m-3; position must not move.
	s.Reconcile(conv, model.Message{ID: "m-2", CorrelationID: cid, SenderID: me, ReceiverID: tutor, Body: "middle", CreatedAt: t0.Add(5 * time.Second)})

	if got := ids(s.Messages(conv)); !reflect.DeepEqual(got, []string{"m-1", "m-2", "m-3"}) {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestStore_InsertByTimestampWithTieBreak(t *testing.T) {
	s := newStore(nil)
	s.Reconcile(conv, incoming("a", t0.Add(2*time.Second)))
	s.Reconcile(conv, incoming("b", t0))
	s.Reconcile(conv, incoming("c", t0.Add(2*time.Second)))
	s.Reconcile(conv, incoming("d", t0.Add(time.Second)))

	if got := ids(s.Messages(conv)); !reflect.DeepEqual(got, []string{"b", "d", "a", "c"}) {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestStore_OptimisticNeverBeforeTail(t *testing.T) {
	s := newStore(func() time.Time { return t0 })
	s.Reconcile(conv, incoming("later", t0.Add(time.Minute)))
	_, msg := s.AppendOptimistic(conv, Draft{ReceiverID: tutor, Body: "x"})
	if msg.CreatedAt.Before(t0.Add(time.Minute)) {
		t.Fatalf("optimistic entry must not sort before the tail")
	}
	msgs := s.Messages(conv)
	if msgs[len(msgs)-1].CorrelationID != msg.CorrelationID {
		t.Fatalf("expected optimistic entry at tail")
	}
}

func TestStore_DeletionIdempotent(t *testing.T) {
	build := func() *Store {
		s := newStore(nil)
		for i := 0; i < 4; i++ {
			s.Reconcile(conv, incoming(fmt.Sprintf("m-%d", i), t0.Add(time.Duration(i)*time.Second)))
		}
		return s
	}

	twice := build()
	twice.MarkDeleted(conv, []string{"m-0", "m-1"})
	if n := twice.MarkDeleted(conv, []string{"m-1", "m-2"}); n != 1 {
		t.Fatalf("expected only m-2 to change, got %d", n)
	}

	once := build()
	once.MarkDeleted(conv, []string{"m-0", "m-1", "m-2"})

	if !reflect.DeepEqual(twice.Messages(conv), once.Messages(conv)) {
		t.Fatalf("overlapping deletes differ from union delete")
	}
	for _, m := range once.Messages(conv)[:3] {
		if !m.IsDeleted || m.Body != "" {
			t.Fatalf("expected tombstone, got %+v", m)
		}
	}
}

func TestStore_DeleteBeforeArrival(t *testing.T) {
	s := newStore(nil)
	s.MarkDeleted(conv, []string{"m-late"})
	s.Reconcile(conv, incoming("m-late", t0))

	msgs := s.Messages(conv)
	if len(msgs) != 1 || !msgs[0].IsDeleted {
		t.Fatalf("expected late message to arrive as tombstone, got %+v", msgs)
	}
	if c, _ := s.Conversation(conv); c.UnreadCount != 0 {
		t.Fatalf("tombstones must not count as unread")
	}
}

func TestStore_UnreadCountTracksIncoming(t *testing.T) {
	s := newStore(nil)
	countUnread := func() int {
		n := 0
		for _, m := range s.Messages(conv) {
			if m.ReceiverID == me && !m.IsRead && !m.IsDeleted {
				n++
			}
		}
		return n
	}
	check := func(step string) {
		t.Helper()
		c, _ := s.Conversation(conv)
		if c.UnreadCount != countUnread() {
			t.Fatalf("%s: unreadCount=%d, actual=%d", step, c.UnreadCount, countUnread())
		}
	}

	s.Reconcile(conv, incoming("m-1", t0))
	check("new m-1")
	s.Reconcile(conv, incoming("m-2", t0.Add(time.Second)))
	check("new m-2")
	s.Reconcile(conv, model.Message{ID: "mine", SenderID: me, ReceiverID: tutor, Body: "x", CreatedAt: t0.Add(2 * time.Second)})
	check("outgoing")
	s.MarkRead(conv, me, "m-1")
	check("read up to m-1")
	if c, _ := s.Conversation(conv); c.UnreadCount != 1 {
		t.Fatalf("expected 1 unread, got %d", c.UnreadCount)
	}
	s.Reconcile(conv, incoming("m-3", t0.Add(3*time.Second)))
	check("new m-3")
	s.MarkRead(conv, me, "")
	check("read all")
	if c, _ := s.Conversation(conv); c.UnreadCount != 0 {
		t.Fatalf("expected 0 unread, got %d", c.UnreadCount)
	}
}

func TestStore_ReadReceiptFromCounterpart(t *testing.T) {
	s := newStore(nil)
	s.Reconcile(conv, model.Message{ID: "o-1", SenderID: me, ReceiverID: tutor, Body: "a", CreatedAt: t0})
	s.Reconcile(conv, model.Message{ID: "o-2", SenderID: me, ReceiverID: tutor, Body: "b", CreatedAt: t0.Add(time.Second)})
	s.Reconcile(conv, incoming("i-1", t0.Add(2*time.Second)))

	if n := s.MarkRead(conv, tutor, "o-1"); n != 1 {
		t.Fatalf("expected 1 message marked, got %d", n)
	}
	msgs := s.Messages(conv)
	if !msgs[0].IsRead || msgs[1].IsRead || msgs[2].IsRead {
		t.Fatalf("unexpected read flags %+v", msgs)
	}
}

func TestStore_ReadReceiptBeforeArrival(t *testing.T) {
	s := newStore(nil)
	s.MarkRead(conv, tutor, "o-1")
	s.Reconcile(conv, model.Message{ID: "o-1", SenderID: me, ReceiverID: tutor, Body: "a", CreatedAt: t0})
	if msgs := s.Messages(conv); !msgs[0].IsRead {
		t.Fatalf("expected pending receipt applied on arrival")
	}
}

func TestStore_ReadReceiptsBeforeArrivalKeepFurthest(t *testing.T) {
	s := newStore(nil)
	// Receipts arrive out of order, both before their messages.
	s.MarkRead(conv, tutor, "o-2")
	s.MarkRead(conv, tutor, "o-1")
	s.Reconcile(conv, model.Message{ID: "o-1", SenderID: me, ReceiverID: tutor, Body: "a", CreatedAt: t0})
	s.Reconcile(conv, model.Message{ID: "o-2", SenderID: me, ReceiverID: tutor, Body: "b", CreatedAt: t0.Add(time.Second)})

	for _, m := range s.Messages(conv) {
		if !m.IsRead {
			t.Fatalf("expected %s read", m.ID)
		}
	}
}

func TestStore_ResetUnread(t *testing.T) {
	s := newStore(nil)
	s.Reconcile(conv, incoming("m-1", t0))
	s.Reconcile(conv, incoming("m-2", t0.Add(time.Second)))
	s.ResetUnread(conv)
	if c, _ := s.Conversation(conv); c.UnreadCount != 0 {
		t.Fatalf("expected 0 unread, got %d", c.UnreadCount)
	}
}

func TestStore_ReplaceKeepsUnconfirmed(t *testing.T) {
	s := newStore(nil)
	s.EnsureConversation(conv, tutor)
	failedID, _ := s.AppendOptimistic(conv, Draft{Body: "did not go"})
	s.SetState(conv, failedID, model.Failed)
	pendingID, _ := s.AppendOptimistic(conv, Draft{Body: "in flight"})

	s.Replace(conv, []model.Message{
		incoming("m-2", t0.Add(-time.Minute)),
		incoming("m-1", t0.Add(-2*time.Minute)),
		{ID: "m-3", CorrelationID: pendingID, SenderID: me, ReceiverID: tutor, Body: "in flight", CreatedAt: t0.Add(time.Second)},
	})

	msgs := s.Messages(conv)
	if got := ids(msgs); !reflect.DeepEqual(got, []string{"m-1", "m-2", "m-3", ""}) {
		t.Fatalf("unexpected timeline %v", got)
	}
	last := msgs[3]
	if last.CorrelationID != failedID || last.State != model.Failed {
		t.Fatalf("expected failed entry kept at tail, got %+v", last)
	}
	if c, _ := s.Conversation(conv); c.UnreadCount != 2 {
		t.Fatalf("expected 2 unread, got %d", c.UnreadCount)
	}
}

func TestStore_ReplaceSinceKeepsLiveArrivals(t *testing.T) {
	s := newStore(nil)
	s.Reconcile(conv, incoming("m-1", t0))
	since := s.Since()

	// Arrives live while the history request is in flight.
	s.Reconcile(conv, incoming("m-2", t0.Add(time.Minute)))
	s.ReplaceSince(conv, []model.Message{incoming("m-1", t0)}, since)

	if got := ids(s.Messages(conv)); !reflect.DeepEqual(got, []string{"m-1", "m-2"}) {
		t.Fatalf("expected live arrival kept, got %v", got)
	}
	if c, _ := s.Conversation(conv); c.UnreadCount != 2 {
		t.Fatalf("expected 2 unread, got %d", c.UnreadCount)
	}

	// A full Replace is authoritative for everything already applied.
	s.Replace(conv, []model.Message{incoming("m-1", t0)})
	if got := ids(s.Messages(conv)); !reflect.DeepEqual(got, []string{"m-1"}) {
		t.Fatalf("expected page only, got %v", got)
	}
}

func TestStore_ReplaceSinceKeepsConfirmationDuringFetch(t *testing.T) {
	s := newStore(nil)
	s.EnsureConversation(conv, tutor)
	cid, _ := s.AppendOptimistic(conv, Draft{Body: "racing"})
	since := s.Since()

	s.Reconcile(conv, model.Message{ID: "m-5", CorrelationID: cid, SenderID: me, ReceiverID: tutor, Body: "racing", CreatedAt: t0})
	s.ReplaceSince(conv, nil, since)

	msgs := s.Messages(conv)
	if len(msgs) != 1 || msgs[0].ID != "m-5" || msgs[0].State != model.Sent {
		t.Fatalf("expected confirmed send kept, got %+v", msgs)
	}
}

func TestStore_UpsertConversationBaseline(t *testing.T) {
	s := newStore(nil)
	s.UpsertConversation(model.Conversation{ID: conv, CounterpartID: tutor, UnreadCount: 3, LastMessageAt: t0})
	if c, _ := s.Conversation(conv); c.UnreadCount != 3 {
		t.Fatalf("expected server unread count, got %d", c.UnreadCount)
	}
	s.Reconcile(conv, incoming("m-9", t0.Add(time.Second)))
	if c, _ := s.Conversation(conv); c.UnreadCount != 4 {
		t.Fatalf("expected baseline+1, got %d", c.UnreadCount)
	}
	s.Replace(conv, []model.Message{incoming("m-9", t0.Add(time.Second))})
	if c, _ := s.Conversation(conv); c.UnreadCount != 1 {
		t.Fatalf("expected baseline dropped after history load, got %d", c.UnreadCount)
	}
}

func TestStore_ConversationsSortedByRecency(t *testing.T) {
	s := newStore(nil)
	s.Reconcile("old", model.Message{ID: "1", SenderID: tutor, ReceiverID: me, Body: "x", CreatedAt: t0})
	s.Reconcile("new", model.Message{ID: "2", SenderID: "tutor-2", ReceiverID: me, Body: "y", CreatedAt: t0.Add(time.Hour)})

	convs := s.Conversations()
	if len(convs) != 2 || convs[0].ID != "new" || convs[1].ID != "old" {
		t.Fatalf("unexpected order %+v", convs)
	}
	if convs[0].CounterpartID != "tutor-2" || convs[0].LastMessagePreview != "y" {
		t.Fatalf("unexpected metadata %+v", convs[0])
	}
}
