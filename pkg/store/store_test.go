package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/tenant-realtime/pkg/model"
	"github.com/mahaj/tenant-realtime/pkg/normalize"
)

const conv = "dm:alice:bob"

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(t0)
	return New("alice", mock, nil), mock
}

func added(id, sender, text string, at time.Time) normalize.MessageAdded {
	return normalize.MessageAdded{Message: model.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Text:           text,
		CreatedAt:      at,
		Delivery:       model.DeliverySent,
	}}
}

func ids(msgs []model.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestStore_OrdersByCreatedAt(t *testing.T) {
	s, _ := newTestStore(t)
	s.Apply(added("m3", "bob", "three", t0.Add(3*time.Second)))
	s.Apply(added("m1", "bob", "one", t0.Add(1*time.Second)))
	s.Apply(added("m2", "bob", "two", t0.Add(2*time.Second)))

	require.Equal(t, []string{"m1", "m2", "m3"}, ids(s.Messages(conv)))

	c, ok := s.Conversation(conv)
	require.True(t, ok)
	assert.Equal(t, "three", c.Preview.Text)
	assert.Equal(t, model.KindDirect, c.Kind)
	assert.Equal(t, "bob", c.ParticipantID)
	assert.Equal(t, 3, c.UnreadCount)
}

func TestStore_EqualTimestampsKeepArrivalOrder(t *testing.T) {
	s, _ := newTestStore(t)
	s.Apply(added("b", "bob", "x", t0))
	s.Apply(added("a", "bob", "y", t0))
	require.Equal(t, []string{"b", "a"}, ids(s.Messages(conv)))
}

func TestStore_DuplicateInsertIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	s.Apply(added("m1", "bob", "hi", t0))
	out := s.Apply(added("m1", "bob", "hi", t0))
	assert.False(t, out.Changed)
	require.Len(t, s.Messages(conv), 1)
	assert.Equal(t, 1, s.UnreadTotal())
}

func TestStore_DeliveryStateNeverRegresses(t *testing.T) {
	s, _ := newTestStore(t)
	s.Apply(added("m1", "alice", "hi", t0))
	s.Apply(normalize.MessageUpdated{ID: "m1", Delivery: model.DeliveryRead})
	s.Apply(normalize.MessageUpdated{ID: "m1", Delivery: model.DeliverySent})
	s.Apply(normalize.MessageUpdated{ID: "m1", Delivery: model.DeliveryDelivered})

	m, ok := s.Message("m1")
	require.True(t, ok)
	assert.Equal(t, model.DeliveryRead, m.Delivery)

	c, _ := s.Conversation(conv)
	assert.True(t, c.Preview.ReadByRecipient)
}

func TestStore_UpdateMergesPresentFields(t *testing.T) {
	s, _ := newTestStore(t)
	s.Apply(added("m1", "bob", "hi", t0))
	edited := "hi there"
	s.Apply(normalize.MessageUpdated{ID: "m1", Text: &edited})
	m, _ := s.Message("m1")
	assert.Equal(t, "hi there", m.Text)
	assert.Equal(t, model.DeliverySent, m.Delivery)

	out := s.Apply(normalize.MessageUpdated{ID: "missing", Text: &edited})
	assert.False(t, out.Changed)
}

func TestStore_OptimisticSendCollapsesByCorrelationID(t *testing.T) {
	s, mock := newTestStore(t)
	localID := s.ApplyLocalSend(conv, Draft{Text: "rent paid"})
	require.NotEmpty(t, localID)

	local, ok := s.Message(localID)
	require.True(t, ok)
	assert.True(t, local.Pending)
	assert.Equal(t, model.DeliverySent, local.Delivery)

	mock.Add(30 * time.Second)
	echo := added("srv-1", "alice", "rent paid", mock.Now())
	echo.Message.CorrelationID = local.CorrelationID
	echo.Message.Delivery = model.DeliveryDelivered
	out := s.Apply(echo)

	assert.Equal(t, localID, out.Replaced)
	assert.Equal(t, "srv-1", out.MessageID)
	msgs := s.Messages(conv)
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.False(t, msgs[0].Pending)
	assert.Equal(t, model.DeliveryDelivered, msgs[0].Delivery)
	assert.Equal(t, 0, s.UnreadTotal())
}

func TestStore_OptimisticSendCollapsesByHeuristic(t *testing.T) {
	s, mock := newTestStore(t)
	localID := s.ApplyLocalSend(conv, Draft{Text: "hello"})
	mock.Add(time.Second)

	out := s.Apply(added("srv-1", "alice", "hello", mock.Now()))
	assert.Equal(t, localID, out.Replaced)
	require.Equal(t, []string{"srv-1"}, ids(s.Messages(conv)))
}

func TestStore_HeuristicRespectsWindowAndCorrelation(t *testing.T) {
	s, mock := newTestStore(t)
	s.ApplyLocalSend(conv, Draft{Text: "hello"})
	mock.Add(ReconcileWindow + time.Second)

	// Too late for the heuristic: both entries are kept.
	s.Apply(added("srv-1", "alice", "hello", mock.Now()))
	require.Len(t, s.Messages(conv), 2)

	// An echo with a correlation id nobody sent never falls back to text.
	s.ApplyLocalSend(conv, Draft{Text: "again"})
	echo := added("srv-2", "alice", "again", mock.Now())
	echo.Message.CorrelationID = "someone-else"
	out := s.Apply(echo)
	assert.Empty(t, out.Replaced)
	require.Len(t, s.Messages(conv), 4)
}

func TestStore_RapidDuplicateSendsCollapseOneEach(t *testing.T) {
	s, _ := newTestStore(t)
	a := s.ApplyLocalSend(conv, Draft{Text: "ok"})
	b := s.ApplyLocalSend(conv, Draft{Text: "ok"})
	ma, _ := s.Message(a)
	mb, _ := s.Message(b)

	e2 := added("srv-b", "alice", "ok", t0)
	e2.Message.CorrelationID = mb.CorrelationID
	e1 := added("srv-a", "alice", "ok", t0)
	e1.Message.CorrelationID = ma.CorrelationID

	assert.Equal(t, b, s.Apply(e2).Replaced)
	assert.Equal(t, a, s.Apply(e1).Replaced)
	require.Len(t, s.Messages(conv), 2)
}

func TestStore_FailedSendAndRetry(t *testing.T) {
	s, _ := newTestStore(t)
	id := s.ApplyLocalSend(conv, Draft{Text: "x"})
	require.True(t, s.MarkSendFailed(id))
	m, _ := s.Message(id)
	assert.True(t, m.Failed)

	retry, ok := s.RetrySend(id)
	require.True(t, ok)
	assert.Equal(t, "x", retry.Text)
	_, ok = s.RetrySend(id)
	assert.False(t, ok)
	assert.False(t, s.MarkSendFailed("nope"))
}

func TestStore_RemoveByIDOnly(t *testing.T) {
	s, _ := newTestStore(t)
	s.Apply(added("m1", "bob", "a", t0))
	s.Apply(added("m2", "bob", "b", t0.Add(time.Second)))

	out := s.Apply(normalize.MessageRemoved{ID: "m2"})
	assert.Equal(t, []string{"m2"}, out.Removed)
	require.Equal(t, []string{"m1"}, ids(s.Messages(conv)))
	c, _ := s.Conversation(conv)
	assert.Equal(t, "a", c.Preview.Text)

	assert.False(t, s.Apply(normalize.MessageRemoved{ID: "m2"}).Changed)
}

func TestStore_ReactionUniquePerUser(t *testing.T) {
	s, _ := newTestStore(t)
	s.Apply(added("m1", "bob", "hi", t0))
	react := func(id, user, emoji string) {
		s.Apply(normalize.ReactionChanged{Reaction: model.Reaction{ID: id, MessageID: "m1", UserID: user, Emoji: emoji}})
	}
	react("r1", "alice", "👍")
	react("r2", "alice", "🔥")
	react("r3", "bob", "🔥")

	m, _ := s.Message("m1")
	assert.Equal(t, map[string]string{"alice": "🔥", "bob": "🔥"}, m.Reactions)
	assert.Equal(t, map[string]int{"🔥": 2}, m.ReactionCounts())

	// The stale id of alice's first reaction does not remove her current one.
	s.Apply(normalize.ReactionChanged{Reaction: model.Reaction{ID: "r1"}, Removed: true})
	m, _ = s.Message("m1")
	assert.Equal(t, "🔥", m.Reactions["alice"])

	s.Apply(normalize.ReactionChanged{Reaction: model.Reaction{ID: "r2"}, Removed: true})
	m, _ = s.Message("m1")
	assert.Equal(t, map[string]string{"bob": "🔥"}, m.Reactions)
}

func TestStore_ReceiptsOnlyAffectSelfSent(t *testing.T) {
	s, _ := newTestStore(t)
	s.Apply(added("mine", "alice", "a", t0))
	s.Apply(added("theirs", "bob", "b", t0.Add(time.Second)))

	s.Apply(normalize.ReceiptAdded{Receipt: model.Receipt{MessageID: "mine", UserID: "bob"}})
	s.Apply(normalize.ReceiptAdded{Receipt: model.Receipt{MessageID: "theirs", UserID: "alice"}})

	mine, _ := s.Message("mine")
	theirs, _ := s.Message("theirs")
	assert.Equal(t, model.DeliveryRead, mine.Delivery)
	assert.Equal(t, model.DeliverySent, theirs.Delivery)
}

func TestStore_MarkReadAndFocus(t *testing.T) {
	s, _ := newTestStore(t)
	s.Apply(added("m1", "bob", "a", t0))
	s.Apply(added("m2", "alice", "b", t0.Add(time.Second)))
	assert.Equal(t, 1, s.UnreadTotal())

	marked := s.MarkRead(conv)
	assert.Equal(t, []string{"m1"}, marked)
	assert.Equal(t, 0, s.UnreadTotal())
	assert.Empty(t, s.MarkRead(conv))

	mine, _ := s.Message("m2")
	assert.Equal(t, model.DeliverySent, mine.Delivery)

	s.Focus(conv)
	s.Apply(added("m3", "bob", "c", t0.Add(2*time.Second)))
	assert.Equal(t, 0, s.UnreadTotal())
	s.Blur(conv)
	s.Apply(added("m4", "bob", "d", t0.Add(3*time.Second)))
	assert.Equal(t, 1, s.UnreadTotal())
}

func TestStore_ClearIsolatesConversations(t *testing.T) {
	s, _ := newTestStore(t)
	s.Apply(added("m1", "bob", "a", t0))
	other := added("g1", "carol", "hey", t0)
	other.Message.ConversationID = "group-7"
	s.Apply(other)

	out := s.Clear(conv)
	assert.Equal(t, []string{"m1"}, out.Removed)
	assert.Empty(t, s.Messages(conv))
	c, _ := s.Conversation(conv)
	assert.Equal(t, model.Preview{}, c.Preview)

	require.Len(t, s.Messages("group-7"), 1)
	g, _ := s.Conversation("group-7")
	assert.Equal(t, model.KindGroup, g.Kind)
}

func TestStore_ArchiveIgnoresLaterEvents(t *testing.T) {
	s, _ := newTestStore(t)
	s.Apply(added("m1", "bob", "a", t0))
	s.Archive(conv)
	_, ok := s.Conversation(conv)
	assert.False(t, ok)

	s.Apply(added("m2", "bob", "b", t0))
	assert.Empty(t, s.Conversations())

	s.Apply(normalize.ConversationJoined{Conversation: model.Conversation{ID: conv}})
	c, ok := s.Conversation(conv)
	require.True(t, ok)
	assert.Equal(t, model.KindDirect, c.Kind)
}

func TestStore_ExpiredMessagesNeverRender(t *testing.T) {
	s, mock := newTestStore(t)
	past := mock.Now().Add(-time.Second)
	ev := added("gone", "bob", "secret", t0)
	ev.Message.AutoDeleteAt = &past
	assert.False(t, s.Apply(ev).Changed)
	assert.Empty(t, s.Messages(conv))

	soon := mock.Now().Add(2 * time.Second)
	ev = added("soon", "bob", "brief", t0)
	ev.Message.AutoDeleteAt = &soon
	s.Apply(ev)
	require.Len(t, s.Messages(conv), 1)

	mock.Add(2100 * time.Millisecond)
	assert.Empty(t, s.Messages(conv))
	_, ok := s.Message("soon")
	assert.False(t, ok)
}

func TestStore_PresenceAndConversationsOrder(t *testing.T) {
	s, _ := newTestStore(t)
	s.Track(model.Conversation{ID: "dm:alice:carol", Kind: model.KindDirect, ParticipantID: "carol"})
	s.Apply(added("m1", "bob", "a", t0))

	s.Apply(normalize.PresenceChanged{UserID: "carol", Online: true})
	c, _ := s.Conversation("dm:alice:carol")
	assert.True(t, c.Online)

	convs := s.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, conv, convs[0].ID)
}

func TestStore_ConcurrentSendAndApply(t *testing.T) {
	s, _ := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			s.ApplyLocalSend(conv, Draft{Text: fmt.Sprintf("mine-%d", i)})
		}(i)
		go func(i int) {
			defer wg.Done()
			s.Apply(added(fmt.Sprintf("in-%d", i), "bob", "theirs", t0.Add(time.Duration(i)*time.Millisecond)))
		}(i)
	}
	wg.Wait()
	require.Len(t, s.Messages(conv), 100)
}

func TestStore_MalformedEventsAreNoops(t *testing.T) {
	s, _ := newTestStore(t)
	assert.False(t, s.Apply(nil).Changed)
	assert.False(t, s.Apply(normalize.MessageAdded{}).Changed)
	assert.False(t, s.Apply(normalize.TypingStarted{}).Changed)
	assert.Empty(t, s.ApplyLocalSend("", Draft{Text: "x"}))
}
