package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pliu/heartline/internal/conversation"
	"github.com/pliu/heartline/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const me = "me"

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return t0.Add(time.Duration(minutes) * time.Minute)
}

type fakeSub struct {
	spec   models.EventSpec
	ch     chan models.ChangeEvent
	closed bool
}

func (s *fakeSub) Events() <-chan models.ChangeEvent {
	return s.ch
}

// fakeBackend keeps messages in memory and hands out controllable
// subscriptions.
type fakeBackend struct {
	mu       sync.Mutex
	messages map[string]models.Message
	seq      int
	subs     []*fakeSub
	profiles map[string]models.DisplayProfile

	// queryHook, when set, replaces the in-memory query.
	queryHook func(filter models.MessageFilter) ([]models.Message, error)
	subErr    error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		messages: make(map[string]models.Message),
		profiles: map[string]models.DisplayProfile{
			"u1": {DisplayName: "Ann", Avatar: "/ann.png"},
		},
	}
}

func (f *fakeBackend) add(m models.Message) models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ID == "" {
		f.seq++
		m.ID = fmt.Sprintf("m%03d", f.seq)
	}
	f.messages[m.ID] = m
	return m
}

func (f *fakeBackend) QueryMessages(_ context.Context, filter models.MessageFilter) ([]models.Message, error) {
	f.mu.Lock()
	hook := f.queryHook
	f.mu.Unlock()
	if hook != nil {
		return hook(filter)
	}
	return f.query(filter), nil
}

func (f *fakeBackend) query(filter models.MessageFilter) []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Message
	for _, m := range f.messages {
		if filter.SenderID != "" && m.SenderID != filter.SenderID {
			continue
		}
		if filter.ReceiverID != "" && m.ReceiverID != filter.ReceiverID {
			continue
		}
		if filter.IsTyping != nil && m.IsTyping != *filter.IsTyping {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (f *fakeBackend) UpdateMessage(_ context.Context, id string, patch models.MessagePatch) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, errors.New("not found")
	}
	if patch.Read != nil {
		m.Read = *patch.Read
	}
	if patch.CreatedAt != nil {
		m.CreatedAt = *patch.CreatedAt
	}
	f.messages[id] = m
	return &m, nil
}

func (f *fakeBackend) InsertMessage(_ context.Context, m *models.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	*m = f.add(*m)
	return nil
}

func (f *fakeBackend) Subscribe(spec models.EventSpec) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	s := &fakeSub{spec: spec, ch: make(chan models.ChangeEvent, 16)}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeBackend) Unsubscribe(sub Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := sub.(*fakeSub)
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (f *fakeBackend) ResolveDisplayProfile(_ context.Context, userID string) (models.DisplayProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return models.DisplayProfile{}, errors.New("no profile")
	}
	return p, nil
}

// emit delivers ev to every open subscription whose spec matches.
func (f *fakeBackend) emit(ev models.ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if !s.closed && s.spec.Matches(ev) {
			s.ch <- ev
		}
	}
}

// drop closes a subscription as if the server went away.
func (f *fakeBackend) drop(i int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.subs[i]
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (f *fakeBackend) openSubs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subs {
		if !s.closed {
			n++
		}
	}
	return n
}

func insertEvent(m models.Message) models.ChangeEvent {
	return models.ChangeEvent{Table: models.TableMessages, Kind: models.EventInsert, Record: m}
}

func startHandler(t *testing.T, f *fakeBackend, opts Options) *Handler {
	t.Helper()
	h := New(f, me, opts)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(h.Close)
	return h
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestStartLoadsConversations(t *testing.T) {
	f := newFakeBackend()
	f.add(models.Message{SenderID: "u1", ReceiverID: me, Content: "hi", CreatedAt: at(1)})
	f.add(models.Message{SenderID: me, ReceiverID: "u2", Content: "hello", CreatedAt: at(2), Read: true})

	var snaps []Snapshot
	var mu sync.Mutex
	h := startHandler(t, f, Options{OnChange: func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	}})

	snap := h.Snapshot()
	assert.Equal(t, StateSubscribed, snap.State)
	require.Len(t, snap.Conversations, 2)
	assert.Equal(t, "u2", snap.Conversations[0].CounterpartyID)
	assert.Equal(t, models.DefaultDisplayName, snap.Conversations[0].CounterpartyName)
	assert.Equal(t, "Ann", snap.Conversations[1].CounterpartyName)
	assert.Equal(t, 1, snap.Unread)

	require.Len(t, f.subs, 1)
	assert.Equal(t, map[string]string{"receiver_id": me}, f.subs[0].spec.Filter)
	assert.ElementsMatch(t, []models.EventKind{models.EventInsert, models.EventUpdate}, f.subs[0].spec.Kinds)

	mu.Lock()
	assert.NotEmpty(t, snaps)
	mu.Unlock()
}

func TestEventPatchMatchesFullRecompute(t *testing.T) {
	f := newFakeBackend()
	f.add(models.Message{SenderID: "u1", ReceiverID: me, Content: "hi", CreatedAt: at(1)})
	h := startHandler(t, f, Options{})

	m := f.add(models.Message{SenderID: "u3", ReceiverID: me, Content: "new here", CreatedAt: at(5)})
	f.emit(insertEvent(m))
	// duplicate delivery must not change the result
	f.emit(insertEvent(m))

	eventually(t, func() bool {
		s := h.Snapshot()
		return len(s.Conversations) == 2 && s.Conversations[0].CounterpartyID == "u3"
	}, "patched conversation never appeared")

	want := conversation.Aggregate(f.query(models.MessageFilter{ReceiverID: me}), f.query(models.MessageFilter{SenderID: me}), me)
	got := h.Snapshot().Conversations
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].CounterpartyID, got[i].CounterpartyID)
		assert.Equal(t, want[i].LastMessage, got[i].LastMessage)
		assert.Equal(t, want[i].HasUnread, got[i].HasUnread)
		assert.True(t, want[i].LastMessageAt.Equal(got[i].LastMessageAt))
	}
}

func TestFullRefetchMode(t *testing.T) {
	f := newFakeBackend()
	h := startHandler(t, f, Options{FullRefetch: true})
	assert.Empty(t, h.Snapshot().Conversations)

	m := f.add(models.Message{SenderID: "u1", ReceiverID: me, Content: "ping", CreatedAt: at(3)})
	f.emit(insertEvent(m))

	eventually(t, func() bool {
		s := h.Snapshot()
		return len(s.Conversations) == 1 && s.State == StateSubscribed
	}, "refetch result never applied")
	assert.Equal(t, "ping", h.Snapshot().Conversations[0].LastMessage)
}

func TestRefreshFailureKeepsPreviousList(t *testing.T) {
	f := newFakeBackend()
	f.add(models.Message{SenderID: "u1", ReceiverID: me, Content: "hi", CreatedAt: at(1)})
	h := startHandler(t, f, Options{})
	before := h.Snapshot().Conversations

	f.mu.Lock()
	f.queryHook = func(models.MessageFilter) ([]models.Message, error) {
		return nil, errors.New("backend down")
	}
	f.mu.Unlock()

	require.NoError(t, h.Refresh())
	eventually(t, func() bool { return h.Snapshot().Notice != "" }, "no notice after failed refresh")

	snap := h.Snapshot()
	assert.Equal(t, before, snap.Conversations)
	assert.Contains(t, snap.Notice, "backend down")
	assert.Equal(t, StateSubscribed, snap.State)
}

func TestStartFailureReleasesSubscription(t *testing.T) {
	f := newFakeBackend()
	f.queryHook = func(models.MessageFilter) ([]models.Message, error) {
		return nil, errors.New("timeout")
	}

	h := New(f, me, Options{})
	err := h.Start(context.Background())

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, 0, f.openSubs())
	assert.Equal(t, StateIdle, h.State())

	h.Close()
	assert.Equal(t, StateDetached, h.State())
}

func TestCloseDuringStart(t *testing.T) {
	f := newFakeBackend()
	for i := 0; i < 50; i++ {
		f.add(models.Message{SenderID: fmt.Sprintf("u%d", i%5), ReceiverID: me, Content: "hi", CreatedAt: at(i)})
	}
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	f.queryHook = func(filter models.MessageFilter) ([]models.Message, error) {
		entered <- struct{}{}
		<-release
		return f.query(filter), nil
	}

	h := New(f, me, Options{})
	errc := make(chan error, 1)
	go func() { errc <- h.Start(context.Background()) }()

	<-entered
	closed := make(chan struct{})
	go func() {
		h.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on an unfinished Start")
	}
	close(release)

	assert.ErrorIs(t, <-errc, ErrClosed)
	assert.Equal(t, StateDetached, h.State())
	assert.Equal(t, 0, f.openSubs())
	assert.ErrorIs(t, h.Start(context.Background()), ErrClosed)
}

func TestStartSubscribeFailure(t *testing.T) {
	f := newFakeBackend()
	f.subErr = errors.New("no realtime")
	h := New(f, me, Options{})
	assert.Error(t, h.Start(context.Background()))
	assert.Equal(t, StateIdle, h.State())
}

func TestSubscriptionLost(t *testing.T) {
	f := newFakeBackend()
	f.add(models.Message{SenderID: "u1", ReceiverID: me, Content: "hi", CreatedAt: at(1)})
	h := startHandler(t, f, Options{})

	f.drop(0)
	eventually(t, func() bool { return h.State() == StateDisconnected }, "state never became disconnected")

	snap := h.Snapshot()
	assert.Equal(t, ErrSubscriptionLost.Error(), snap.Notice)
	assert.Len(t, snap.Conversations, 1, "list stays available while disconnected")
}

func TestCloseReleasesEverything(t *testing.T) {
	f := newFakeBackend()
	f.add(models.Message{SenderID: "u1", ReceiverID: me, Content: "hi", CreatedAt: at(1)})
	h := New(f, me, Options{TypingTimeout: time.Hour})
	require.NoError(t, h.Start(context.Background()))
	require.NoError(t, h.Open(context.Background(), "u1"))
	assert.Equal(t, 2, f.openSubs())

	f.emit(models.ChangeEvent{Table: models.TableMessages, Kind: models.EventUpdate, Record: models.Message{ID: "typ", SenderID: "u1", ReceiverID: me, IsTyping: true, CreatedAt: at(2)}})
	eventually(t, func() bool { return len(h.Snapshot().Typing) == 1 }, "typing flag never set")

	h.Close()
	h.Close()
	assert.Equal(t, StateDetached, h.State())
	assert.Equal(t, 0, f.openSubs())
	assert.Empty(t, h.typing, "typing timers must be cancelled")

	assert.ErrorIs(t, h.Refresh(), ErrClosed)
}

func TestTypingFlagExpires(t *testing.T) {
	f := newFakeBackend()
	h := startHandler(t, f, Options{TypingTimeout: 50 * time.Millisecond})

	typing := models.Message{ID: "typ", SenderID: "u1", ReceiverID: me, IsTyping: true, CreatedAt: at(1)}
	f.emit(models.ChangeEvent{Table: models.TableMessages, Kind: models.EventInsert, Record: typing})

	eventually(t, func() bool { return len(h.Snapshot().Typing) == 1 }, "typing flag never set")
	assert.Equal(t, []string{"u1"}, h.Snapshot().Typing)
	assert.Empty(t, h.Snapshot().Conversations, "typing records are not conversations")

	eventually(t, func() bool { return len(h.Snapshot().Typing) == 0 }, "typing flag never cleared")
}

func TestRealMessageClearsTypingImmediately(t *testing.T) {
	f := newFakeBackend()
	h := startHandler(t, f, Options{TypingTimeout: time.Hour})

	typing := models.Message{ID: "typ", SenderID: "u1", ReceiverID: me, IsTyping: true, CreatedAt: at(1)}
	f.emit(models.ChangeEvent{Table: models.TableMessages, Kind: models.EventUpdate, Record: typing})
	eventually(t, func() bool { return len(h.Snapshot().Typing) == 1 }, "typing flag never set")

	m := f.add(models.Message{SenderID: "u1", ReceiverID: me, Content: "done typing", CreatedAt: at(2)})
	f.emit(insertEvent(m))

	eventually(t, func() bool {
		s := h.Snapshot()
		return len(s.Typing) == 0 && len(s.Conversations) == 1
	}, "real message did not clear typing flag")

	require.NoError(t, h.do(func() error {
		assert.NotContains(t, h.typing, "u1", "pending timer must be cancelled")
		return nil
	}))
}

func TestStaleRefreshDoesNotClobberNewerResult(t *testing.T) {
	f := newFakeBackend()
	h := startHandler(t, f, Options{})

	old := []models.Message{{ID: "a", SenderID: "u1", ReceiverID: me, Content: "old", CreatedAt: at(1)}}
	fresh := append(old, models.Message{ID: "b", SenderID: "u2", ReceiverID: me, Content: "fresh", CreatedAt: at(9)})

	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	f.mu.Lock()
	f.queryHook = func(filter models.MessageFilter) ([]models.Message, error) {
		if filter.SenderID != "" {
			return nil, nil
		}
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			// the first refresh is slow and sees old data
			<-release
			return old, nil
		}
		return fresh, nil
	}
	f.mu.Unlock()

	require.NoError(t, h.Refresh())
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, "first refresh never started")
	require.NoError(t, h.Refresh())

	eventually(t, func() bool { return len(h.Snapshot().Conversations) == 2 }, "fast refresh never applied")
	close(release)
	eventually(t, func() bool { return h.State() == StateSubscribed }, "slow refresh never settled")

	snap := h.Snapshot()
	require.Len(t, snap.Conversations, 2)
	assert.Equal(t, "u2", snap.Conversations[0].CounterpartyID)
}

func TestOpenMarksUnreadAndWatchesTyping(t *testing.T) {
	f := newFakeBackend()
	f.add(models.Message{SenderID: "u1", ReceiverID: me, Content: "one", CreatedAt: at(1)})
	f.add(models.Message{SenderID: "u1", ReceiverID: me, Content: "two", CreatedAt: at(2)})
	f.add(models.Message{SenderID: "u2", ReceiverID: me, Content: "other", CreatedAt: at(3)})
	h := startHandler(t, f, Options{})
	assert.Equal(t, 2, h.Snapshot().Unread)

	require.NoError(t, h.Open(context.Background(), "u1"))

	snap := h.Snapshot()
	assert.Equal(t, "u1", snap.Focus)
	assert.Equal(t, 1, snap.Unread)
	for _, m := range f.query(models.MessageFilter{SenderID: "u1"}) {
		assert.True(t, m.Read, "message %s should be read", m.ID)
	}

	require.Len(t, f.subs, 2)
	assert.Equal(t, map[string]string{"sender_id": "u1", "receiver_id": me, "is_typing": "true"}, f.subs[1].spec.Filter)
	assert.Equal(t, []models.EventKind{models.EventUpdate}, f.subs[1].spec.Kinds)

	// new messages in the open conversation are read on arrival
	m := f.add(models.Message{SenderID: "u1", ReceiverID: me, Content: "three", CreatedAt: at(4)})
	f.emit(insertEvent(m))
	eventually(t, func() bool {
		s := h.Snapshot()
		return len(s.Conversations) == 2 && s.Conversations[0].LastMessage == "three" && s.Unread == 1
	}, "message in focused conversation was not marked read")

	require.NoError(t, h.Leave())
	assert.Equal(t, 1, f.openSubs())
	assert.Empty(t, h.Snapshot().Focus)
}

func TestSendMergesOutboundMessage(t *testing.T) {
	f := newFakeBackend()
	h := startHandler(t, f, Options{})

	_, err := h.Send(context.Background(), "u1", "", "")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	m, err := h.Send(context.Background(), "u1", "", "https://cdn/pic.png")
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)

	snap := h.Snapshot()
	require.Len(t, snap.Conversations, 1)
	assert.Equal(t, conversation.MediaPlaceholder, snap.Conversations[0].LastMessage)
	assert.False(t, snap.Conversations[0].HasUnread)
}

func TestSignalTyping(t *testing.T) {
	f := newFakeBackend()
	h := startHandler(t, f, Options{})
	ctx := context.Background()

	require.NoError(t, h.SignalTyping(ctx, "u1"))
	isTyping := true
	rows := f.query(models.MessageFilter{SenderID: me, ReceiverID: "u1", IsTyping: &isTyping})
	require.Len(t, rows, 1)
	first := rows[0].CreatedAt

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, h.SignalTyping(ctx, "u1"))
	rows = f.query(models.MessageFilter{SenderID: me, ReceiverID: "u1", IsTyping: &isTyping})
	require.Len(t, rows, 1, "indicator is refreshed, not duplicated")
	assert.True(t, rows[0].CreatedAt.After(first))
}
