// Package inbox keeps a live conversation list for one local user. It
// subscribes to message changes addressed to the user, merges them into the
// list, and tracks typing indicators.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pliu/heartline/internal/conversation"
	"github.com/pliu/heartline/internal/models"
	"go.uber.org/zap"
)

const (
	DefaultTypingTimeout = 3 * time.Second
	DefaultFetchTimeout  = 10 * time.Second
)

// Subscription is a live change feed. The channel is closed when the feed is
// dropped by the backend or after Unsubscribe.
type Subscription interface {
	Events() <-chan models.ChangeEvent
}

// Backend is the data-access collaborator the handler works against.
type Backend interface {
	QueryMessages(ctx context.Context, filter models.MessageFilter) ([]models.Message, error)
	UpdateMessage(ctx context.Context, id string, patch models.MessagePatch) (*models.Message, error)
	InsertMessage(ctx context.Context, message *models.Message) error
	Subscribe(spec models.EventSpec) (Subscription, error)
	Unsubscribe(sub Subscription)
	ResolveDisplayProfile(ctx context.Context, userID string) (models.DisplayProfile, error)
}

type State int

const (
	StateIdle State = iota
	StateSubscribed
	StateReconciling
	StateDisconnected
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribed:
		return "subscribed"
	case StateReconciling:
		return "reconciling"
	case StateDisconnected:
		return "disconnected"
	case StateDetached:
		return "detached"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateDetached; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown inbox state %q", text)
}

// Snapshot is what a view renders.
type Snapshot struct {
	State         State                        `json:"state"`
	Conversations []models.ConversationSummary `json:"conversations"`
	Unread        int                          `json:"unread"`
	Typing        []string                     `json:"typing"`
	Focus         string                       `json:"focus,omitempty"`
	Notice        string                       `json:"notice,omitempty"`
}

type Options struct {
	TypingTimeout time.Duration
	FetchTimeout  time.Duration
	// FullRefetch re-runs the whole fetch on every change event instead of
	// patching the affected conversation.
	FullRefetch bool
	// OnChange is called on the handler goroutine after every change.
	OnChange func(Snapshot)
	Logger   *zap.Logger
}

type fetchResult struct {
	gen      uint64
	received []models.Message
	sent     []models.Message
	err      error
}

type typingTimer struct {
	timer *time.Timer
	seq   uint64
}

type typingExpiry struct {
	counterparty string
	seq          uint64
}

// Handler owns the conversation list of one mounted view. Construct it with
// New, call Start, and Close it when the view goes away.
type Handler struct {
	backend Backend
	local   string
	opts    Options
	logger  *zap.Logger

	// owned by the run goroutine once started
	book       *conversation.Book
	profiles   map[string]models.DisplayProfile
	resolving  map[string]bool
	typing     map[string]*typingTimer
	typingSeq  uint64
	inboxSub   Subscription
	inboxC     <-chan models.ChangeEvent
	focus      string
	focusSub   Subscription
	focusC     <-chan models.ChangeEvent
	gen        uint64
	appliedGen uint64
	watermark  time.Time
	pending    int
	state      State
	notice     string

	cmds    chan func()
	results chan fetchResult
	expired chan typingExpiry
	quit    chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	started   bool
	running   bool
	snap      Snapshot
}

func New(backend Backend, localUserID string, opts Options) *Handler {
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = DefaultTypingTimeout
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &Handler{
		backend:   backend,
		local:     localUserID,
		opts:      opts,
		logger:    opts.Logger.With(zap.String("user_id", localUserID)),
		book:      conversation.NewBook(localUserID),
		profiles:  make(map[string]models.DisplayProfile),
		resolving: make(map[string]bool),
		typing:    make(map[string]*typingTimer),
		cmds:      make(chan func()),
		results:   make(chan fetchResult),
		expired:   make(chan typingExpiry),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	h.book.Report = func(err error) {
		h.logger.Warn("skipping message", zap.Error(err))
	}
	h.snap = Snapshot{State: StateIdle, Conversations: []models.ConversationSummary{}, Typing: []string{}}
	return h
}

func (h *Handler) inboxSpec() models.EventSpec {
	return models.EventSpec{
		Table:  models.TableMessages,
		Kinds:  []models.EventKind{models.EventInsert, models.EventUpdate},
		Filter: map[string]string{"receiver_id": h.local},
	}
}

func (h *Handler) typingSpec(counterparty string) models.EventSpec {
	return models.EventSpec{
		Table: models.TableMessages,
		Kinds: []models.EventKind{models.EventUpdate},
		Filter: map[string]string{
			"sender_id":   counterparty,
			"receiver_id": h.local,
			"is_typing":   "true",
		},
	}
}

// Start subscribes to the user's incoming messages and loads the initial
// conversation list. On any failure, including a panic, everything acquired
// so far is released. A Close during Start makes it return ErrClosed.
func (h *Handler) Start(ctx context.Context) (err error) {
	h.mu.Lock()
	select {
	case <-h.quit:
		h.mu.Unlock()
		return ErrClosed
	default:
	}
	if h.started {
		h.mu.Unlock()
		return errors.New("inbox handler already started")
	}
	h.started = true
	h.mu.Unlock()

	sub, err := h.backend.Subscribe(h.inboxSpec())
	if err != nil {
		h.abortStart()
		return err
	}
	ok := false
	defer func() {
		if !ok {
			h.backend.Unsubscribe(sub)
			h.abortStart()
		}
	}()

	received, sent, err := h.fetch(ctx)
	if err != nil {
		return err
	}
	h.book.Reset(received, sent)
	h.watermark = h.book.Watermark()
	for _, s := range h.book.Summaries() {
		h.profiles[s.CounterpartyID] = h.resolve(ctx, s.CounterpartyID)
	}

	h.mu.Lock()
	select {
	case <-h.quit:
		h.mu.Unlock()
		return ErrClosed
	default:
	}
	h.running = true
	h.mu.Unlock()

	h.inboxSub = sub
	h.inboxC = sub.Events()
	h.state = StateSubscribed
	ok = true

	h.publish()
	go h.run()
	return nil
}

// abortStart undoes a failed Start. If Close arrived in the meantime it left
// the teardown to us.
func (h *Handler) abortStart() {
	h.mu.Lock()
	h.started = false
	closed := false
	select {
	case <-h.quit:
		closed = true
	default:
	}
	h.mu.Unlock()

	if closed {
		h.state = StateDetached
		h.publish()
	}
}

func (h *Handler) fetch(ctx context.Context) (received, sent []models.Message, err error) {
	ctx, cancel := context.WithTimeout(ctx, h.opts.FetchTimeout)
	defer cancel()

	received, err = h.backend.QueryMessages(ctx, models.MessageFilter{ReceiverID: h.local})
	if err != nil {
		return nil, nil, &FetchError{Op: "received messages", Err: err}
	}
	sent, err = h.backend.QueryMessages(ctx, models.MessageFilter{SenderID: h.local})
	if err != nil {
		return nil, nil, &FetchError{Op: "sent messages", Err: err}
	}
	return received, sent, nil
}

func (h *Handler) resolve(ctx context.Context, userID string) models.DisplayProfile {
	p, err := h.backend.ResolveDisplayProfile(ctx, userID)
	if err != nil {
		h.logger.Warn("resolve display profile", zap.String("counterparty", userID), zap.Error(err))
		return models.DisplayProfile{DisplayName: models.DefaultDisplayName, Avatar: models.DefaultAvatar}
	}
	return p
}

// Close detaches the handler: subscriptions are released, pending typing
// timers are stopped and no further snapshots are published. It is safe to
// call more than once, before Start, and while Start is running.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		close(h.quit)
		running, starting := h.running, h.started
		h.mu.Unlock()

		switch {
		case running:
			<-h.done
		case starting:
			// Start sees quit and tears down itself.
		default:
			h.state = StateDetached
			h.publish()
		}
	})
}

// Snapshot returns the latest published snapshot.
func (h *Handler) Snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snap
}

func (h *Handler) State() State {
	return h.Snapshot().State
}

func (h *Handler) run() {
	defer close(h.done)
	for {
		select {
		case ev, ok := <-h.inboxC:
			if !ok {
				h.lost()
				continue
			}
			h.onEvent(ev)
		case ev, ok := <-h.focusC:
			if !ok {
				h.lost()
				continue
			}
			h.onEvent(ev)
		case res := <-h.results:
			h.onResult(res)
		case exp := <-h.expired:
			h.onTypingExpired(exp)
		case fn := <-h.cmds:
			fn()
		case <-h.quit:
			h.detach()
			return
		}
	}
}

// do runs fn on the handler goroutine and waits for it.
func (h *Handler) do(fn func() error) error {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return errors.New("inbox handler not started")
	}

	reply := make(chan error, 1)
	select {
	case h.cmds <- func() { reply <- fn() }:
	case <-h.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-h.done:
		return ErrClosed
	}
}

func (h *Handler) lost() {
	h.logger.Warn("change feed dropped")
	h.inboxC = nil
	h.focusC = nil
	h.state = StateDisconnected
	h.notice = ErrSubscriptionLost.Error()
	h.publish()
}

func (h *Handler) detach() {
	for cp, t := range h.typing {
		t.timer.Stop()
		delete(h.typing, cp)
	}
	if h.focusSub != nil {
		h.backend.Unsubscribe(h.focusSub)
		h.focusSub, h.focusC = nil, nil
	}
	if h.inboxSub != nil {
		h.backend.Unsubscribe(h.inboxSub)
		h.inboxSub, h.inboxC = nil, nil
	}
	h.state = StateDetached
	h.publish()
}

func (h *Handler) onEvent(ev models.ChangeEvent) {
	if ev.Table != models.TableMessages {
		return
	}
	m := ev.Record
	if m.IsTyping {
		if m.SenderID != h.local {
			h.startTyping(m.SenderID)
		}
		h.publish()
		return
	}
	if m.SenderID != h.local {
		h.stopTyping(m.SenderID)
	}

	if h.opts.FullRefetch {
		h.refresh()
	} else {
		h.setReconciling()
		h.patch(m)
		h.settle()
	}

	if m.SenderID == h.focus && m.ReceiverID == h.local && !m.Read {
		go func(id string) {
			if err := h.markRead(context.Background(), []string{id}); err != nil && !errors.Is(err, ErrClosed) {
				h.logger.Warn("mark message read", zap.String("message_id", id), zap.Error(err))
			}
		}(m.ID)
	}
	h.publish()
}

// patch applies a single record and marks every refresh issued so far as
// older than the current list.
func (h *Handler) patch(m models.Message) {
	if cp, ok := h.book.Apply(m); ok {
		h.ensureProfile(cp)
	}
	h.appliedGen = h.gen
	if w := h.book.Watermark(); w.After(h.watermark) {
		h.watermark = w
	}
}

func (h *Handler) setReconciling() {
	if h.state == StateSubscribed {
		h.state = StateReconciling
	}
}

func (h *Handler) settle() {
	if h.state == StateReconciling && h.pending == 0 {
		h.state = StateSubscribed
	}
}

// refresh starts a full fetch in the background.
func (h *Handler) refresh() {
	h.gen++
	h.pending++
	h.setReconciling()
	gen := h.gen
	go func() {
		received, sent, err := h.fetch(context.Background())
		select {
		case h.results <- fetchResult{gen: gen, received: received, sent: sent, err: err}:
		case <-h.quit:
		}
	}()
}

// onResult applies a finished fetch unless a newer view of the data has
// already been applied. Results are ordered by their newest message, then by
// the order in which the fetches were issued.
func (h *Handler) onResult(res fetchResult) {
	h.pending--
	defer func() {
		h.settle()
		h.publish()
	}()

	if res.err != nil {
		h.logger.Warn("refresh conversations", zap.Error(res.err))
		h.notice = res.err.Error()
		return
	}

	candidate := h.book.Clone()
	candidate.Reset(res.received, res.sent)
	w := candidate.Watermark()
	if w.Before(h.watermark) || (w.Equal(h.watermark) && res.gen <= h.appliedGen) {
		h.logger.Debug("discarding stale refresh", zap.Uint64("gen", res.gen))
		return
	}

	h.book = candidate
	h.watermark = w
	h.appliedGen = res.gen
	if h.state != StateDisconnected {
		h.notice = ""
	}
	for _, s := range h.book.Summaries() {
		h.ensureProfile(s.CounterpartyID)
	}
}

func (h *Handler) ensureProfile(cp string) {
	if _, ok := h.profiles[cp]; ok || h.resolving[cp] {
		return
	}
	h.resolving[cp] = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.FetchTimeout)
		defer cancel()
		p := h.resolve(ctx, cp)
		fn := func() {
			delete(h.resolving, cp)
			h.profiles[cp] = p
			h.publish()
		}
		select {
		case h.cmds <- fn:
		case <-h.quit:
		}
	}()
}

func (h *Handler) publish() {
	typing := make([]string, 0, len(h.typing))
	for cp := range h.typing {
		typing = append(typing, cp)
	}
	sort.Strings(typing)

	summaries := conversation.Decorate(h.book.Summaries(), h.profiles)
	snap := Snapshot{
		State:         h.state,
		Conversations: summaries,
		Unread:        conversation.UnreadCount(summaries),
		Typing:        typing,
		Focus:         h.focus,
		Notice:        h.notice,
	}

	h.mu.Lock()
	h.snap = snap
	h.mu.Unlock()

	if h.opts.OnChange != nil {
		h.opts.OnChange(snap)
	}
}

// Refresh re-runs the full fetch-and-aggregate pipeline in the background.
func (h *Handler) Refresh() error {
	return h.do(func() error {
		h.refresh()
		h.publish()
		return nil
	})
}

// Open focuses the view on one conversation: typing updates from the
// counterparty are subscribed to and its unread messages are marked read.
func (h *Handler) Open(ctx context.Context, counterparty string) error {
	var unread []string
	err := h.do(func() error {
		if h.focus == counterparty && h.focusSub != nil {
			unread = h.book.UnreadFrom(counterparty)
			return nil
		}
		sub, err := h.backend.Subscribe(h.typingSpec(counterparty))
		if err != nil {
			return err
		}
		h.releaseFocus()
		h.focus = counterparty
		h.focusSub = sub
		h.focusC = sub.Events()
		h.ensureProfile(counterparty)
		unread = h.book.UnreadFrom(counterparty)
		h.publish()
		return nil
	})
	if err != nil {
		return err
	}
	return h.markRead(ctx, unread)
}

// Leave drops the focused conversation, if any.
func (h *Handler) Leave() error {
	return h.do(func() error {
		h.releaseFocus()
		h.publish()
		return nil
	})
}

func (h *Handler) releaseFocus() {
	if h.focusSub != nil {
		h.backend.Unsubscribe(h.focusSub)
	}
	h.focus, h.focusSub, h.focusC = "", nil, nil
}

func (h *Handler) markRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	read := true
	var (
		updated  []models.Message
		firstErr error
	)
	for _, id := range ids {
		m, err := h.backend.UpdateMessage(ctx, id, models.MessagePatch{Read: &read})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		updated = append(updated, *m)
	}
	if len(updated) > 0 {
		err := h.do(func() error {
			for _, m := range updated {
				h.patch(m)
			}
			h.publish()
			return nil
		})
		if err != nil {
			return err
		}
	}
	return firstErr
}

// Send writes a message to counterparty and merges it into the list.
func (h *Handler) Send(ctx context.Context, counterparty, content, mediaURL string) (*models.Message, error) {
	m := &models.Message{SenderID: h.local, ReceiverID: counterparty, Content: content, MediaURL: mediaURL}
	if !m.HasPayload() {
		return nil, ErrEmptyMessage
	}
	if err := h.backend.InsertMessage(ctx, m); err != nil {
		return nil, err
	}
	sent := *m
	err := h.do(func() error {
		h.patch(sent)
		h.ensureProfile(counterparty)
		h.publish()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SignalTyping tells counterparty the local user is composing. The existing
// indicator record is refreshed if there is one, otherwise one is created.
func (h *Handler) SignalTyping(ctx context.Context, counterparty string) error {
	return signalTyping(ctx, h.backend, h.local, counterparty)
}

// signalTyping refreshes or creates the typing indicator from sender to
// receiver.
func signalTyping(ctx context.Context, backend Backend, sender, receiver string) error {
	isTyping := true
	existing, err := backend.QueryMessages(ctx, models.MessageFilter{
		SenderID:   sender,
		ReceiverID: receiver,
		IsTyping:   &isTyping,
		Limit:      1,
	})
	if err != nil {
		return &FetchError{Op: "typing indicator", Err: err}
	}
	now := time.Now().UTC()
	if len(existing) > 0 {
		_, err = backend.UpdateMessage(ctx, existing[0].ID, models.MessagePatch{CreatedAt: &now})
		return err
	}
	return backend.InsertMessage(ctx, &models.Message{
		SenderID:   sender,
		ReceiverID: receiver,
		IsTyping:   true,
		CreatedAt:  now,
	})
}
