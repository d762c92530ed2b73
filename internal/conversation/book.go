package conversation

import (
	"sort"
	"time"

	"github.com/pliu/heartline/internal/models"
)

type entry struct {
	msg     models.Message
	inbound bool
}

// Book holds the message set behind a conversation list and keeps the
// summaries current as records are added or changed one at a time. For any
// record set, the summaries of a Book built incrementally are identical to
// those of Aggregate over the same set.
//
// A Book is not safe for concurrent use.
type Book struct {
	Report func(error)

	local      string
	records    map[string]entry
	partitions map[string]map[string]struct{}
	summaries  map[string]models.ConversationSummary
}

func NewBook(localUserID string) *Book {
	b := &Book{local: localUserID}
	b.clear()
	return b
}

func (b *Book) clear() {
	b.records = make(map[string]entry)
	b.partitions = make(map[string]map[string]struct{})
	b.summaries = make(map[string]models.ConversationSummary)
}

func (b *Book) report(id, reason string) {
	if b.Report != nil {
		b.Report(&MalformedRecordError{ID: id, Reason: reason})
	}
}

// Reset replaces the record set with a fresh fetch. Read flags only move
// forward: a record already known as read stays read even if the fetch
// predates the change.
func (b *Book) Reset(received, sent []models.Message) {
	previous := b.records
	b.clear()
	for _, m := range received {
		b.put(m, true, previous)
	}
	for _, m := range sent {
		b.put(m, false, previous)
	}
	for cp := range b.partitions {
		b.recompute(cp)
	}
}

// Apply upserts a single record, typically from a change event, and returns
// the counterparty whose conversation it belongs to. Records that involve
// neither side as the local user are rejected.
func (b *Book) Apply(m models.Message) (string, bool) {
	var inbound bool
	switch b.local {
	case m.ReceiverID:
		inbound = true
	case m.SenderID:
		inbound = false
	default:
		b.report(m.ID, "local user is neither sender nor receiver")
		return "", false
	}
	cp, ok := b.put(m, inbound, b.records)
	if ok {
		b.recompute(cp)
	}
	return cp, ok
}

// Get returns a known record by id.
func (b *Book) Get(id string) (models.Message, bool) {
	e, ok := b.records[id]
	return e.msg, ok
}

// UnreadFrom lists the ids of inbound unread messages from counterparty.
func (b *Book) UnreadFrom(counterparty string) []string {
	var ids []string
	for id := range b.partitions[counterparty] {
		e := b.records[id]
		if e.inbound && !e.msg.IsTyping && !e.msg.Read {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (b *Book) put(m models.Message, inbound bool, previous map[string]entry) (string, bool) {
	if m.ID == "" {
		b.report(m.ID, "missing id")
		return "", false
	}
	cp := m.ReceiverID
	if inbound {
		cp = m.SenderID
	}
	if cp == "" {
		b.report(m.ID, "missing counterparty")
		return "", false
	}

	if old, ok := b.records[m.ID]; ok {
		inbound = inbound || old.inbound
		m.Read = m.Read || old.msg.Read
	}
	if old, ok := previous[m.ID]; ok && old.msg.Read {
		m.Read = true
	}

	if old, ok := b.records[m.ID]; ok {
		oldCP := counterpartyOf(old)
		if oldCP != cp {
			delete(b.partitions[oldCP], m.ID)
			b.recompute(oldCP)
		}
	}

	b.records[m.ID] = entry{msg: m, inbound: inbound}
	if b.partitions[cp] == nil {
		b.partitions[cp] = make(map[string]struct{})
	}
	b.partitions[cp][m.ID] = struct{}{}
	return cp, true
}

func counterpartyOf(e entry) string {
	if e.inbound {
		return e.msg.SenderID
	}
	return e.msg.ReceiverID
}

func newer(a, b models.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func (b *Book) recompute(cp string) {
	var (
		rep    *models.Message
		unread bool
	)
	for id := range b.partitions[cp] {
		e := b.records[id]
		if e.msg.IsTyping {
			continue
		}
		if e.inbound && !e.msg.Read {
			unread = true
		}
		if rep == nil || newer(e.msg, *rep) {
			m := e.msg
			rep = &m
		}
	}

	if rep == nil {
		delete(b.summaries, cp)
		if len(b.partitions[cp]) == 0 {
			delete(b.partitions, cp)
		}
		return
	}
	b.summaries[cp] = models.ConversationSummary{
		CounterpartyID: cp,
		LastMessage:    preview(*rep),
		LastMessageAt:  rep.CreatedAt,
		HasUnread:      unread,
		MediaURL:       rep.MediaURL,
	}
}

// Summaries returns one summary per counterparty, ordered by last message
// time descending and counterparty id ascending on ties.
func (b *Book) Summaries() []models.ConversationSummary {
	out := make([]models.ConversationSummary, 0, len(b.summaries))
	for _, s := range b.summaries {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].CounterpartyID < out[j].CounterpartyID
	})
	return out
}

// Watermark is the newest LastMessageAt across all conversations.
func (b *Book) Watermark() time.Time {
	var w time.Time
	for _, s := range b.summaries {
		if s.LastMessageAt.After(w) {
			w = s.LastMessageAt
		}
	}
	return w
}

// Clone returns an independent copy of the book.
func (b *Book) Clone() *Book {
	c := NewBook(b.local)
	c.Report = b.Report
	for id, e := range b.records {
		c.records[id] = e
	}
	for cp, ids := range b.partitions {
		set := make(map[string]struct{}, len(ids))
		for id := range ids {
			set[id] = struct{}{}
		}
		c.partitions[cp] = set
	}
	for cp, s := range b.summaries {
		c.summaries[cp] = s
	}
	return c
}
