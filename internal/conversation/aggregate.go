// Package conversation derives per-counterparty conversation summaries from
// raw message rows.
package conversation

import (
	"fmt"

	"github.com/pliu/heartline/internal/models"
)

// MediaPlaceholder replaces the preview of a media message without text.
const MediaPlaceholder = "[image]"

// MalformedRecordError reports a message that was left out of aggregation.
type MalformedRecordError struct {
	ID     string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed message %q: %s", e.ID, e.Reason)
}

// Aggregate groups received and sent messages by counterparty and returns one
// summary per counterparty, newest conversation first. received must hold
// messages addressed to localUserID and sent messages written by it.
//
// Aggregate never fails: malformed records are skipped and unparseable
// timestamps are expected to arrive as the zero time, which sorts last. It is
// safe to call concurrently.
func Aggregate(received, sent []models.Message, localUserID string) []models.ConversationSummary {
	return AggregateWithReport(received, sent, localUserID, nil)
}

// AggregateWithReport is Aggregate with a callback for every skipped record.
func AggregateWithReport(received, sent []models.Message, localUserID string, report func(error)) []models.ConversationSummary {
	b := NewBook(localUserID)
	b.Report = report
	b.Reset(received, sent)
	return b.Summaries()
}

// UnreadCount is the number of conversations with at least one unread
// inbound message.
func UnreadCount(summaries []models.ConversationSummary) int {
	n := 0
	for _, s := range summaries {
		if s.HasUnread {
			n++
		}
	}
	return n
}

// Decorate fills counterparty display fields from profiles, using the
// defaults for unknown ids. The input slice is not modified.
func Decorate(summaries []models.ConversationSummary, profiles map[string]models.DisplayProfile) []models.ConversationSummary {
	out := make([]models.ConversationSummary, len(summaries))
	for i, s := range summaries {
		p, ok := profiles[s.CounterpartyID]
		if !ok {
			p = models.DisplayProfile{DisplayName: models.DefaultDisplayName, Avatar: models.DefaultAvatar}
		}
		s.CounterpartyName = p.DisplayName
		s.CounterpartyAvatar = p.Avatar
		out[i] = s
	}
	return out
}

func preview(m models.Message) string {
	if m.MediaURL != "" && (m.Content == "" || m.Content == MediaPlaceholder) {
		return MediaPlaceholder
	}
	return m.Content
}
