package models

import "time"

// TimestampLayout is fixed width so that lexical order on the stored text
// matches chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

const (
	DefaultDisplayName = "Unknown user"
	DefaultAvatar      = "/placeholder.svg"
)

type Profile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
	Password string `json:"-"`
}

// DisplayProfile is the presentable subset of a profile.
type DisplayProfile struct {
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar"`
}

// Display returns the profile's presentable fields, falling back to the
// defaults when they are empty.
func (p *Profile) Display() DisplayProfile {
	d := DisplayProfile{DisplayName: p.Nickname, Avatar: p.Avatar}
	if d.DisplayName == "" {
		d.DisplayName = p.Username
	}
	if d.DisplayName == "" {
		d.DisplayName = DefaultDisplayName
	}
	if d.Avatar == "" {
		d.Avatar = DefaultAvatar
	}
	return d
}

type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Content    string    `json:"content,omitempty"`
	MediaURL   string    `json:"media_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Read       bool      `json:"read"`
	IsTyping   bool      `json:"is_typing"`
}

// HasPayload reports whether the message carries user-visible content.
func (m *Message) HasPayload() bool {
	return m.Content != "" || m.MediaURL != ""
}

// MessageFilter selects messages by column equality. Empty fields match
// everything.
type MessageFilter struct {
	SenderID   string
	ReceiverID string
	IsTyping   *bool
	Ascending  bool
	Limit      int
}

// MessagePatch lists the mutable columns of a message. Nil fields are left
// untouched.
type MessagePatch struct {
	Read      *bool
	Content   *string
	CreatedAt *time.Time
}

type ConversationSummary struct {
	CounterpartyID     string    `json:"user_id"`
	CounterpartyName   string    `json:"nickname"`
	CounterpartyAvatar string    `json:"avatar"`
	LastMessage        string    `json:"last_message"`
	LastMessageAt      time.Time `json:"timestamp"`
	HasUnread          bool      `json:"unread"`
	MediaURL           string    `json:"media_url,omitempty"`
}

type PersonalityResult struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Extraversion int       `json:"extraversion"`
	Sensing      int       `json:"sensing"`
	Thinking     int       `json:"thinking"`
	Judging      int       `json:"judging"`
	CreatedAt    time.Time `json:"created_at"`
}

const TableMessages = "messages"

type EventKind string

const (
	EventInsert EventKind = "INSERT"
	EventUpdate EventKind = "UPDATE"
)

// EventSpec names the rows a change-feed subscriber wants: a table, the
// event kinds, and an equality filter on columns. An empty Kinds slice
// matches every kind.
type EventSpec struct {
	Table  string            `json:"table"`
	Kinds  []EventKind       `json:"kinds,omitempty"`
	Filter map[string]string `json:"filter,omitempty"`
}

type ChangeEvent struct {
	Table  string    `json:"table"`
	Kind   EventKind `json:"kind"`
	Record Message   `json:"record"`
}

// Matches reports whether ev satisfies the spec.
func (s EventSpec) Matches(ev ChangeEvent) bool {
	if s.Table != "" && s.Table != ev.Table {
		return false
	}
	if len(s.Kinds) > 0 {
		found := false
		for _, k := range s.Kinds {
			if k == ev.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for col, want := range s.Filter {
		got, ok := ev.Record.Column(col)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Column returns the textual value of a message column for filter matching.
func (m *Message) Column(name string) (string, bool) {
	switch name {
	case "id":
		return m.ID, true
	case "sender_id":
		return m.SenderID, true
	case "receiver_id":
		return m.ReceiverID, true
	case "is_typing":
		if m.IsTyping {
			return "true", true
		}
		return "false", true
	case "read":
		if m.Read {
			return "true", true
		}
		return "false", true
	}
	return "", false
}
