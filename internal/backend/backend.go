// Package backend is the data-access collaborator behind every inbox view:
// SQL storage for records and the hub for change events.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pliu/heartline/internal/conversation"
	"github.com/pliu/heartline/internal/inbox"
	"github.com/pliu/heartline/internal/models"
	"github.com/pliu/heartline/internal/store"
	"github.com/pliu/heartline/internal/ws"
	"go.uber.org/zap"
)

type Backend struct {
	store  store.Store
	hub    *ws.Hub
	logger *zap.Logger
}

var _ inbox.Backend = (*Backend)(nil)

func New(st store.Store, hub *ws.Hub, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{store: st, hub: hub, logger: logger}
}

func (b *Backend) Store() store.Store {
	return b.store
}

func (b *Backend) QueryMessages(ctx context.Context, filter models.MessageFilter) ([]models.Message, error) {
	return b.store.QueryMessages(ctx, filter)
}

// UpdateMessage applies patch and announces the new row.
func (b *Backend) UpdateMessage(ctx context.Context, id string, patch models.MessagePatch) (*models.Message, error) {
	m, err := b.store.UpdateMessage(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	b.hub.Publish(ctx, models.ChangeEvent{Table: models.TableMessages, Kind: models.EventUpdate, Record: *m})
	return m, nil
}

// InsertMessage stores message and announces it. A real message replaces any
// typing indicator its sender left for the receiver.
func (b *Backend) InsertMessage(ctx context.Context, message *models.Message) error {
	if !message.IsTyping {
		if !message.HasPayload() {
			return inbox.ErrEmptyMessage
		}
		if err := b.store.DeleteTypingIndicators(ctx, message.SenderID, message.ReceiverID); err != nil {
			b.logger.Warn("clear typing indicator",
				zap.String("sender_id", message.SenderID),
				zap.String("receiver_id", message.ReceiverID),
				zap.Error(err))
		}
	}
	if err := b.store.InsertMessage(ctx, message); err != nil {
		return err
	}
	b.hub.Publish(ctx, models.ChangeEvent{Table: models.TableMessages, Kind: models.EventInsert, Record: *message})
	return nil
}

func (b *Backend) Subscribe(spec models.EventSpec) (inbox.Subscription, error) {
	sub, err := b.hub.Subscribe(spec)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (b *Backend) Unsubscribe(sub inbox.Subscription) {
	if s, ok := sub.(*ws.Subscription); ok {
		b.hub.Unsubscribe(s)
	}
}

// ResolveDisplayProfile returns the display name and avatar for userID. An
// unknown user resolves to the defaults.
func (b *Backend) ResolveDisplayProfile(ctx context.Context, userID string) (models.DisplayProfile, error) {
	p, err := b.store.GetProfileByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return models.DisplayProfile{DisplayName: models.DefaultDisplayName, Avatar: models.DefaultAvatar}, nil
	}
	if err != nil {
		return models.DisplayProfile{}, err
	}
	return p.Display(), nil
}

// Thread returns the messages between userID and counterpartyID, oldest
// first, and marks the ones userID had not read yet as read.
func (b *Backend) Thread(ctx context.Context, userID, counterpartyID string) ([]models.Message, error) {
	thread, err := b.store.GetThread(ctx, userID, counterpartyID)
	if err != nil {
		return nil, err
	}
	read := true
	for i, m := range thread {
		if m.ReceiverID != userID || m.Read {
			continue
		}
		if _, err := b.UpdateMessage(ctx, m.ID, models.MessagePatch{Read: &read}); err != nil {
			return nil, fmt.Errorf("mark message %s read: %w", m.ID, err)
		}
		thread[i].Read = true
	}
	return thread, nil
}

// Conversations is the one-shot form of an inbox view: the decorated
// summaries for userID and the number of them with unread messages.
func (b *Backend) Conversations(ctx context.Context, userID string) ([]models.ConversationSummary, int, error) {
	received, err := b.store.QueryMessages(ctx, models.MessageFilter{ReceiverID: userID})
	if err != nil {
		return nil, 0, &inbox.FetchError{Op: "received messages", Err: err}
	}
	sent, err := b.store.QueryMessages(ctx, models.MessageFilter{SenderID: userID})
	if err != nil {
		return nil, 0, &inbox.FetchError{Op: "sent messages", Err: err}
	}

	summaries := conversation.AggregateWithReport(received, sent, userID, func(err error) {
		b.logger.Warn("skipping message", zap.Error(err))
	})
	profiles := make(map[string]models.DisplayProfile, len(summaries))
	for _, s := range summaries {
		p, err := b.ResolveDisplayProfile(ctx, s.CounterpartyID)
		if err != nil {
			b.logger.Warn("resolve display profile", zap.String("counterparty", s.CounterpartyID), zap.Error(err))
			continue
		}
		profiles[s.CounterpartyID] = p
	}
	summaries = conversation.Decorate(summaries, profiles)
	return summaries, conversation.UnreadCount(summaries), nil
}

// SignalTyping refreshes or creates the typing indicator from sender to
// receiver. Both paths publish, so watchers see the new timestamp.
func (b *Backend) SignalTyping(ctx context.Context, sender, receiver string) error {
	now := time.Now().UTC()
	existing, err := b.store.FindTypingIndicator(ctx, sender, receiver)
	switch {
	case err == nil:
		_, err = b.UpdateMessage(ctx, existing.ID, models.MessagePatch{CreatedAt: &now})
		return err
	case errors.Is(err, store.ErrNotFound):
		return b.InsertMessage(ctx, &models.Message{
			SenderID:   sender,
			ReceiverID: receiver,
			IsTyping:   true,
			CreatedAt:  now,
		})
	default:
		return &inbox.FetchError{Op: "typing indicator", Err: err}
	}
}
