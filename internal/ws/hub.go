package ws

import (
	"context"
	"errors"
	"sync"

	"github.com/pliu/heartline/internal/models"
	"go.uber.org/zap"
)

var ErrHubClosed = errors.New("change feed hub closed")

const DefaultBuffer = 64

// Subscription receives the change events matching its spec. The channel is
// closed on Unsubscribe, when the hub shuts down, or when the subscriber
// falls too far behind.
type Subscription struct {
	spec models.EventSpec
	ch   chan models.ChangeEvent
}

func (s *Subscription) Events() <-chan models.ChangeEvent {
	return s.ch
}

// Relay forwards locally published events to other instances.
type Relay interface {
	Publish(ctx context.Context, ev models.ChangeEvent) error
}

// Hub fans change events out to subscribers whose spec matches.
type Hub struct {
	// Registered subscriptions.
	subscribers map[*Subscription]bool

	// Events to dispatch.
	events chan models.ChangeEvent

	// Register requests.
	register chan *Subscription

	// Unregister requests.
	unregister chan *Subscription

	quit      chan struct{}
	closeOnce sync.Once

	buffer int
	relay  Relay
	logger *zap.Logger
}

func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subscribers: make(map[*Subscription]bool),
		events:      make(chan models.ChangeEvent),
		register:    make(chan *Subscription),
		unregister:  make(chan *Subscription),
		quit:        make(chan struct{}),
		buffer:      buffer,
		logger:      logger,
	}
}

// SetRelay must be called before Run.
func (h *Hub) SetRelay(r Relay) {
	h.relay = r
}

func (h *Hub) Run() {
	for {
		select {
		case sub := <-h.register:
			h.subscribers[sub] = true
		case sub := <-h.unregister:
			if _, ok := h.subscribers[sub]; ok {
				delete(h.subscribers, sub)
				close(sub.ch)
			}
		case ev := <-h.events:
			for sub := range h.subscribers {
				if !sub.spec.Matches(ev) {
					continue
				}
				select {
				case sub.ch <- ev:
				default:
					h.logger.Warn("dropping slow subscriber",
						zap.String("table", sub.spec.Table),
						zap.Any("filter", sub.spec.Filter))
					close(sub.ch)
					delete(h.subscribers, sub)
				}
			}
		case <-h.quit:
			for sub := range h.subscribers {
				close(sub.ch)
				delete(h.subscribers, sub)
			}
			return
		}
	}
}

func (h *Hub) Subscribe(spec models.EventSpec) (*Subscription, error) {
	select {
	case <-h.quit:
		return nil, ErrHubClosed
	default:
	}
	sub := &Subscription{spec: spec, ch: make(chan models.ChangeEvent, h.buffer)}
	select {
	case h.register <- sub:
		return sub, nil
	case <-h.quit:
		return nil, ErrHubClosed
	}
}

// Unsubscribe is a no-op for subscriptions the hub already dropped.
func (h *Hub) Unsubscribe(sub *Subscription) {
	select {
	case h.unregister <- sub:
	case <-h.quit:
	}
}

// Publish relays ev to other instances, if a relay is set, and dispatches it
// to local subscribers. A relay failure is logged; local delivery still
// happens.
func (h *Hub) Publish(ctx context.Context, ev models.ChangeEvent) {
	if h.relay != nil {
		if err := h.relay.Publish(ctx, ev); err != nil {
			h.logger.Error("relay change event", zap.String("message_id", ev.Record.ID), zap.Error(err))
		}
	}
	h.Dispatch(ev)
}

// Dispatch delivers ev to local subscribers only.
func (h *Hub) Dispatch(ev models.ChangeEvent) {
	select {
	case h.events <- ev:
	case <-h.quit:
	}
}

func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.quit) })
}
