package store

import (
	"context"
	"errors"

	"github.com/pliu/heartline/internal/models"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	// Profile operations
	CreateProfile(ctx context.Context, profile *models.Profile) error
	GetProfileByUsername(ctx context.Context, username string) (*models.Profile, error)
	GetProfileByID(ctx context.Context, id string) (*models.Profile, error)
	SearchProfiles(ctx context.Context, query string) ([]models.Profile, error)

	// Message operations
	InsertMessage(ctx context.Context, message *models.Message) error
	UpdateMessage(ctx context.Context, id string, patch models.MessagePatch) (*models.Message, error)
	QueryMessages(ctx context.Context, filter models.MessageFilter) ([]models.Message, error)
	GetThread(ctx context.Context, userID, counterpartyID string) ([]models.Message, error)
	FindTypingIndicator(ctx context.Context, senderID, receiverID string) (*models.Message, error)
	DeleteTypingIndicators(ctx context.Context, senderID, receiverID string) error

	// Personality test operations
	SavePersonalityResult(ctx context.Context, result *models.PersonalityResult) error
	GetLatestPersonalityResult(ctx context.Context, userID string) (*models.PersonalityResult, error)

	Close() error
}
