package sqlstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pliu/heartline/internal/models"
	"github.com/pliu/heartline/internal/store"
)

func TestSavePersonalityResult(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	_, err := testStore.GetLatestPersonalityResult(ctx, "me")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound before any result, got %v", err)
	}

	first := &models.PersonalityResult{UserID: "me", Extraversion: 10, CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	second := &models.PersonalityResult{UserID: "me", Extraversion: 5, Judging: 10, CreatedAt: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)}
	for _, r := range []*models.PersonalityResult{first, second} {
		if err := testStore.SavePersonalityResult(ctx, r); err != nil {
			t.Fatalf("Failed to save result: %v", err)
		}
	}

	latest, err := testStore.GetLatestPersonalityResult(ctx, "me")
	if err != nil {
		t.Fatalf("Failed to get latest result: %v", err)
	}
	if latest.ID != second.ID || latest.Extraversion != 5 || latest.Judging != 10 {
		t.Errorf("Expected latest result %+v, got %+v", second, latest)
	}

	if err := testStore.SavePersonalityResult(ctx, &models.PersonalityResult{}); err == nil {
		t.Error("Expected error when user_id is missing")
	}
}
