package repository

import (
	"context"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/vipul43/mailcode-worker/internal/database"
	"github.com/vipul43/mailcode-worker/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Connect("sqlite://:memory:", nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := database.RunMigrations(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

func seedAccount(t *testing.T, repo *AccountRepository, id string, status models.AccountStatus) models.MonitoredAccount {
	t.Helper()
	account := models.MonitoredAccount{
		ID:            id,
		Email:         id + "@example.com",
		Provider:      models.ProviderOutlook,
		OAuthClientID: "client-1",
		RefreshToken:  "refresh-" + id,
		Status:        status,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := repo.Create(context.Background(), account); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
	return account
}
