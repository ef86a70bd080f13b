//go:build integration

package repository_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/felipepmaragno/chat-gateway/internal/accounting"
	"github.com/felipepmaragno/chat-gateway/internal/domain"
	"github.com/felipepmaragno/chat-gateway/internal/repository"
	_ "github.com/lib/pq"
)

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	if err := repository.Migrate(context.Background(), db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	return db
}

func suffix() string {
	return time.Now().Format("20060102150405.000000000")
}

func TestPostgresTenantRepository_CRUD(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	repo := repository.NewPostgresTenantRepository(db)
	ctx := context.Background()

	apiKey := "gw-test-key-" + suffix()
	tenant := &domain.Tenant{
		ID:            "test-tenant-" + suffix(),
		Name:          "Test Tenant",
		APIKeyHash:    repository.HashAPIKey(apiKey),
		RateLimitRPM:  60,
		AllowedModels: []string{"gpt-4o"},
		Enabled:       true,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}

	if err := repo.Create(ctx, tenant); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer repo.Delete(ctx, tenant.ID)

	got, err := repo.GetByAPIKey(ctx, apiKey)
	if err != nil {
		t.Fatalf("GetByAPIKey failed: %v", err)
	}
	if got.ID != tenant.ID || len(got.AllowedModels) != 1 {
		t.Errorf("GetByAPIKey = %+v", got)
	}

	tenant.Name = "Updated Tenant"
	if err := repo.Update(ctx, tenant); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err = repo.GetByID(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("GetByID after update failed: %v", err)
	}
	if got.Name != "Updated Tenant" {
		t.Errorf("expected updated name, got %s", got.Name)
	}

	if err := repo.Delete(ctx, tenant.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := repo.GetByID(ctx, tenant.ID); err != domain.ErrTenantNotFound {
		t.Errorf("expected ErrTenantNotFound after delete, got %v", err)
	}
}

func TestPostgresChatRepository_History(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	repo := repository.NewPostgresChatRepository(db)
	ctx := context.Background()

	temp := 0.3
	session := &domain.ChatSession{
		TenantID: "acme",
		ModelID:  "gpt-4o",
		Params:   domain.ModelParams{Temperature: &temp},
		Plugins:  []string{"current_time"},
	}
	if err := repo.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := repo.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Params.Temperature == nil || *got.Params.Temperature != 0.3 || len(got.Plugins) != 1 {
		t.Errorf("GetSession = %+v", got)
	}

	texts := []string{"one", "two", "three"}
	for _, text := range texts {
		if _, err := repo.AppendMessage(ctx, session.ID, domain.Message{Role: domain.RoleUser, Text: text}); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	msgs, err := repo.History(ctx, session.ID, 2)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Text != "two" || msgs[1].Text != "three" {
		t.Errorf("History = %+v, want two, three", msgs)
	}

	_, err = repo.AppendMessage(ctx, "missing-"+suffix(), domain.Message{Role: domain.RoleUser})
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("AppendMessage(unknown) error = %v", err)
	}
}

func TestPostgresUsageStore(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	store := accounting.NewPostgresStore(db)
	ctx := context.Background()
	session := "usage-" + suffix()
	now := time.Now()

	if _, err := store.AddDelta(ctx, session, 10, 5, 0.01, now); err != nil {
		t.Fatalf("AddDelta failed: %v", err)
	}
	u, err := store.AddDelta(ctx, session, 3, 2, 0.02, now)
	if err != nil {
		t.Fatalf("AddDelta failed: %v", err)
	}
	if u.InputTokens != 13 || u.OutputTokens != 7 {
		t.Errorf("usage = %+v, want 13/7", u)
	}

	u, err = store.SetAbsolute(ctx, session, 1, 1, 0, now)
	if err != nil {
		t.Fatalf("SetAbsolute failed: %v", err)
	}
	if u.InputTokens != 1 || u.OutputTokens != 1 {
		t.Errorf("usage = %+v, want 1/1", u)
	}

	empty, err := store.Get(ctx, "never-"+suffix())
	if err != nil || empty.InputTokens != 0 {
		t.Errorf("Get(unknown) = %+v, %v", empty, err)
	}
}
