package postgres

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/guildworks/guildcore/internal/common"
	"github.com/guildworks/guildcore/internal/interfaces"
)

// integrationDSN starts a disposable Postgres container, or returns the DSN
// from GUILDCORE_TEST_POSTGRES_DSN when one is provided. Skips the test when
// neither is available.
func integrationDSN(t *testing.T) string {
	t.Helper()

	if dsn := os.Getenv("GUILDCORE_TEST_POSTGRES_DSN"); dsn != "" {
		return dsn
	}
	if os.Getenv("GUILDCORE_TEST_CONTAINERS") == "" {
		t.Skip("set GUILDCORE_TEST_POSTGRES_DSN or GUILDCORE_TEST_CONTAINERS to run postgres integration tests")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("guildcore_test"),
		tcpostgres.WithUsername("guildcore"),
		tcpostgres.WithPassword("guildcore"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	return dsn
}

func TestStore_Integration_RoundTrip(t *testing.T) {
	dsn := integrationDSN(t)
	ctx := context.Background()

	s, err := New(dsn, common.NewSilentLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	// Empty collection reads as an empty map.
	docs, err := s.Read(ctx, "role_mappings")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("expected empty collection, got %d docs", len(docs))
	}

	in := map[string]json.RawMessage{
		"m1": json.RawMessage(`{"guild_id": "g1", "channel_id": "c1"}`),
		"m2": json.RawMessage(`{"guild_id": "g2", "channel_id": "c2"}`),
	}
	if err := s.Write(ctx, "role_mappings", in); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	out, err := s.Read(ctx, "role_mappings")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 docs, got %d", len(out))
	}

	// Whole-collection write replaces, never merges.
	if err := s.Write(ctx, "role_mappings", map[string]json.RawMessage{
		"m3": json.RawMessage(`{"guild_id": "g3"}`),
	}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	out, err = s.Read(ctx, "role_mappings")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(out) != 1 {
		t.Errorf("expected write to replace collection, got %d docs", len(out))
	}
}

func TestStore_Integration_Records(t *testing.T) {
	dsn := integrationDSN(t)
	ctx := context.Background()

	s, err := New(dsn, common.NewSilentLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if _, err := s.GetRecord(ctx, "user_experience", "g1:u1"); err != interfaces.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.UpsertRecord(ctx, "user_experience", "g1:u1", json.RawMessage(`{"guild_id": "g1", "user_id": "u1", "xp": 10}`)); err != nil {
		t.Fatalf("UpsertRecord failed: %v", err)
	}
	if err := s.UpsertRecord(ctx, "user_experience", "g1:u2", json.RawMessage(`{"guild_id": "g1", "user_id": "u2", "xp": 20}`)); err != nil {
		t.Fatalf("UpsertRecord failed: %v", err)
	}
	if err := s.UpsertRecord(ctx, "user_experience", "g2:u3", json.RawMessage(`{"guild_id": "g2", "user_id": "u3", "xp": 30}`)); err != nil {
		t.Fatalf("UpsertRecord failed: %v", err)
	}

	// Upsert replaces in place.
	if err := s.UpsertRecord(ctx, "user_experience", "g1:u1", json.RawMessage(`{"guild_id": "g1", "user_id": "u1", "xp": 15}`)); err != nil {
		t.Fatalf("UpsertRecord failed: %v", err)
	}
	doc, err := s.GetRecord(ctx, "user_experience", "g1:u1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	var xp struct {
		XP int64 `json:"xp"`
	}
	if err := json.Unmarshal(doc, &xp); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if xp.XP != 15 {
		t.Errorf("expected xp 15 after upsert, got %d", xp.XP)
	}

	byGuild, err := s.ListByGuild(ctx, "user_experience", "g1", 10, 0)
	if err != nil {
		t.Fatalf("ListByGuild failed: %v", err)
	}
	if len(byGuild) != 2 {
		t.Errorf("expected 2 records for g1, got %d", len(byGuild))
	}

	if err := s.DeleteRecord(ctx, "user_experience", "g1:u1"); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}
	if _, err := s.GetRecord(ctx, "user_experience", "g1:u1"); err != interfaces.ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	// Deleting again is not an error.
	if err := s.DeleteRecord(ctx, "user_experience", "g1:u1"); err != nil {
		t.Errorf("repeat delete should be nil, got %v", err)
	}
}
