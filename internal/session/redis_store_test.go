package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	st, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, s
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	err := st.SaveRefreshSession(ctx, "hash-1", "usr_1", time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}

	user, err := st.LookupRefreshSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("LookupRefreshSession() error = %v", err)
	}
	if user.ID != "usr_1" {
		t.Fatalf("user id = %q, want usr_1", user.ID)
	}
}

func TestLookupMissingSession(t *testing.T) {
	st, _ := setupTestStore(t)

	if _, err := st.LookupRefreshSession(context.Background(), "nope"); err == nil {
		t.Fatal("expected an error for a missing session")
	}
}

func TestSessionExpiresWithTTL(t *testing.T) {
	st, s := setupTestStore(t)
	ctx := context.Background()

	if err := st.SaveRefreshSession(ctx, "hash-1", "usr_1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}
	s.FastForward(2 * time.Hour)

	if _, err := st.LookupRefreshSession(ctx, "hash-1"); err == nil {
		t.Fatal("expected the session to expire with the key TTL")
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	st, _ := setupTestStore(t)
	ctx := context.Background()

	if err := st.SaveRefreshSession(ctx, "hash-1", "usr_1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}
	if err := st.RevokeRefreshSession(ctx, "hash-1"); err != nil {
		t.Fatalf("RevokeRefreshSession() error = %v", err)
	}
	if _, err := st.LookupRefreshSession(ctx, "hash-1"); err == nil {
		t.Fatal("expected the revoked session to be gone")
	}
}

func TestRejectsExpiredSessionOnSave(t *testing.T) {
	st, _ := setupTestStore(t)

	err := st.SaveRefreshSession(context.Background(), "hash-1", "usr_1", time.Now().Add(-time.Minute))
	if err == nil {
		t.Fatal("expected an error saving an already expired session")
	}
}
