package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/reflector/internal/boardapi"
	"github.com/MarcoPoloResearchLab/reflector/internal/faults"
)

type memoryKV struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemoryKV() *memoryKV {
	return &memoryKV{values: map[string]string{}}
}

func (m *memoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.values[key]
	return value, ok, nil
}

func (m *memoryKV) Put(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *memoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

type stubRefresher struct {
	grant boardapi.TokenGrant
	err   error
	calls int
}

func (r *stubRefresher) Refresh(_ context.Context, _ string) (boardapi.TokenGrant, error) {
	r.calls++
	if r.err != nil {
		return boardapi.TokenGrant{}, r.err
	}
	return r.grant, nil
}

func newTestStore(t *testing.T, refresher Refresher) (*Store, *memoryKV) {
	t.Helper()
	kv := newMemoryKV()
	store, err := NewStore(StoreConfig{
		KV:        kv,
		Refresher: refresher,
		Clock:     func() time.Time { return time.Unix(1750000000, 0) },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return store, kv
}

func TestWithValidAccessPassesStoredToken(t *testing.T) {
	refresher := &stubRefresher{}
	store, _ := newTestStore(t, refresher)
	ctx := context.Background()

	if err := store.Save(ctx, "user-1", Record{AccessToken: "access-1", RefreshToken: "refresh-1"}); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	var seen []string
	err := store.WithValidAccess(ctx, "user-1", func(_ context.Context, token string) error {
		seen = append(seen, token)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != 1 || seen[0] != "access-1" {
		t.Fatalf("unexpected tokens seen: %#v", seen)
	}
	if refresher.calls != 0 {
		t.Fatalf("refresh should not run without a 401")
	}
}

func TestWithValidAccessRefreshesOnceOn401(t *testing.T) {
	refresher := &stubRefresher{grant: boardapi.TokenGrant{AccessToken: "access-2", ExpiresIn: 3600}}
	store, _ := newTestStore(t, refresher)
	ctx := context.Background()

	if err := store.Save(ctx, "user-1", Record{AccessToken: "access-1", RefreshToken: "refresh-1"}); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	var seen []string
	err := store.WithValidAccess(ctx, "user-1", func(_ context.Context, token string) error {
		seen = append(seen, token)
		if token == "access-1" {
			return fmt.Errorf("call failed: %w", boardapi.ErrUnauthorized)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != 2 || seen[1] != "access-2" {
		t.Fatalf("expected retry with refreshed token, saw %#v", seen)
	}
	if refresher.calls != 1 {
		t.Fatalf("expected exactly one refresh, got %d", refresher.calls)
	}

	record, ok, err := store.Load(ctx, "user-1")
	if err != nil || !ok {
		t.Fatalf("expected stored record, ok=%v err=%v", ok, err)
	}
	if record.AccessToken != "access-2" {
		t.Fatalf("refreshed access token not persisted: %#v", record)
	}
	if record.RefreshToken != "refresh-1" {
		t.Fatalf("refresh token should survive a grant that omits it: %#v", record)
	}
}

func TestWithValidAccessReportsNotAuthenticatedWhenRefreshFails(t *testing.T) {
	refresher := &stubRefresher{err: errors.New("refresh rejected")}
	store, _ := newTestStore(t, refresher)
	ctx := context.Background()

	if err := store.Save(ctx, "user-1", Record{AccessToken: "access-1", RefreshToken: "refresh-1"}); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	err := store.WithValidAccess(ctx, "user-1", func(_ context.Context, _ string) error {
		return boardapi.ErrUnauthorized
	})
	if !faults.HasCode(err, faults.CodeNotAuthenticated) {
		t.Fatalf("expected not_authenticated, got %v", err)
	}
	if refresher.calls != 1 {
		t.Fatalf("expected exactly one refresh attempt, got %d", refresher.calls)
	}
}

func TestWithValidAccessWithoutRefreshTokenDoesNotRefresh(t *testing.T) {
	refresher := &stubRefresher{grant: boardapi.TokenGrant{AccessToken: "access-2"}}
	store, _ := newTestStore(t, refresher)
	ctx := context.Background()

	if err := store.Save(ctx, "user-1", Record{AccessToken: "access-1"}); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	err := store.WithValidAccess(ctx, "user-1", func(_ context.Context, _ string) error {
		return boardapi.ErrUnauthorized
	})
	if !faults.HasCode(err, faults.CodeNotAuthenticated) {
		t.Fatalf("expected not_authenticated, got %v", err)
	}
	if refresher.calls != 0 {
		t.Fatalf("refresh should not run without a refresh token")
	}
}

func TestWithValidAccessMissingRecord(t *testing.T) {
	store, _ := newTestStore(t, &stubRefresher{})

	err := store.WithValidAccess(context.Background(), "ghost", func(_ context.Context, _ string) error {
		t.Fatalf("fn should not run without tokens")
		return nil
	})
	if !faults.HasCode(err, faults.CodeNotAuthenticated) {
		t.Fatalf("expected not_authenticated, got %v", err)
	}
}

func TestSaveGrantOverlaysExistingRecord(t *testing.T) {
	store, _ := newTestStore(t, &stubRefresher{})
	ctx := context.Background()

	if err := store.Save(ctx, "user-1", Record{AccessToken: "old", RefreshToken: "keep-me"}); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if err := store.SaveGrant(ctx, "user-1", boardapi.TokenGrant{AccessToken: "new", ExpiresIn: 60}); err != nil {
		t.Fatalf("unexpected save grant error: %v", err)
	}

	record, ok, err := store.Load(ctx, "user-1")
	if err != nil || !ok {
		t.Fatalf("expected stored record, ok=%v err=%v", ok, err)
	}
	if record.AccessToken != "new" || record.RefreshToken != "keep-me" {
		t.Fatalf("overlay merge incorrect: %#v", record)
	}
	wantExpiry := time.Unix(1750000000, 0).UTC().Add(time.Minute)
	if !record.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("unexpected expiry %v", record.ExpiresAt)
	}
}
