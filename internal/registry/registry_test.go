package registry

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/reflector/internal/faults"
	"github.com/MarcoPoloResearchLab/reflector/internal/recordstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

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

// fakeRecords emulates the remote record store with canonical column names
// and the NocoDB-style (Field,eq,value) filter grammar.
type fakeRecords struct {
	mu          sync.Mutex
	tables      map[string][]recordstore.Record
	nextID      int
	createCalls int
	linkCalls   int
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{tables: map[string][]recordstore.Record{}}
}

func (f *fakeRecords) seed(table string, fields map[string]any) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("rec-%d", f.nextID)
	f.tables[table] = append(f.tables[table], recordstore.Record{ID: id, Fields: fields})
	return id
}

func (f *fakeRecords) List(_ context.Context, table, where string) ([]recordstore.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []recordstore.Record
	for _, record := range f.tables[table] {
		if matchesWhere(record, where) {
			matched = append(matched, record)
		}
	}
	return matched, nil
}

func (f *fakeRecords) Update(_ context.Context, table, recordID string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, record := range f.tables[table] {
		if record.ID == recordID {
			for key, value := range fields {
				f.tables[table][i].Fields[key] = value
			}
			return nil
		}
	}
	return fmt.Errorf("record %q not found", recordID)
}

func (f *fakeRecords) CreateWithShapes(_ context.Context, table string, link recordstore.LinkSpec, fields map[string]any) (recordstore.Record, []recordstore.ShapeAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.nextID++
	stored := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		stored[key] = value
	}
	if link.Key != "" {
		stored[link.Field] = link.Key
	}
	record := recordstore.Record{ID: fmt.Sprintf("rec-%d", f.nextID), Fields: stored}
	f.tables[table] = append(f.tables[table], record)
	attempts := []recordstore.ShapeAttempt{{Shape: "structured-link-object", Status: 200, Outcome: recordstore.Accepted}}
	return record, attempts, nil
}

func (f *fakeRecords) LinkProject(_ context.Context, _, _ string, _ recordstore.LinkSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkCalls++
	return nil
}

func matchesWhere(record recordstore.Record, where string) bool {
	if where == "" {
		return true
	}
	for _, clause := range strings.Split(where, "~and") {
		clause = strings.TrimPrefix(strings.TrimSuffix(clause, ")"), "(")
		parts := strings.SplitN(clause, ",eq,", 2)
		if len(parts) != 2 {
			return false
		}
		value, ok := record.Fields[parts[0]]
		if !ok || fmt.Sprintf("%v", value) != parts[1] {
			return false
		}
	}
	return true
}

type fakeBoards struct {
	gone     map[string]bool
	deadURLs map[string]bool
	probes   int
}

func (f *fakeBoards) BoardExists(_ context.Context, _, boardID string) (bool, error) {
	f.probes++
	return !f.gone[boardID], nil
}

func (f *fakeBoards) URLAlive(_ context.Context, target string) (bool, error) {
	return !f.deadURLs[target], nil
}

func newTestRegistry(t *testing.T, records *fakeRecords, boards *fakeBoards, kv *memoryKV, clock *fakeClock, legacy string) *Registry {
	t.Helper()
	registry, err := New(Config{
		Records:               records,
		Boards:                boards,
		KV:                    kv,
		MappingsTable:         "board_mappings",
		ProjectsTable:         "projects",
		ViewerURLPattern:      regexp.MustCompile(`^https://boards\.example\.com/app/board/[A-Za-z0-9_=-]+/?$`),
		LegacyFallbackBoardID: legacy,
		Clock:                 clock.Now,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return registry
}

func seedMapping(records *fakeRecords, project, user, purpose, boardID string, primary bool, createdAt string) string {
	return records.seed("board_mappings", map[string]any{
		"Project":   project,
		"UserRef":   user,
		"Purpose":   purpose,
		"BoardId":   boardID,
		"IsPrimary": primary,
		"IsActive":  true,
		"CreatedAt": createdAt,
	})
}

func TestResolvePrefersCacheWithinTTLThenDurable(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1750000000, 0)}
	records := newFakeRecords()
	registry := newTestRegistry(t, records, &fakeBoards{}, newMemoryKV(), clock, "")
	ctx := context.Background()

	seedMapping(records, "p1", "u1", PurposeReflexiveJournal, "board-old", true, "2026-01-01T00:00:00Z")

	query := ResolveQuery{ProjectRef: "p1", UserRef: "u1"}
	first, err := registry.Resolve(ctx, query)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.BoardID != "board-old" {
		t.Fatalf("unexpected board %q", first.BoardID)
	}

	// A newer durable row must be shadowed by the fresh cache entry.
	seedMapping(records, "p1", "u1", PurposeReflexiveJournal, "board-new", true, "2026-02-01T00:00:00Z")
	cached, err := registry.Resolve(ctx, query)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cached.BoardID != "board-old" {
		t.Fatalf("expected cached board, got %q", cached.BoardID)
	}

	clock.Advance(61 * time.Second)
	refreshed, err := registry.Resolve(ctx, query)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if refreshed.BoardID != "board-new" {
		t.Fatalf("expected durable top row after TTL, got %q", refreshed.BoardID)
	}
}

func TestResolveTieBreakPrefersPrimaryOverNewer(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1750000000, 0)}
	records := newFakeRecords()
	registry := newTestRegistry(t, records, &fakeBoards{}, newMemoryKV(), clock, "")

	seedMapping(records, "p1", "u1", PurposeReflexiveJournal, "board-primary", true, "2026-01-01T00:00:00Z")
	seedMapping(records, "p1", "u1", PurposeReflexiveJournal, "board-newer", false, "2026-03-01T00:00:00Z")

	mapping, err := registry.Resolve(context.Background(), ResolveQuery{ProjectRef: "p1", UserRef: "u1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mapping.BoardID != "board-primary" {
		t.Fatalf("primary row should win the tie-break, got %q", mapping.BoardID)
	}
}

func TestResolveExplicitBoardIDShortCircuits(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1750000000, 0)}
	records := newFakeRecords()
	registry := newTestRegistry(t, records, &fakeBoards{}, newMemoryKV(), clock, "")

	mapping, err := registry.Resolve(context.Background(), ResolveQuery{ExplicitBoardID: "board-x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mapping.BoardID != "board-x" {
		t.Fatalf("explicit board id should return verbatim, got %q", mapping.BoardID)
	}
	if records.createCalls != 0 {
		t.Fatalf("explicit resolution must not touch the store")
	}
}

func TestResolveStalenessTombstonesMapping(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1750000000, 0)}
	records := newFakeRecords()
	boards := &fakeBoards{gone: map[string]bool{"board-dead": true}}
	kv := newMemoryKV()
	registry := newTestRegistry(t, records, boards, kv, clock, "")
	ctx := context.Background()

	recordID := seedMapping(records, "p1", "u1", PurposeReflexiveJournal, "board-dead", true, "2026-01-01T00:00:00Z")
	kv.Put(ctx, "boards/u1/p1", `{"board_id":"board-dead"}`)

	query := ResolveQuery{ProjectRef: "p1", UserRef: "u1", AccessToken: "token"}
	_, err := registry.Resolve(ctx, query)
	if !faults.HasCode(err, faults.CodeNotFound) {
		t.Fatalf("expected not_found for dead board, got %v", err)
	}

	rows, _ := records.List(ctx, "board_mappings", "")
	for _, row := range rows {
		if row.ID == recordID {
			if active, _ := row.Fields["IsActive"].(bool); active {
				t.Fatalf("durable row should be deactivated: %#v", row.Fields)
			}
		}
	}
	if _, ok, _ := kv.Get(ctx, "boards/u1/p1"); ok {
		t.Fatalf("side-cache entry should be cleared")
	}

	probesBefore := boards.probes
	_, err = registry.Resolve(ctx, query)
	if !faults.HasCode(err, faults.CodeNotFound) {
		t.Fatalf("expected tombstoned not_found, got %v", err)
	}
	if boards.probes != probesBefore {
		t.Fatalf("tombstoned entry must not re-probe within TTL")
	}
}

func TestResolveFallsBackToSideCache(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1750000000, 0)}
	records := newFakeRecords()
	kv := newMemoryKV()
	registry := newTestRegistry(t, records, &fakeBoards{}, kv, clock, "")
	ctx := context.Background()

	kv.Put(ctx, "boards/u1/p1", `{"board_id":"board-side","board_url":"https://boards.example.com/app/board/abc123"}`)

	mapping, err := registry.Resolve(ctx, ResolveQuery{ProjectRef: "p1", UserRef: "u1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mapping.BoardID != "board-side" {
		t.Fatalf("expected side-cache board, got %q", mapping.BoardID)
	}
}

func TestResolveDiscardsMalformedSideCache(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1750000000, 0)}
	records := newFakeRecords()
	kv := newMemoryKV()
	registry := newTestRegistry(t, records, &fakeBoards{}, kv, clock, "legacy-board")
	ctx := context.Background()

	kv.Put(ctx, "boards/u1/p1", `{"board_id":"b","board_url":"http://evil.example.com/not-a-board"}`)

	mapping, err := registry.Resolve(ctx, ResolveQuery{ProjectRef: "p1", UserRef: "u1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mapping.BoardID != "legacy-board" {
		t.Fatalf("malformed side cache should fall through to legacy fallback, got %q", mapping.BoardID)
	}
}

func TestResolveReturnsNotFoundWithoutSources(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1750000000, 0)}
	registry := newTestRegistry(t, newFakeRecords(), &fakeBoards{}, newMemoryKV(), clock, "")

	_, err := registry.Resolve(context.Background(), ResolveQuery{ProjectRef: "p1", UserRef: "u1"})
	if !faults.HasCode(err, faults.CodeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestRegisterIsIdempotentPerBoard(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1750000000, 0)}
	records := newFakeRecords()
	registry := newTestRegistry(t, records, &fakeBoards{}, newMemoryKV(), clock, "")
	ctx := context.Background()

	first, err := registry.Register(ctx, RegisterRequest{
		ProjectRef: "p1", UserRef: "u1", BoardID: "board-1", IsPrimary: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.RecordID == "" {
		t.Fatalf("expected created record id")
	}

	second, err := registry.Register(ctx, RegisterRequest{
		ProjectRef: "p1", UserRef: "u1", BoardID: "board-1",
		BoardURL: "https://boards.example.com/app/board/xyz789", IsPrimary: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.RecordID != first.RecordID {
		t.Fatalf("expected row reuse, got %q then %q", first.RecordID, second.RecordID)
	}
	if records.createCalls != 1 {
		t.Fatalf("expected exactly one create, got %d", records.createCalls)
	}

	rows, _ := records.List(ctx, "board_mappings", "")
	if len(rows) != 1 {
		t.Fatalf("expected exactly one durable row, got %d", len(rows))
	}
	if url, _ := rows[0].Fields["BoardUrl"].(string); url != "https://boards.example.com/app/board/xyz789" {
		t.Fatalf("latest board url should win: %#v", rows[0].Fields)
	}
}

func TestRegisterResolvesCanonicalProjectKey(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1750000000, 0)}
	records := newFakeRecords()
	registry := newTestRegistry(t, records, &fakeBoards{}, newMemoryKV(), clock, "")
	ctx := context.Background()

	projectID := records.seed("projects", map[string]any{"Id": "ignored", "Name": "Alpha"})

	mapping, err := registry.Register(ctx, RegisterRequest{
		ProjectRef: "Alpha", UserRef: "u1", BoardID: "board-1", IsPrimary: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mapping.BoardID != "board-1" {
		t.Fatalf("unexpected mapping %#v", mapping)
	}

	rows, _ := records.List(ctx, "board_mappings", "")
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	if linked, _ := rows[0].Fields["Project"].(string); linked != projectID {
		t.Fatalf("expected canonical project key %q, got %q", projectID, linked)
	}
}

func TestRegisterWritesThroughResolutionCache(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1750000000, 0)}
	records := newFakeRecords()
	registry := newTestRegistry(t, records, &fakeBoards{}, newMemoryKV(), clock, "")
	ctx := context.Background()

	if _, err := registry.Register(ctx, RegisterRequest{
		ProjectRef: "p1", UserRef: "u1", BoardID: "board-1", IsPrimary: true,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Empty the durable store; a fresh cache entry must still resolve.
	records.tables["board_mappings"] = nil
	mapping, err := registry.Resolve(ctx, ResolveQuery{ProjectRef: "p1", UserRef: "u1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mapping.BoardID != "board-1" {
		t.Fatalf("expected write-through cache hit, got %q", mapping.BoardID)
	}
}

func TestCacheSideEntryRoundTrip(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1750000000, 0)}
	kv := newMemoryKV()
	registry := newTestRegistry(t, newFakeRecords(), &fakeBoards{}, kv, clock, "")
	ctx := context.Background()

	err := registry.CacheSideEntry(ctx, "u1", "p1", Mapping{
		BoardID:  "board-1",
		BoardURL: "https://boards.example.com/app/board/abc123",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mapping, err := registry.Resolve(ctx, ResolveQuery{ProjectRef: "p1", UserRef: "u1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mapping.BoardID != "board-1" {
		t.Fatalf("expected side-cache resolution, got %q", mapping.BoardID)
	}
}
