package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/MarcoPoloResearchLab/reflector/internal/recordstore"
	"go.uber.org/zap"
)

// PurposeReflexiveJournal is the one purpose currently used in practice;
// the registry supports arbitrary purpose tags.
const PurposeReflexiveJournal = "reflexive_journal"

// AnonymousUser is the sentinel user reference for unauthenticated mappings.
const AnonymousUser = "anonymous"

var (
	errMissingRecords       = errors.New("record store client is required")
	errMissingKV            = errors.New("key-value store is required")
	errMissingMappingsTable = errors.New("mappings table name is required")
)

// Mapping is the durable association between (project, user, purpose) and a
// remote board.
type Mapping struct {
	RecordID    string
	ProjectRef  string
	UserRef     string
	Purpose     string
	BoardID     string
	BoardURL    string
	WorkspaceID string
	IsPrimary   bool
	IsActive    bool
	CreatedAt   time.Time
}

// RecordAPI is the slice of the record-store client the registry consumes.
type RecordAPI interface {
	List(ctx context.Context, table, where string) ([]recordstore.Record, error)
	Update(ctx context.Context, table, recordID string, fields map[string]any) error
	CreateWithShapes(ctx context.Context, table string, link recordstore.LinkSpec, fields map[string]any) (recordstore.Record, []recordstore.ShapeAttempt, error)
	LinkProject(ctx context.Context, table, recordID string, link recordstore.LinkSpec) error
}

// LivenessProber checks whether a resolved board still exists remotely.
type LivenessProber interface {
	BoardExists(ctx context.Context, accessToken, boardID string) (bool, error)
	URLAlive(ctx context.Context, target string) (bool, error)
}

// KV is the durable key-value contract the side cache lives behind.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Config bundles dependencies for the registry.
type Config struct {
	Records               RecordAPI
	Boards                LivenessProber
	KV                    KV
	MappingsTable         string
	ProjectsTable         string
	ViewerURLPattern      *regexp.Regexp
	LegacyFallbackBoardID string
	CacheTTL              time.Duration
	Logger                *zap.Logger
	Clock                 func() time.Time
}

// Registry resolves and registers board mappings across the in-process
// cache, the durable record store, and the side key-value cache.
type Registry struct {
	records       RecordAPI
	boards        LivenessProber
	kv            KV
	mappingsTable string
	projectsTable string
	viewerPattern *regexp.Regexp
	legacyBoardID string
	cache         *resolutionCache
	logger        *zap.Logger
	clock         func() time.Time
}

func New(cfg Config) (*Registry, error) {
	if cfg.Records == nil {
		return nil, fmt.Errorf("registry: %w", errMissingRecords)
	}
	if cfg.KV == nil {
		return nil, fmt.Errorf("registry: %w", errMissingKV)
	}
	if cfg.MappingsTable == "" {
		return nil, fmt.Errorf("registry: %w", errMissingMappingsTable)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Registry{
		records:       cfg.Records,
		boards:        cfg.Boards,
		kv:            cfg.KV,
		mappingsTable: cfg.MappingsTable,
		projectsTable: cfg.ProjectsTable,
		viewerPattern: cfg.ViewerURLPattern,
		legacyBoardID: cfg.LegacyFallbackBoardID,
		cache:         newResolutionCache(cfg.CacheTTL, clock),
		logger:        logger,
		clock:         clock,
	}, nil
}

func cacheKey(projectRef, userRef, purpose string) string {
	return projectRef + "·" + userRef + "·" + purpose
}

func sideCacheKey(userRef, projectRef string) string {
	return "boards/" + userRef + "/" + projectRef
}

func normalizePurpose(purpose string) string {
	if purpose == "" {
		return PurposeReflexiveJournal
	}
	return purpose
}
