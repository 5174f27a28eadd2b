package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/reflector/internal/boardapi"
	"github.com/MarcoPoloResearchLab/reflector/internal/faults"
	"go.uber.org/zap"
)

const keyPrefix = "tokens/"

var (
	errMissingKV        = errors.New("key-value store is required")
	errMissingRefresher = errors.New("token refresher is required")
	errMissingUser      = errors.New("user identifier is required")
)

// Record is the per-user OAuth token pair. ExpiresAt is advisory only;
// refresh happens strictly in reaction to an upstream 401.
type Record struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// KV is the durable key-value contract token records live behind.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Refresher exchanges a refresh token for a new grant.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (boardapi.TokenGrant, error)
}

// StoreConfig bundles dependencies for the token store.
type StoreConfig struct {
	KV        KV
	Refresher Refresher
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Store persists per-user token records and wraps board calls with
// single-shot refresh-and-retry on authorization failure.
type Store struct {
	kv        KV
	refresher Refresher
	logger    *zap.Logger
	clock     func() time.Time
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.KV == nil {
		return nil, fmt.Errorf("tokens: %w", errMissingKV)
	}
	if cfg.Refresher == nil {
		return nil, fmt.Errorf("tokens: %w", errMissingRefresher)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{kv: cfg.KV, refresher: cfg.Refresher, logger: logger, clock: clock}, nil
}

// Load returns the stored record for the user and whether one exists.
func (s *Store) Load(ctx context.Context, user string) (Record, bool, error) {
	if user == "" {
		return Record{}, false, fmt.Errorf("tokens: %w", errMissingUser)
	}
	value, ok, err := s.kv.Get(ctx, keyPrefix+user)
	if err != nil {
		return Record{}, false, fmt.Errorf("tokens: load %q: %w", user, err)
	}
	if !ok {
		return Record{}, false, nil
	}
	var record Record
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return Record{}, false, fmt.Errorf("tokens: decode record for %q: %w", user, err)
	}
	return record, true, nil
}

// Save persists the record for the user, replacing any prior one.
func (s *Store) Save(ctx context.Context, user string, record Record) error {
	if user == "" {
		return fmt.Errorf("tokens: %w", errMissingUser)
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("tokens: encode record for %q: %w", user, err)
	}
	if err := s.kv.Put(ctx, keyPrefix+user, string(encoded)); err != nil {
		return fmt.Errorf("tokens: save %q: %w", user, err)
	}
	return nil
}

// SaveGrant overlays a fresh grant onto the stored record. Grant fields
// replace prior ones only when present, so a refresh response that omits
// the refresh token keeps the existing one.
func (s *Store) SaveGrant(ctx context.Context, user string, grant boardapi.TokenGrant) error {
	record, _, err := s.Load(ctx, user)
	if err != nil {
		return err
	}
	return s.Save(ctx, user, s.overlay(record, grant))
}

// WithValidAccess runs fn with the user's access token. On an upstream 401
// it performs exactly one refresh-and-retry; a second 401, a failed refresh,
// or a missing record all surface as NotAuthenticated.
func (s *Store) WithValidAccess(ctx context.Context, user string, fn func(ctx context.Context, accessToken string) error) error {
	record, ok, err := s.Load(ctx, user)
	if err != nil {
		return err
	}
	if !ok || record.AccessToken == "" {
		return faults.New(faults.CodeNotAuthenticated, "authenticate", errors.New("no stored tokens"))
	}

	err = fn(ctx, record.AccessToken)
	if !errors.Is(err, boardapi.ErrUnauthorized) {
		return err
	}

	if record.RefreshToken == "" {
		return faults.New(faults.CodeNotAuthenticated, "authenticate", err)
	}

	grant, refreshErr := s.refresher.Refresh(ctx, record.RefreshToken)
	if refreshErr != nil {
		s.logger.Warn("token refresh failed", zap.String("user", user), zap.Error(refreshErr))
		return faults.New(faults.CodeNotAuthenticated, "authenticate", refreshErr)
	}

	merged := s.overlay(record, grant)
	if saveErr := s.Save(ctx, user, merged); saveErr != nil {
		return saveErr
	}
	s.logger.Info("access token refreshed", zap.String("user", user))

	err = fn(ctx, merged.AccessToken)
	if errors.Is(err, boardapi.ErrUnauthorized) {
		return faults.New(faults.CodeNotAuthenticated, "authenticate", err)
	}
	return err
}

func (s *Store) overlay(record Record, grant boardapi.TokenGrant) Record {
	if grant.AccessToken != "" {
		record.AccessToken = grant.AccessToken
	}
	if grant.RefreshToken != "" {
		record.RefreshToken = grant.RefreshToken
	}
	if grant.ExpiresIn > 0 {
		record.ExpiresAt = s.clock().UTC().Add(time.Duration(grant.ExpiresIn) * time.Second)
	}
	return record
}
