package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPollInterval = 600 * time.Millisecond
	defaultPollDeadline = 8500 * time.Millisecond
)

var errMissingBoards = errors.New("board fetcher is required")

// BoardFetcher is the slice of the board client the prober consumes.
type BoardFetcher interface {
	GetBoardRaw(ctx context.Context, accessToken, boardID string) (json.RawMessage, error)
	BoardLinksRaw(ctx context.Context, accessToken, boardID string) (json.RawMessage, error)
	CreateViewerLink(ctx context.Context, accessToken, boardID string) (json.RawMessage, error)
}

// Config bundles dependencies for the prober.
type Config struct {
	Boards   BoardFetcher
	Pattern  *regexp.Regexp
	Interval time.Duration
	Deadline time.Duration
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Prober extracts a shareable viewer URL for a board from whichever
// response shape the deployed API version uses.
type Prober struct {
	boards   BoardFetcher
	pattern  *regexp.Regexp
	interval time.Duration
	deadline time.Duration
	logger   *zap.Logger
	clock    func() time.Time
}

func New(cfg Config) (*Prober, error) {
	if cfg.Boards == nil {
		return nil, fmt.Errorf("probe: %w", errMissingBoards)
	}
	pattern := cfg.Pattern
	if pattern == nil {
		pattern = regexp.MustCompile(`^https://`)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	deadline := cfg.Deadline
	if deadline <= 0 {
		deadline = defaultPollDeadline
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Prober{
		boards:   cfg.Boards,
		pattern:  pattern,
		interval: interval,
		deadline: deadline,
		logger:   logger,
		clock:    clock,
	}, nil
}

// Probe runs the strategies once, in order, stopping at the first URL:
// board details deep-search, typed link list, viewer-link creation, then a
// final board re-fetch for deployments that finish link provisioning
// asynchronously. Best-effort throughout; failures only log.
func (p *Prober) Probe(ctx context.Context, boardID, accessToken string) (string, bool) {
	if url, ok := p.searchBoardDetails(ctx, boardID, accessToken); ok {
		return url, true
	}

	if raw, err := p.boards.BoardLinksRaw(ctx, accessToken, boardID); err == nil {
		if url, ok := p.searchLinks(raw); ok {
			return url, true
		}
	} else {
		p.logger.Debug("board links fetch failed", zap.String("board_id", boardID), zap.Error(err))
	}

	if raw, err := p.boards.CreateViewerLink(ctx, accessToken, boardID); err == nil {
		if url, ok := p.searchPayload(raw); ok {
			return url, true
		}
	} else {
		p.logger.Debug("viewer link creation failed", zap.String("board_id", boardID), zap.Error(err))
	}

	return p.searchBoardDetails(ctx, boardID, accessToken)
}

// Await polls Probe with a fixed interval until a URL appears or the
// wall-clock deadline elapses. A deadline miss is not an error; the caller
// proceeds without a URL and marks the operation pending.
func (p *Prober) Await(ctx context.Context, boardID, accessToken string) (string, bool, error) {
	startedAt := p.clock()
	for {
		if url, ok := p.Probe(ctx, boardID, accessToken); ok {
			return url, true, nil
		}
		if p.clock().Sub(startedAt)+p.interval > p.deadline {
			p.logger.Info("viewer url probing deadline elapsed",
				zap.String("board_id", boardID))
			return "", false, nil
		}
		if err := sleep(ctx, p.interval); err != nil {
			return "", false, err
		}
	}
}

func (p *Prober) searchBoardDetails(ctx context.Context, boardID, accessToken string) (string, bool) {
	raw, err := p.boards.GetBoardRaw(ctx, accessToken, boardID)
	if err != nil {
		p.logger.Debug("board details fetch failed", zap.String("board_id", boardID), zap.Error(err))
		return "", false
	}
	return p.searchPayload(raw)
}

func (p *Prober) searchPayload(raw json.RawMessage) (string, bool) {
	var root any
	if err := json.Unmarshal(raw, &root); err != nil {
		p.logger.Debug("board payload not decodable", zap.Error(err))
		return "", false
	}
	return findViewerURL(root, p.pattern)
}

func (p *Prober) searchLinks(raw json.RawMessage) (string, bool) {
	var root any
	if err := json.Unmarshal(raw, &root); err != nil {
		p.logger.Debug("link payload not decodable", zap.Error(err))
		return "", false
	}
	if url, ok := bestTypedLinkURL(root, p.pattern); ok {
		return url, true
	}
	return findViewerURL(root, p.pattern)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
