package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/reflector/internal/faults"
	"go.uber.org/zap"
)

// ResolveQuery describes one resolution request. AccessToken is optional;
// when present it enables opportunistic liveness validation of mappings
// resolved from the durable store or the side cache.
type ResolveQuery struct {
	ProjectRef      string
	UserRef         string
	Purpose         string
	ExplicitBoardID string
	AccessToken     string
}

type sideEntry struct {
	BoardID     string `json:"board_id"`
	BoardURL    string `json:"board_url"`
	WorkspaceID string `json:"workspace_id"`
}

// Resolve returns the board mapping for the query, consulting sources in
// priority order: explicit id, in-process cache, durable store, side cache,
// deprecated global fallback. Absence is a NotFound fault.
func (r *Registry) Resolve(ctx context.Context, query ResolveQuery) (Mapping, error) {
	if query.ExplicitBoardID != "" {
		// Caller-asserted identity, returned verbatim without validation.
		return Mapping{
			ProjectRef: query.ProjectRef,
			UserRef:    query.UserRef,
			Purpose:    normalizePurpose(query.Purpose),
			BoardID:    query.ExplicitBoardID,
			IsActive:   true,
		}, nil
	}
	if query.ProjectRef == "" {
		return Mapping{}, faults.New(faults.CodeMissingRequiredField, "", errors.New("project reference is required"))
	}

	purpose := normalizePurpose(query.Purpose)
	key := cacheKey(query.ProjectRef, query.UserRef, purpose)

	if entry, ok := r.cache.get(key); ok {
		if entry.deleted {
			return Mapping{}, faults.New(faults.CodeNotFound, "", errors.New("board mapping tombstoned"))
		}
		return entry.mapping, nil
	}

	mapping, found, err := r.resolveDurable(ctx, query, purpose, key)
	if err != nil || found {
		return mapping, err
	}

	mapping, found, err = r.resolveSideCache(ctx, query, purpose, key)
	if err != nil || found {
		return mapping, err
	}

	if r.legacyBoardID != "" {
		r.logger.Warn("resolved via deprecated global fallback board",
			zap.String("project", query.ProjectRef),
			zap.String("board_id", r.legacyBoardID))
		return Mapping{
			ProjectRef: query.ProjectRef,
			UserRef:    query.UserRef,
			Purpose:    purpose,
			BoardID:    r.legacyBoardID,
			IsActive:   true,
		}, nil
	}

	return Mapping{}, faults.New(faults.CodeNotFound, "",
		fmt.Errorf("no board mapping for project %q purpose %q", query.ProjectRef, purpose))
}

func (r *Registry) resolveDurable(ctx context.Context, query ResolveQuery, purpose, key string) (Mapping, bool, error) {
	mappings, err := r.listActiveMappings(ctx, query.ProjectRef, purpose, query.UserRef)
	if err != nil {
		return Mapping{}, false, err
	}
	if len(mappings) == 0 {
		return Mapping{}, false, nil
	}

	top := mappings[0]
	if stale := r.detectStale(ctx, query.AccessToken, top); stale {
		r.markStale(ctx, key, query, top)
		return Mapping{}, true, faults.New(faults.CodeNotFound, "",
			fmt.Errorf("board %q is gone; mapping deactivated", top.BoardID))
	}

	r.cache.set(key, top)
	return top, true, nil
}

func (r *Registry) resolveSideCache(ctx context.Context, query ResolveQuery, purpose, key string) (Mapping, bool, error) {
	if query.UserRef == "" {
		return Mapping{}, false, nil
	}
	value, ok, err := r.kv.Get(ctx, sideCacheKey(query.UserRef, query.ProjectRef))
	if err != nil {
		return Mapping{}, false, err
	}
	if !ok {
		return Mapping{}, false, nil
	}

	var entry sideEntry
	if err := json.Unmarshal([]byte(value), &entry); err != nil || !r.sideEntryValid(entry) {
		r.logger.Warn("discarding malformed side-cache entry",
			zap.String("user", query.UserRef),
			zap.String("project", query.ProjectRef))
		return Mapping{}, false, nil
	}

	mapping := Mapping{
		ProjectRef:  query.ProjectRef,
		UserRef:     query.UserRef,
		Purpose:     purpose,
		BoardID:     entry.BoardID,
		BoardURL:    entry.BoardURL,
		WorkspaceID: entry.WorkspaceID,
		IsActive:    true,
	}

	if stale := r.detectStale(ctx, query.AccessToken, mapping); stale {
		r.markStale(ctx, key, query, mapping)
		return Mapping{}, true, faults.New(faults.CodeNotFound, "",
			fmt.Errorf("board %q is gone; side cache cleared", mapping.BoardID))
	}

	r.cache.set(key, mapping)
	return mapping, true, nil
}

func (r *Registry) sideEntryValid(entry sideEntry) bool {
	if entry.BoardID == "" {
		return false
	}
	if entry.BoardURL != "" && r.viewerPattern != nil && !r.viewerPattern.MatchString(entry.BoardURL) {
		return false
	}
	return true
}

// detectStale runs the opportunistic liveness probe. Only a definitive
// 404/410 counts as stale; transport failures leave the mapping trusted.
func (r *Registry) detectStale(ctx context.Context, accessToken string, mapping Mapping) bool {
	if accessToken == "" || r.boards == nil {
		return false
	}

	exists, err := r.boards.BoardExists(ctx, accessToken, mapping.BoardID)
	if err != nil {
		r.logger.Debug("board liveness probe inconclusive",
			zap.String("board_id", mapping.BoardID), zap.Error(err))
		return false
	}
	if !exists {
		return true
	}

	if mapping.BoardURL != "" {
		alive, err := r.boards.URLAlive(ctx, mapping.BoardURL)
		if err != nil {
			r.logger.Debug("board url probe inconclusive",
				zap.String("board_url", mapping.BoardURL), zap.Error(err))
			return false
		}
		return !alive
	}
	return false
}

// markStale soft-deletes the durable row, clears the side cache, and
// tombstones the in-process entry. Mappings are never reactivated.
func (r *Registry) markStale(ctx context.Context, key string, query ResolveQuery, mapping Mapping) {
	if mapping.RecordID != "" {
		err := r.records.Update(ctx, r.mappingsTable, mapping.RecordID, map[string]any{fieldIsActive: false})
		if err != nil {
			r.logger.Warn("failed to deactivate stale mapping",
				zap.String("record_id", mapping.RecordID), zap.Error(err))
		}
	}
	if query.UserRef != "" {
		if err := r.kv.Delete(ctx, sideCacheKey(query.UserRef, query.ProjectRef)); err != nil {
			r.logger.Warn("failed to clear side-cache entry",
				zap.String("user", query.UserRef), zap.Error(err))
		}
	}
	r.cache.tombstone(key)
	r.logger.Info("stale board mapping tombstoned",
		zap.String("project", query.ProjectRef),
		zap.String("board_id", mapping.BoardID))
}
