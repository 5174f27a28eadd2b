package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/reflector/internal/faults"
	"github.com/MarcoPoloResearchLab/reflector/internal/recordstore"
	"go.uber.org/zap"
)

// RegisterRequest describes one mapping registration.
type RegisterRequest struct {
	ProjectRef  string
	UserRef     string
	Purpose     string
	BoardID     string
	BoardURL    string
	WorkspaceID string
	IsPrimary   bool
}

// Register persists the mapping, updating an existing row for the same
// (project, user, purpose, board) or creating one with the ordered
// shape-attempt strategy. The in-process cache is refreshed write-through
// on every success.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (Mapping, error) {
	if req.ProjectRef == "" || req.BoardID == "" {
		return Mapping{}, faults.New(faults.CodeMissingRequiredField, "register_mapping",
			errors.New("project reference and board id are required"))
	}

	purpose := normalizePurpose(req.Purpose)
	userRef := req.UserRef
	if userRef == "" {
		userRef = AnonymousUser
	}

	projectKey, keyResolved := r.resolveProjectKey(ctx, req.ProjectRef)
	linkKey := req.ProjectRef
	if keyResolved {
		linkKey = projectKey
	}

	existing, found, err := r.findMappingByBoard(ctx, req.BoardID, purpose, userRef)
	if err != nil {
		return Mapping{}, err
	}

	var mapping Mapping
	if found {
		mapping, err = r.updateExisting(ctx, existing, req)
	} else {
		mapping, err = r.createMapping(ctx, req, purpose, userRef, linkKey, keyResolved)
	}
	if err != nil {
		return Mapping{}, err
	}

	r.cache.set(cacheKey(req.ProjectRef, req.UserRef, purpose), mapping)
	return mapping, nil
}

func (r *Registry) updateExisting(ctx context.Context, existing Mapping, req RegisterRequest) (Mapping, error) {
	fields := map[string]any{
		fieldIsPrimary: req.IsPrimary,
		fieldIsActive:  true,
	}
	if req.BoardURL != "" {
		fields[fieldBoardURL] = req.BoardURL
	}
	if req.WorkspaceID != "" {
		fields[fieldWorkspaceID] = req.WorkspaceID
	}

	if err := r.records.Update(ctx, r.mappingsTable, existing.RecordID, fields); err != nil {
		return Mapping{}, err
	}

	existing.IsPrimary = req.IsPrimary
	existing.IsActive = true
	if req.BoardURL != "" {
		existing.BoardURL = req.BoardURL
	}
	if req.WorkspaceID != "" {
		existing.WorkspaceID = req.WorkspaceID
	}
	r.logger.Info("board mapping updated",
		zap.String("record_id", existing.RecordID),
		zap.String("board_id", existing.BoardID))
	return existing, nil
}

func (r *Registry) createMapping(ctx context.Context, req RegisterRequest, purpose, userRef, linkKey string, keyResolved bool) (Mapping, error) {
	createdAt := r.clock().UTC()
	fields := map[string]any{
		fieldUserRef:   userRef,
		fieldPurpose:   purpose,
		fieldBoardID:   req.BoardID,
		fieldIsPrimary: req.IsPrimary,
		fieldIsActive:  true,
		fieldCreatedAt: createdAt.Format(time.RFC3339),
	}
	if req.BoardURL != "" {
		fields[fieldBoardURL] = req.BoardURL
	}
	if req.WorkspaceID != "" {
		fields[fieldWorkspaceID] = req.WorkspaceID
	}

	link := recordstore.LinkSpec{Field: fieldProject, Key: linkKey}
	record, attempts, err := r.records.CreateWithShapes(ctx, r.mappingsTable, link, fields)
	if err != nil {
		if code, ok := faults.CodeOf(err); ok && code == faults.CodeSchemaMismatch {
			return Mapping{}, faults.New(faults.CodeSchemaMismatch, "register_mapping", err)
		}
		return Mapping{}, err
	}

	acceptedShape := ""
	if len(attempts) > 0 {
		acceptedShape = attempts[len(attempts)-1].Shape
	}

	// A degraded-shape create still gets a best-effort corrective write
	// re-asserting the structured link when a canonical key exists.
	if keyResolved && acceptedShape != "structured-link-object" && acceptedShape != "structured-link-array" {
		if err := r.records.LinkProject(ctx, r.mappingsTable, record.ID, link); err != nil {
			r.logger.Warn("corrective project link failed",
				zap.String("record_id", record.ID), zap.Error(err))
		}
	}

	r.logger.Info("board mapping created",
		zap.String("record_id", record.ID),
		zap.String("board_id", req.BoardID),
		zap.String("shape", acceptedShape))

	return Mapping{
		RecordID:    record.ID,
		ProjectRef:  req.ProjectRef,
		UserRef:     userRef,
		Purpose:     purpose,
		BoardID:     req.BoardID,
		BoardURL:    req.BoardURL,
		WorkspaceID: req.WorkspaceID,
		IsPrimary:   req.IsPrimary,
		IsActive:    true,
		CreatedAt:   createdAt,
	}, nil
}

// resolveProjectKey best-effort maps an arbitrary project reference to the
// store's canonical record id. Absence of a match is tolerated.
func (r *Registry) resolveProjectKey(ctx context.Context, projectRef string) (string, bool) {
	if r.projectsTable == "" || projectRef == "" {
		return "", false
	}
	for _, field := range projectLookupFields {
		records, err := r.records.List(ctx, r.projectsTable, whereEquals([2]string{field, projectRef}))
		if err != nil {
			r.logger.Warn("project key lookup failed",
				zap.String("field", field), zap.Error(err))
			continue
		}
		for _, record := range records {
			if record.ID != "" {
				return record.ID, true
			}
		}
	}
	return "", false
}

// CacheSideEntry writes the last-known-good denormalized mapping for
// (user, project) to the durable key-value store.
func (r *Registry) CacheSideEntry(ctx context.Context, userRef, projectRef string, mapping Mapping) error {
	if userRef == "" || projectRef == "" {
		return fmt.Errorf("registry: side cache requires user and project")
	}
	encoded, err := json.Marshal(sideEntry{
		BoardID:     mapping.BoardID,
		BoardURL:    mapping.BoardURL,
		WorkspaceID: mapping.WorkspaceID,
	})
	if err != nil {
		return fmt.Errorf("registry: encode side-cache entry: %w", err)
	}
	return r.kv.Put(ctx, sideCacheKey(userRef, projectRef), string(encoded))
}

// InvalidateResolution drops the in-process cache entry for the key.
func (r *Registry) InvalidateResolution(projectRef, userRef, purpose string) {
	r.cache.invalidate(cacheKey(projectRef, userRef, normalizePurpose(purpose)))
}
