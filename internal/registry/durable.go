package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/reflector/internal/recordstore"
)

// Canonical field names used on writes. Reads go through the candidate
// tables below because deployed column names drift.
const (
	fieldProject     = "Project"
	fieldUserRef     = "UserRef"
	fieldPurpose     = "Purpose"
	fieldBoardID     = "BoardId"
	fieldBoardURL    = "BoardUrl"
	fieldWorkspaceID = "WorkspaceId"
	fieldIsPrimary   = "IsPrimary"
	fieldIsActive    = "IsActive"
	fieldCreatedAt   = "CreatedAt"
)

var (
	boardIDKeys     = []string{"BoardId", "board_id", "Board ID"}
	boardURLKeys    = []string{"BoardUrl", "board_url", "ViewerUrl", "Board URL"}
	workspaceIDKeys = []string{"WorkspaceId", "workspace_id", "Team"}
	userRefKeys     = []string{"UserRef", "user_ref", "User"}
	purposeKeys     = []string{"Purpose", "purpose"}
	isPrimaryKeys   = []string{"IsPrimary", "is_primary", "Primary"}
	isActiveKeys    = []string{"IsActive", "is_active", "Active"}
	createdAtKeys   = []string{"CreatedAt", "created_at", "Created"}
)

// Fields a project record may be looked up by when resolving the canonical
// project key, tried in order.
var projectLookupFields = []string{"Id", "Name", "ExternalKey", "Slug"}

func mappingFromRecord(record recordstore.Record) Mapping {
	mapping := Mapping{RecordID: record.ID}
	mapping.ProjectRef, _ = recordstore.StringField(record, recordstore.ProjectLinkKeys())
	mapping.UserRef, _ = recordstore.StringField(record, userRefKeys)
	mapping.Purpose, _ = recordstore.StringField(record, purposeKeys)
	mapping.BoardID, _ = recordstore.StringField(record, boardIDKeys)
	mapping.BoardURL, _ = recordstore.StringField(record, boardURLKeys)
	mapping.WorkspaceID, _ = recordstore.StringField(record, workspaceIDKeys)
	mapping.IsPrimary, _ = recordstore.BoolField(record, isPrimaryKeys)

	active, present := recordstore.BoolField(record, isActiveKeys)
	if !present {
		// Rows predating the soft-delete column count as active.
		active = true
	}
	mapping.IsActive = active

	if raw, ok := recordstore.StringField(record, createdAtKeys); ok {
		mapping.CreatedAt = parseStoredTime(raw)
	}
	return mapping
}

// parseStoredTime accepts RFC3339 or unix-second serializations; anything
// else sorts as the zero time.
func parseStoredTime(raw string) time.Time {
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed
	}
	if parsed, err := time.Parse("2006-01-02 15:04:05", raw); err == nil {
		return parsed
	}
	var seconds int64
	if _, err := fmt.Sscanf(raw, "%d", &seconds); err == nil && seconds > 0 {
		return time.Unix(seconds, 0).UTC()
	}
	return time.Time{}
}

func whereEquals(pairs ...[2]string) string {
	expr := ""
	for _, pair := range pairs {
		if pair[1] == "" {
			continue
		}
		clause := "(" + pair[0] + ",eq," + pair[1] + ")"
		if expr == "" {
			expr = clause
		} else {
			expr += "~and" + clause
		}
	}
	return expr
}

// listActiveMappings returns active rows for (project, purpose), narrowed by
// user when given, ranked by (isPrimary desc, createdAt desc).
func (r *Registry) listActiveMappings(ctx context.Context, projectRef, purpose, userRef string) ([]Mapping, error) {
	where := whereEquals(
		[2]string{fieldProject, projectRef},
		[2]string{fieldPurpose, purpose},
		[2]string{fieldUserRef, userRef},
	)
	records, err := r.records.List(ctx, r.mappingsTable, where)
	if err != nil {
		return nil, err
	}

	// A user-narrowed query with no rows falls back to any user's mapping
	// for the project.
	if len(records) == 0 && userRef != "" {
		records, err = r.records.List(ctx, r.mappingsTable, whereEquals(
			[2]string{fieldProject, projectRef},
			[2]string{fieldPurpose, purpose},
		))
		if err != nil {
			return nil, err
		}
	}

	mappings := make([]Mapping, 0, len(records))
	for _, record := range records {
		mapping := mappingFromRecord(record)
		if mapping.BoardID == "" || !mapping.IsActive {
			continue
		}
		mappings = append(mappings, mapping)
	}

	sort.SliceStable(mappings, func(i, j int) bool {
		if mappings[i].IsPrimary != mappings[j].IsPrimary {
			return mappings[i].IsPrimary
		}
		return mappings[i].CreatedAt.After(mappings[j].CreatedAt)
	})
	return mappings, nil
}

// findMappingByBoard locates an existing row for the idempotent-registration
// check.
func (r *Registry) findMappingByBoard(ctx context.Context, boardID, purpose, userRef string) (Mapping, bool, error) {
	where := whereEquals(
		[2]string{fieldBoardID, boardID},
		[2]string{fieldPurpose, purpose},
		[2]string{fieldUserRef, userRef},
	)
	records, err := r.records.List(ctx, r.mappingsTable, where)
	if err != nil {
		return Mapping{}, false, err
	}
	for _, record := range records {
		mapping := mappingFromRecord(record)
		if mapping.BoardID == boardID {
			return mapping, true, nil
		}
	}
	return Mapping{}, false, nil
}
