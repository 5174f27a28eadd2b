package recordstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Candidate keys per logical field, most common first. The remote store's
// column names are per-deployment configuration, so reads tolerate every
// observed spelling. Kept as data, not scattered conditionals.
var (
	recordIDKeys      = []string{"id", "Id", "record_id"}
	listPayloadKeys   = []string{"list", "records", "data"}
	projectLinkKeys   = []string{"Project", "project", "project_id", "Projects"}
	projectNameKeys   = []string{"Name", "name", "Title", "Project Name"}
	projectExtKeyKeys = []string{"ExternalKey", "external_key", "Slug", "Key"}
)

// ProjectLinkKeys exposes the project link-field candidates for callers
// building filters.
func ProjectLinkKeys() []string { return projectLinkKeys }

// ProjectNameKeys exposes the project name-field candidates.
func ProjectNameKeys() []string { return projectNameKeys }

// ProjectAlternateKeys exposes alternate project identifier candidates.
func ProjectAlternateKeys() []string { return projectExtKeyKeys }

// StringField resolves the first candidate key present in the record's
// fields and coerces its value to a string. Structured link values reduce
// to their linked record id.
func StringField(record Record, candidates []string) (string, bool) {
	for _, key := range candidates {
		value, ok := record.Fields[key]
		if !ok || value == nil {
			continue
		}
		if text, ok := coerceString(value); ok {
			return text, true
		}
	}
	return "", false
}

// BoolField resolves the first candidate key present and coerces it to bool.
// The store may serialize booleans as true/false, 0/1, or "true"/"false".
func BoolField(record Record, candidates []string) (bool, bool) {
	for _, key := range candidates {
		value, ok := record.Fields[key]
		if !ok || value == nil {
			continue
		}
		switch typed := value.(type) {
		case bool:
			return typed, true
		case float64:
			return typed != 0, true
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(typed))
			if err == nil {
				return parsed, true
			}
		}
	}
	return false, false
}

func coerceString(value any) (string, bool) {
	switch typed := value.(type) {
	case string:
		trimmed := strings.TrimSpace(typed)
		return trimmed, trimmed != ""
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	case map[string]any:
		// Structured link: {"id": "..."} possibly with a display value.
		for _, key := range recordIDKeys {
			if nested, ok := typed[key]; ok {
				return coerceString(nested)
			}
		}
	case []any:
		if len(typed) > 0 {
			return coerceString(typed[0])
		}
	}
	return "", false
}

func decodeRecordList(raw []byte) ([]Record, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var rows []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &rows); err != nil {
			return nil, err
		}
		return decodeRows(rows)
	}

	var object map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &object); err != nil {
		return nil, err
	}
	for _, key := range listPayloadKeys {
		nested, ok := object[key]
		if !ok {
			continue
		}
		var rows []json.RawMessage
		if err := json.Unmarshal(nested, &rows); err != nil {
			return nil, err
		}
		return decodeRows(rows)
	}
	return nil, fmt.Errorf("no record list found in response")
}

func decodeRows(rows []json.RawMessage) ([]Record, error) {
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		record, err := decodeRecord(row)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// decodeRecord accepts both {"id": ..., "fields": {...}} and flat rows
// where the id sits alongside the data columns.
func decodeRecord(raw []byte) (Record, error) {
	var flat map[string]any
	if err := json.Unmarshal(raw, &flat); err != nil {
		return Record{}, err
	}

	record := Record{Fields: flat}
	if nested, ok := flat["fields"].(map[string]any); ok {
		record.Fields = nested
	}

	for _, key := range recordIDKeys {
		if value, ok := flat[key]; ok {
			if id, ok := coerceString(value); ok {
				record.ID = id
				break
			}
		}
	}
	return record, nil
}
