package recordstore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/reflector/internal/faults"
	"go.uber.org/zap"
)

// AttemptOutcome classifies one payload-shape attempt against the store.
type AttemptOutcome int

const (
	// Accepted means the store took the write.
	Accepted AttemptOutcome = iota
	// RejectedRetryable means the shape was refused but the next one may work.
	RejectedRetryable
	// RejectedFatal means further shapes cannot help (auth, outage).
	RejectedFatal
)

// ShapeAttempt records the outcome of one shape for diagnostics.
type ShapeAttempt struct {
	Shape   string
	Status  int
	Body    string
	Outcome AttemptOutcome
}

// LinkSpec names the link field and the canonical key a create should
// attach the record to. An empty Key means no project linkage was resolved.
type LinkSpec struct {
	Field string
	Key   string
}

type payloadShape struct {
	name  string
	build func(link LinkSpec, fields map[string]any) map[string]any
}

// Creation shapes in trust order. The store's link column may be configured
// as a relation (object or array form) or as plain text; the last shape
// drops the linkage entirely so the mapping row is never lost to a
// misconfigured column.
var createShapes = []payloadShape{
	{
		name: "structured-link-object",
		build: func(link LinkSpec, fields map[string]any) map[string]any {
			payload := cloneFields(fields)
			payload[link.Field] = map[string]any{"id": link.Key}
			return payload
		},
	},
	{
		name: "structured-link-array",
		build: func(link LinkSpec, fields map[string]any) map[string]any {
			payload := cloneFields(fields)
			payload[link.Field] = []any{map[string]any{"id": link.Key}}
			return payload
		},
	},
	{
		name: "bare-scalar-text",
		build: func(link LinkSpec, fields map[string]any) map[string]any {
			payload := cloneFields(fields)
			payload[link.Field] = link.Key
			return payload
		},
	},
	{
		name: "unlinked",
		build: func(_ LinkSpec, fields map[string]any) map[string]any {
			return cloneFields(fields)
		},
	},
}

// Error-code markers the store is known to emit for link-column mismatches.
// Matched only when the status alone is not conclusive.
var retryableBodyMarkers = []string{"INVALID_LINK", "FIELD_TYPE_MISMATCH", "LTAR"}

// CreateWithShapes inserts a record trying each payload shape in order and
// returns the accepted record plus the attempt trail. Exhausting all shapes
// is a SchemaMismatch naming the table and link field.
func (c *Client) CreateWithShapes(ctx context.Context, table string, link LinkSpec, fields map[string]any) (Record, []ShapeAttempt, error) {
	shapes := createShapes
	if link.Key == "" || link.Field == "" {
		shapes = createShapes[len(createShapes)-1:]
	}

	attempts := make([]ShapeAttempt, 0, len(shapes))
	path := "/tables/" + url.PathEscape(table) + "/records"

	for _, shape := range shapes {
		payload := shape.build(link, fields)
		status, body, err := c.request(ctx, http.MethodPost, path, payload)
		if err != nil {
			return Record{}, attempts, faults.New(faults.CodeUpstreamUnavailable, "", err)
		}

		attempt := ShapeAttempt{Shape: shape.name, Status: status, Body: snippet(body)}
		attempt.Outcome = classifyWriteRejection(status, body)
		attempts = append(attempts, attempt)

		switch attempt.Outcome {
		case Accepted:
			record, err := decodeRecord(body)
			if err != nil {
				return Record{}, attempts, fmt.Errorf("recordstore: decode created %s record: %w", table, err)
			}
			c.logger.Debug("record created",
				zap.String("table", table),
				zap.String("shape", shape.name))
			return record, attempts, nil
		case RejectedRetryable:
			c.logger.Warn("record create shape rejected",
				zap.String("table", table),
				zap.String("shape", shape.name),
				zap.Int("status", status),
				zap.String("body", attempt.Body))
			continue
		case RejectedFatal:
			err := fmt.Errorf("recordstore: create %s rejected with status %d: %s", table, status, attempt.Body)
			if status >= 500 {
				return Record{}, attempts, faults.New(faults.CodeUpstreamUnavailable, "", err)
			}
			return Record{}, attempts, err
		}
	}

	return Record{}, attempts, faults.New(faults.CodeSchemaMismatch, "",
		fmt.Errorf("recordstore: table %q rejected every create shape for field %q", table, link.Field))
}

// LinkProject re-asserts the structured project link on an existing record.
// Used as a best-effort corrective write after a degraded-shape create.
func (c *Client) LinkProject(ctx context.Context, table, recordID string, link LinkSpec) error {
	if link.Key == "" || link.Field == "" {
		return nil
	}
	payload := map[string]any{link.Field: []any{map[string]any{"id": link.Key}}}
	return c.Update(ctx, table, recordID, payload)
}

func classifyWriteRejection(status int, body []byte) AttemptOutcome {
	switch {
	case status >= 200 && status < 300:
		return Accepted
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return RejectedRetryable
	case status >= 500:
		return RejectedFatal
	}

	text := strings.ToUpper(string(body))
	for _, marker := range retryableBodyMarkers {
		if strings.Contains(text, marker) {
			return RejectedRetryable
		}
	}
	return RejectedFatal
}

func cloneFields(fields map[string]any) map[string]any {
	cloned := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		cloned[key] = value
	}
	return cloned
}
