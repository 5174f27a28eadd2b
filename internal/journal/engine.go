package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/reflector/internal/boardapi"
	"github.com/MarcoPoloResearchLab/reflector/internal/faults"
	"go.uber.org/zap"
)

// Placement constants. The grid gap and default anchor are fixed layout
// configuration, never computed from board contents.
const (
	gridGap           = 40.0
	anchorX           = 120.0
	anchorY           = 120.0
	defaultNoteWidth  = 320.0
	defaultNoteHeight = 240.0
)

// Actions reported in a sync outcome.
const (
	ActionUpdatedEmpty = "updated-empty"
	ActionCreatedNew   = "created-new"
)

var errMissingBoards = errors.New("board client is required")

// BoardAPI is the slice of the board client the engine consumes.
type BoardAPI interface {
	Widgets(ctx context.Context, accessToken, boardID string) ([]boardapi.Widget, error)
	CreateWidget(ctx context.Context, accessToken, boardID string, create boardapi.WidgetCreate) (boardapi.Widget, error)
	UpdateWidgetText(ctx context.Context, accessToken, boardID, widgetID, text string) error
	Tags(ctx context.Context, accessToken, boardID string) ([]boardapi.Tag, error)
	CreateTag(ctx context.Context, accessToken, boardID, title string) (boardapi.Tag, error)
	AttachTags(ctx context.Context, accessToken, boardID, widgetID string, tagIDs []string) error
}

// EngineConfig bundles dependencies for the sync engine.
type EngineConfig struct {
	Boards BoardAPI
	Logger *zap.Logger
}

// Engine finds or creates a positioned journal note in the right category
// and tags it.
type Engine struct {
	boards BoardAPI
	logger *zap.Logger
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Boards == nil {
		return nil, fmt.Errorf("journal: %w", errMissingBoards)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{boards: cfg.Boards, logger: logger}, nil
}

// SyncResult reports which widget received the entry and how.
type SyncResult struct {
	WidgetID string
	Action   string
}

// Sync writes one journal entry onto the board. Within the target category
// the visually lowest note wins selection; an empty selected note is
// reclaimed in place, otherwise a new note lands directly below it. Tag
// application is best-effort and never fails the sync.
func (e *Engine) Sync(ctx context.Context, accessToken, boardID, rawCategory, text string, tags []string) (SyncResult, error) {
	category, err := ParseCategory(rawCategory)
	if err != nil {
		return SyncResult{}, err
	}
	if strings.TrimSpace(text) == "" {
		return SyncResult{}, faults.New(faults.CodeMissingRequiredField, "", errEmptyText)
	}

	widgets, err := e.boards.Widgets(ctx, accessToken, boardID)
	if err != nil {
		return SyncResult{}, err
	}

	tagTitlesByID := e.loadTagTitles(ctx, accessToken, boardID)
	selected, found := selectLatestNote(widgets, category, tagTitlesByID)

	var result SyncResult
	switch {
	case found && noteBody(selected.Text, category) == "":
		// Reclaim the placeholder left by the board template.
		err = e.boards.UpdateWidgetText(ctx, accessToken, boardID, selected.ID, composeNote(category, text))
		if err != nil {
			return SyncResult{}, err
		}
		result = SyncResult{WidgetID: selected.ID, Action: ActionUpdatedEmpty}
	default:
		create := placementFor(selected, found)
		create.Type = boardapi.WidgetTypeNote
		create.Text = composeNote(category, text)
		widget, err := e.boards.CreateWidget(ctx, accessToken, boardID, create)
		if err != nil {
			return SyncResult{}, err
		}
		result = SyncResult{WidgetID: widget.ID, Action: ActionCreatedNew}
	}

	e.applyTags(ctx, accessToken, boardID, result.WidgetID, category, tags)

	e.logger.Info("journal entry synced",
		zap.String("board_id", boardID),
		zap.String("category", category.String()),
		zap.String("widget_id", result.WidgetID),
		zap.String("action", result.Action))
	return result, nil
}

// selectLatestNote picks the category's latest note: greatest vertical
// coordinate when any note carries a position, creation order otherwise.
func selectLatestNote(widgets []boardapi.Widget, category Category, tagTitlesByID map[string]string) (boardapi.Widget, bool) {
	var candidates []boardapi.Widget
	for _, widget := range widgets {
		if widget.Type != boardapi.WidgetTypeNote {
			continue
		}
		if assigned, ok := classifyWidget(widget, tagTitlesByID); ok && assigned == category {
			candidates = append(candidates, widget)
		}
	}
	if len(candidates) == 0 {
		return boardapi.Widget{}, false
	}

	selected := candidates[len(candidates)-1]
	positioned := false
	for _, candidate := range candidates {
		if !candidate.HasPosition {
			continue
		}
		if !positioned || candidate.Y > selected.Y {
			selected = candidate
			positioned = true
		}
	}
	return selected, true
}

// placementFor positions a new note directly below the selected one,
// inheriting its dimensions, or at the default anchor for an empty category.
func placementFor(selected boardapi.Widget, found bool) boardapi.WidgetCreate {
	if !found {
		return boardapi.WidgetCreate{
			X:      anchorX,
			Y:      anchorY,
			Width:  defaultNoteWidth,
			Height: defaultNoteHeight,
		}
	}

	width := selected.Width
	if width <= 0 {
		width = defaultNoteWidth
	}
	height := selected.Height
	if height <= 0 {
		height = defaultNoteHeight
	}

	x, y := anchorX, anchorY
	if selected.HasPosition {
		x = selected.X
		y = selected.Y + height + gridGap
	}
	return boardapi.WidgetCreate{X: x, Y: y, Width: width, Height: height}
}

func (e *Engine) loadTagTitles(ctx context.Context, accessToken, boardID string) map[string]string {
	tags, err := e.boards.Tags(ctx, accessToken, boardID)
	if err != nil {
		e.logger.Warn("board tags unavailable for classification",
			zap.String("board_id", boardID), zap.Error(err))
		return nil
	}
	titles := make(map[string]string, len(tags))
	for _, tag := range tags {
		titles[tag.ID] = tag.Title
	}
	return titles
}

// applyTags ensures the category tag plus any supplied tags exist on the
// board and attaches the set to the note. Failure is non-fatal.
func (e *Engine) applyTags(ctx context.Context, accessToken, boardID, widgetID string, category Category, tags []string) {
	wanted := append([]string{category.String()}, tags...)

	existing, err := e.boards.Tags(ctx, accessToken, boardID)
	if err != nil {
		e.logger.Warn("tag listing failed; skipping tag application",
			zap.String("board_id", boardID), zap.Error(err))
		return
	}
	byTitle := make(map[string]string, len(existing))
	for _, tag := range existing {
		byTitle[strings.ToLower(strings.TrimSpace(tag.Title))] = tag.ID
	}

	tagIDs := make([]string, 0, len(wanted))
	seen := make(map[string]struct{}, len(wanted))
	for _, title := range wanted {
		normalized := strings.ToLower(strings.TrimSpace(title))
		if normalized == "" {
			continue
		}
		if _, duplicate := seen[normalized]; duplicate {
			continue
		}
		seen[normalized] = struct{}{}

		tagID, ok := byTitle[normalized]
		if !ok {
			created, err := e.boards.CreateTag(ctx, accessToken, boardID, title)
			if err != nil {
				e.logger.Warn("tag creation failed",
					zap.String("board_id", boardID),
					zap.String("tag", title), zap.Error(err))
				continue
			}
			tagID = created.ID
		}
		tagIDs = append(tagIDs, tagID)
	}

	if len(tagIDs) == 0 {
		return
	}
	if err := e.boards.AttachTags(ctx, accessToken, boardID, widgetID, tagIDs); err != nil {
		e.logger.Warn("tag attachment failed",
			zap.String("board_id", boardID),
			zap.String("widget_id", widgetID), zap.Error(err))
	}
}
