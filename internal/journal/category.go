package journal

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/reflector/internal/boardapi"
	"github.com/MarcoPoloResearchLab/reflector/internal/faults"
)

// Category classifies a journal note's content area on the board.
// The set is closed; anything else is rejected.
type Category string

const (
	CategoryObservation Category = "observation"
	CategoryMethod      Category = "method"
	CategoryTheory      Category = "theory"
	CategoryEthics      Category = "ethics"
	CategoryReflection  Category = "reflection"
)

// Categories returns the closed category set in board order.
func Categories() []Category {
	return []Category{
		CategoryObservation,
		CategoryMethod,
		CategoryTheory,
		CategoryEthics,
		CategoryReflection,
	}
}

// ParseCategory validates raw input against the closed set.
func ParseCategory(raw string) (Category, error) {
	normalized := Category(strings.ToLower(strings.TrimSpace(raw)))
	for _, category := range Categories() {
		if category == normalized {
			return category, nil
		}
	}
	return "", faults.New(faults.CodeUnsupportedCategory, "",
		fmt.Errorf("unknown category %q", raw))
}

func (c Category) String() string {
	return string(c)
}

// marker is the header line stamped onto notes this engine creates, and one
// of the two classification signals (the other being the category tag).
func (c Category) marker() string {
	return "[" + string(c) + "]"
}

// classifyWidget assigns a note to a category by its tag titles first, then
// by a marker header in its text. Unclassifiable notes return false.
func classifyWidget(widget boardapi.Widget, tagTitlesByID map[string]string) (Category, bool) {
	for _, tagID := range widget.TagIDs {
		title := strings.ToLower(strings.TrimSpace(tagTitlesByID[tagID]))
		for _, category := range Categories() {
			if title == string(category) {
				return category, true
			}
		}
	}

	firstLine := widget.Text
	if index := strings.IndexByte(firstLine, '\n'); index >= 0 {
		firstLine = firstLine[:index]
	}
	firstLine = strings.ToLower(strings.TrimSpace(firstLine))
	for _, category := range Categories() {
		if firstLine == category.marker() {
			return category, true
		}
	}
	return "", false
}

// noteBody strips the category header, leaving the journal content.
func noteBody(text string, category Category) string {
	trimmed := strings.TrimSpace(text)
	lowered := strings.ToLower(trimmed)
	if strings.HasPrefix(lowered, category.marker()) {
		return strings.TrimSpace(trimmed[len(category.marker()):])
	}
	return trimmed
}

// composeNote renders the stored note text: marker header plus body.
func composeNote(category Category, body string) string {
	return category.marker() + "\n" + strings.TrimSpace(body)
}

var errEmptyText = errors.New("journal text is required")
