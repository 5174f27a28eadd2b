package probe

import (
	"reflect"
	"regexp"
	"strings"
)

// Candidate keys that may carry the viewer URL, ordered by how recent the
// API version that used them is. The exact field name is not contractually
// stable, so the search prefers these keys and falls back to any string
// matching the viewer-URL shape.
var viewerURLKeys = []string{
	"viewLink",
	"viewerLink",
	"viewer_url",
	"view_link",
	"shareUrl",
	"publicUrl",
	"url",
}

// Keys a link entry's type may live under, plus the substring that marks a
// viewer-grade link.
var (
	linkTypeKeys      = []string{"type", "kind", "role"}
	viewerTypeMarker  = "view"
	linkCollectionKey = []string{"data", "items", "links", "results"}
)

// findViewerURL breadth-first searches a decoded JSON value tree for a
// string matching the viewer-URL pattern. Candidate keys on each object are
// checked before descending, so a shallow well-named field beats a deep
// incidental match. The walk is cycle-guarded by container identity.
func findViewerURL(root any, pattern *regexp.Regexp) (string, bool) {
	visited := make(map[uintptr]struct{})
	queue := []any{root}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		switch typed := node.(type) {
		case string:
			if pattern.MatchString(typed) {
				return typed, true
			}
		case map[string]any:
			if entered := markVisited(visited, typed); !entered {
				continue
			}
			for _, key := range viewerURLKeys {
				if text, ok := typed[key].(string); ok && pattern.MatchString(text) {
					return text, true
				}
			}
			for _, value := range typed {
				queue = append(queue, value)
			}
		case []any:
			if entered := markVisited(visited, typed); !entered {
				continue
			}
			queue = append(queue, typed...)
		}
	}
	return "", false
}

// bestTypedLinkURL scans a link-list payload for the best viewer-grade
// entry. Entries typed as viewer links win; otherwise any entry whose URL
// matches the pattern is accepted.
func bestTypedLinkURL(root any, pattern *regexp.Regexp) (string, bool) {
	entries := linkEntries(root)

	for _, entry := range entries {
		if !isViewerTyped(entry) {
			continue
		}
		if url, ok := entryURL(entry, pattern); ok {
			return url, true
		}
	}
	for _, entry := range entries {
		if url, ok := entryURL(entry, pattern); ok {
			return url, true
		}
	}
	return "", false
}

func linkEntries(root any) []map[string]any {
	list, ok := root.([]any)
	if !ok {
		object, isObject := root.(map[string]any)
		if !isObject {
			return nil
		}
		for _, key := range linkCollectionKey {
			if nested, present := object[key].([]any); present {
				list = nested
				break
			}
		}
	}

	entries := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if entry, isMap := item.(map[string]any); isMap {
			entries = append(entries, entry)
		}
	}
	return entries
}

func isViewerTyped(entry map[string]any) bool {
	for _, key := range linkTypeKeys {
		if text, ok := entry[key].(string); ok && containsFold(text, viewerTypeMarker) {
			return true
		}
	}
	return false
}

func entryURL(entry map[string]any, pattern *regexp.Regexp) (string, bool) {
	for _, key := range viewerURLKeys {
		if text, ok := entry[key].(string); ok && pattern.MatchString(text) {
			return text, true
		}
	}
	return "", false
}

func markVisited(visited map[uintptr]struct{}, container any) bool {
	pointer := reflect.ValueOf(container).Pointer()
	if _, seen := visited[pointer]; seen {
		return false
	}
	visited[pointer] = struct{}{}
	return true
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), needle)
}
