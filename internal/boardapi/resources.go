package boardapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// Profile identifies the authenticated board-API user.
type Profile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Workspace is the remote tenant boards live under.
type Workspace struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Room groups folders inside a workspace.
type Room struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Folder groups boards inside a room.
type Folder struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Board is the remote visual board.
type Board struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ViewLink string `json:"view_link"`
}

// BoardLink is one shareable link attached to a board.
type BoardLink struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Tag is a board-scoped label attachable to widgets.
type Tag struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Me returns the profile of the token's user.
func (c *Client) Me(ctx context.Context, accessToken string) (Profile, error) {
	raw, err := c.do(ctx, http.MethodGet, "/v1/users/me", accessToken, nil)
	if err != nil {
		return Profile{}, err
	}
	var profile Profile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return Profile{}, fmt.Errorf("boardapi: decode profile: %w", err)
	}
	return profile, nil
}

// Workspaces lists workspaces the user belongs to.
func (c *Client) Workspaces(ctx context.Context, accessToken string) ([]Workspace, error) {
	raw, err := c.do(ctx, http.MethodGet, "/v1/workspaces", accessToken, nil)
	if err != nil {
		return nil, err
	}
	var workspaces []Workspace
	if err := decodeList(raw, &workspaces); err != nil {
		return nil, fmt.Errorf("boardapi: decode workspaces: %w", err)
	}
	return workspaces, nil
}

// Rooms lists rooms inside a workspace.
func (c *Client) Rooms(ctx context.Context, accessToken, workspaceID string) ([]Room, error) {
	path := "/v1/rooms?workspace_id=" + url.QueryEscape(workspaceID)
	raw, err := c.do(ctx, http.MethodGet, path, accessToken, nil)
	if err != nil {
		return nil, err
	}
	var rooms []Room
	if err := decodeList(raw, &rooms); err != nil {
		return nil, fmt.Errorf("boardapi: decode rooms: %w", err)
	}
	return rooms, nil
}

// CreateRoom creates a named room inside a workspace.
func (c *Client) CreateRoom(ctx context.Context, accessToken, workspaceID, name string) (Room, error) {
	payload := map[string]string{"name": name, "workspace_id": workspaceID}
	raw, err := c.do(ctx, http.MethodPost, "/v1/rooms", accessToken, payload)
	if err != nil {
		return Room{}, err
	}
	var room Room
	if err := json.Unmarshal(raw, &room); err != nil {
		return Room{}, fmt.Errorf("boardapi: decode room: %w", err)
	}
	return room, nil
}

// Folders lists folders inside a room.
func (c *Client) Folders(ctx context.Context, accessToken, roomID string) ([]Folder, error) {
	raw, err := c.do(ctx, http.MethodGet, "/v1/rooms/"+url.PathEscape(roomID)+"/folders", accessToken, nil)
	if err != nil {
		return nil, err
	}
	var folders []Folder
	if err := decodeList(raw, &folders); err != nil {
		return nil, fmt.Errorf("boardapi: decode folders: %w", err)
	}
	return folders, nil
}

// CreateFolder creates a named folder inside a room.
func (c *Client) CreateFolder(ctx context.Context, accessToken, roomID, name string) (Folder, error) {
	payload := map[string]string{"name": name}
	raw, err := c.do(ctx, http.MethodPost, "/v1/rooms/"+url.PathEscape(roomID)+"/folders", accessToken, payload)
	if err != nil {
		return Folder{}, err
	}
	var folder Folder
	if err := json.Unmarshal(raw, &folder); err != nil {
		return Folder{}, fmt.Errorf("boardapi: decode folder: %w", err)
	}
	return folder, nil
}

// CreateBoard creates a blank named board inside a folder.
func (c *Client) CreateBoard(ctx context.Context, accessToken, folderID, name string) (Board, error) {
	payload := map[string]string{"name": name, "folder_id": folderID}
	raw, err := c.do(ctx, http.MethodPost, "/v1/boards", accessToken, payload)
	if err != nil {
		return Board{}, err
	}
	return decodeBoard(raw)
}

// DuplicateBoard copies a template board into a folder. A missing duplicate
// endpoint surfaces as ErrDuplicateUnsupported so callers can fall back to
// blank creation; every other failure propagates untouched.
func (c *Client) DuplicateBoard(ctx context.Context, accessToken, templateBoardID, folderID, name string) (Board, error) {
	payload := map[string]string{"name": name, "folder_id": folderID}
	path := "/v1/boards/" + url.PathEscape(templateBoardID) + "/duplicate"
	raw, err := c.do(ctx, http.MethodPost, path, accessToken, payload)
	if errors.Is(err, ErrNotFound) {
		return Board{}, fmt.Errorf("%w: %v", ErrDuplicateUnsupported, err)
	}
	if err != nil {
		return Board{}, err
	}
	return decodeBoard(raw)
}

// GetBoardRaw fetches full board details as an undecoded payload for
// defensive field searches.
func (c *Client) GetBoardRaw(ctx context.Context, accessToken, boardID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/v1/boards/"+url.PathEscape(boardID), accessToken, nil)
}

// BoardLinksRaw fetches the board's link list as an undecoded payload.
func (c *Client) BoardLinksRaw(ctx context.Context, accessToken, boardID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/v1/boards/"+url.PathEscape(boardID)+"/links", accessToken, nil)
}

// CreateViewerLink asks the board API to mint a shareable viewer link.
func (c *Client) CreateViewerLink(ctx context.Context, accessToken, boardID string) (json.RawMessage, error) {
	payload := map[string]string{"type": "viewer"}
	return c.do(ctx, http.MethodPost, "/v1/boards/"+url.PathEscape(boardID)+"/links", accessToken, payload)
}

// RenameBoard updates the board's display label.
func (c *Client) RenameBoard(ctx context.Context, accessToken, boardID, name string) error {
	payload := map[string]string{"name": name}
	_, err := c.do(ctx, http.MethodPatch, "/v1/boards/"+url.PathEscape(boardID), accessToken, payload)
	return err
}

// BoardExists probes the board id; 404/410 map to false without error.
func (c *Client) BoardExists(ctx context.Context, accessToken, boardID string) (bool, error) {
	_, err := c.do(ctx, http.MethodGet, "/v1/boards/"+url.PathEscape(boardID), accessToken, nil)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// URLAlive issues a HEAD request against an arbitrary URL; 404/410 map to
// false without error.
func (c *Client) URLAlive(ctx context.Context, target string) (bool, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return false, fmt.Errorf("boardapi: build head %s: %w", target, err)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return false, fmt.Errorf("boardapi: head %s: %w", target, err)
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusNotFound || response.StatusCode == http.StatusGone {
		return false, nil
	}
	return true, nil
}

// Widgets lists all widgets on a board.
func (c *Client) Widgets(ctx context.Context, accessToken, boardID string) ([]Widget, error) {
	raw, err := c.do(ctx, http.MethodGet, "/v1/boards/"+url.PathEscape(boardID)+"/widgets", accessToken, nil)
	if err != nil {
		return nil, err
	}
	var widgets []Widget
	if err := decodeList(raw, &widgets); err != nil {
		return nil, fmt.Errorf("boardapi: decode widgets: %w", err)
	}
	return widgets, nil
}

// CreateWidget creates a widget on a board.
func (c *Client) CreateWidget(ctx context.Context, accessToken, boardID string, create WidgetCreate) (Widget, error) {
	raw, err := c.do(ctx, http.MethodPost, "/v1/boards/"+url.PathEscape(boardID)+"/widgets", accessToken, create)
	if err != nil {
		return Widget{}, err
	}
	var widget Widget
	if err := json.Unmarshal(raw, &widget); err != nil {
		return Widget{}, fmt.Errorf("boardapi: decode widget: %w", err)
	}
	return widget, nil
}

// UpdateWidgetText overwrites a widget's text body in place.
func (c *Client) UpdateWidgetText(ctx context.Context, accessToken, boardID, widgetID, text string) error {
	payload := map[string]string{"text": text}
	path := "/v1/boards/" + url.PathEscape(boardID) + "/widgets/" + url.PathEscape(widgetID)
	_, err := c.do(ctx, http.MethodPatch, path, accessToken, payload)
	return err
}

// Tags lists the board's tags.
func (c *Client) Tags(ctx context.Context, accessToken, boardID string) ([]Tag, error) {
	raw, err := c.do(ctx, http.MethodGet, "/v1/boards/"+url.PathEscape(boardID)+"/tags", accessToken, nil)
	if err != nil {
		return nil, err
	}
	var tags []Tag
	if err := decodeList(raw, &tags); err != nil {
		return nil, fmt.Errorf("boardapi: decode tags: %w", err)
	}
	return tags, nil
}

// CreateTag creates a named tag on the board.
func (c *Client) CreateTag(ctx context.Context, accessToken, boardID, title string) (Tag, error) {
	payload := map[string]string{"title": title}
	raw, err := c.do(ctx, http.MethodPost, "/v1/boards/"+url.PathEscape(boardID)+"/tags", accessToken, payload)
	if err != nil {
		return Tag{}, err
	}
	var tag Tag
	if err := json.Unmarshal(raw, &tag); err != nil {
		return Tag{}, fmt.Errorf("boardapi: decode tag: %w", err)
	}
	return tag, nil
}

// AttachTags replaces the widget's tag set.
func (c *Client) AttachTags(ctx context.Context, accessToken, boardID, widgetID string, tagIDs []string) error {
	payload := map[string][]string{"tag_ids": tagIDs}
	path := "/v1/boards/" + url.PathEscape(boardID) + "/widgets/" + url.PathEscape(widgetID) + "/tags"
	_, err := c.do(ctx, http.MethodPost, path, accessToken, payload)
	return err
}

func decodeBoard(raw json.RawMessage) (Board, error) {
	var board Board
	if err := json.Unmarshal(raw, &board); err != nil {
		return Board{}, fmt.Errorf("boardapi: decode board: %w", err)
	}
	if board.ID == "" {
		return Board{}, fmt.Errorf("boardapi: board response missing id")
	}
	return board, nil
}
