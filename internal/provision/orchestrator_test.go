package provision

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MarcoPoloResearchLab/reflector/internal/boardapi"
	"github.com/MarcoPoloResearchLab/reflector/internal/faults"
	"github.com/MarcoPoloResearchLab/reflector/internal/registry"
)

type fakeTokens struct {
	token string
	err   error
}

func (f *fakeTokens) WithValidAccess(ctx context.Context, _ string, fn func(context.Context, string) error) error {
	if f.err != nil {
		return f.err
	}
	return fn(ctx, f.token)
}

type fakeBoardAPI struct {
	workspaces []boardapi.Workspace
	rooms      []boardapi.Room
	folders    []boardapi.Folder
	profile    boardapi.Profile

	duplicateErr error
	renameErr    error

	createdRooms   []string
	createdFolders []string
	createdBoards  []string
	duplicated     []string
	renamed        []string
	nextID         int
}

func (f *fakeBoardAPI) Me(context.Context, string) (boardapi.Profile, error) {
	return f.profile, nil
}

func (f *fakeBoardAPI) Workspaces(context.Context, string) ([]boardapi.Workspace, error) {
	return f.workspaces, nil
}

func (f *fakeBoardAPI) Rooms(context.Context, string, string) ([]boardapi.Room, error) {
	return f.rooms, nil
}

func (f *fakeBoardAPI) CreateRoom(_ context.Context, _, _, name string) (boardapi.Room, error) {
	f.nextID++
	room := boardapi.Room{ID: fmt.Sprintf("room-%d", f.nextID), Name: name}
	f.rooms = append(f.rooms, room)
	f.createdRooms = append(f.createdRooms, name)
	return room, nil
}

func (f *fakeBoardAPI) Folders(context.Context, string, string) ([]boardapi.Folder, error) {
	return f.folders, nil
}

func (f *fakeBoardAPI) CreateFolder(_ context.Context, _, _, name string) (boardapi.Folder, error) {
	f.nextID++
	folder := boardapi.Folder{ID: fmt.Sprintf("folder-%d", f.nextID), Name: name}
	f.folders = append(f.folders, folder)
	f.createdFolders = append(f.createdFolders, name)
	return folder, nil
}

func (f *fakeBoardAPI) CreateBoard(_ context.Context, _, _, name string) (boardapi.Board, error) {
	f.nextID++
	f.createdBoards = append(f.createdBoards, name)
	return boardapi.Board{ID: fmt.Sprintf("board-%d", f.nextID), Name: name}, nil
}

func (f *fakeBoardAPI) DuplicateBoard(_ context.Context, _, templateID, _, name string) (boardapi.Board, error) {
	if f.duplicateErr != nil {
		return boardapi.Board{}, f.duplicateErr
	}
	f.nextID++
	f.duplicated = append(f.duplicated, templateID)
	return boardapi.Board{ID: fmt.Sprintf("board-%d", f.nextID), Name: name}, nil
}

func (f *fakeBoardAPI) RenameBoard(_ context.Context, _, boardID, name string) error {
	if f.renameErr != nil {
		return f.renameErr
	}
	f.renamed = append(f.renamed, boardID+"="+name)
	return nil
}

type fakeRegistry struct {
	registered []registry.RegisterRequest
	cached     []string
	regErr     error
	cacheErr   error
}

func (f *fakeRegistry) Register(_ context.Context, req registry.RegisterRequest) (registry.Mapping, error) {
	if f.regErr != nil {
		return registry.Mapping{}, f.regErr
	}
	f.registered = append(f.registered, req)
	return registry.Mapping{
		RecordID:    "rec-1",
		ProjectRef:  req.ProjectRef,
		UserRef:     req.UserRef,
		Purpose:     req.Purpose,
		BoardID:     req.BoardID,
		BoardURL:    req.BoardURL,
		WorkspaceID: req.WorkspaceID,
		IsPrimary:   req.IsPrimary,
		IsActive:    true,
	}, nil
}

func (f *fakeRegistry) CacheSideEntry(_ context.Context, userRef, projectRef string, _ registry.Mapping) error {
	if f.cacheErr != nil {
		return f.cacheErr
	}
	f.cached = append(f.cached, userRef+"/"+projectRef)
	return nil
}

type fakeProber struct {
	url   string
	found bool
	err   error
	calls int
}

func (f *fakeProber) Await(context.Context, string, string) (string, bool, error) {
	f.calls++
	return f.url, f.found, f.err
}

func newTestOrchestrator(t *testing.T, boards *fakeBoardAPI, reg *fakeRegistry, prober *fakeProber, mutate func(*Config)) *Orchestrator {
	t.Helper()
	cfg := Config{
		Boards:              boards,
		Tokens:              &fakeTokens{token: "token"},
		Registry:            reg,
		Prober:              prober,
		AllowedWorkspaceIDs: []string{"ws-allowed"},
		RoomName:            "Research Boards",
		BoardLabel:          "Reflexive Journal",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	orchestrator, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return orchestrator
}

func defaultBoards() *fakeBoardAPI {
	return &fakeBoardAPI{
		workspaces: []boardapi.Workspace{
			{ID: "ws-other", Name: "Other"},
			{ID: "ws-allowed", Name: "Lab"},
		},
		profile: boardapi.Profile{ID: "user-1", Name: "Dana"},
	}
}

func TestSetupBoardProvisionsAndRegisters(t *testing.T) {
	boards := defaultBoards()
	reg := &fakeRegistry{}
	prober := &fakeProber{url: "https://boards.example.com/app/board/xyz", found: true}
	orchestrator := newTestOrchestrator(t, boards, reg, prober, nil)

	result, err := orchestrator.SetupBoard(context.Background(), SetupRequest{
		User:        "u1",
		ProjectRef:  "p1",
		ProjectName: "Alpha Study",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusComplete {
		t.Fatalf("expected complete status, got %#v", result)
	}
	if result.BoardID == "" || result.BoardURL != prober.url {
		t.Fatalf("unexpected result %#v", result)
	}
	if result.WorkspaceID != "ws-allowed" {
		t.Fatalf("expected allowed workspace, got %q", result.WorkspaceID)
	}

	if len(boards.createdRooms) != 1 || boards.createdRooms[0] != "Research Boards" {
		t.Fatalf("expected one room created, got %#v", boards.createdRooms)
	}
	if len(boards.createdFolders) != 1 || boards.createdFolders[0] != "Alpha Study" {
		t.Fatalf("expected project folder, got %#v", boards.createdFolders)
	}
	if len(boards.createdBoards) != 1 {
		t.Fatalf("expected one board, got %#v", boards.createdBoards)
	}

	if len(reg.registered) != 1 {
		t.Fatalf("expected one mapping registration, got %d", len(reg.registered))
	}
	mapping := reg.registered[0]
	if mapping.ProjectRef != "p1" || mapping.UserRef != "u1" || mapping.Purpose != registry.PurposeReflexiveJournal {
		t.Fatalf("unexpected registration %#v", mapping)
	}
	if !mapping.IsPrimary || mapping.BoardURL != prober.url {
		t.Fatalf("unexpected registration %#v", mapping)
	}
	if len(reg.cached) != 1 || reg.cached[0] != "u1/p1" {
		t.Fatalf("expected side-cache write, got %#v", reg.cached)
	}
}

func TestSetupBoardReusesExistingRoomAndFolder(t *testing.T) {
	boards := defaultBoards()
	boards.rooms = []boardapi.Room{{ID: "room-9", Name: "research boards"}}
	boards.folders = []boardapi.Folder{{ID: "folder-9", Name: "Alpha Study"}}
	reg := &fakeRegistry{}
	orchestrator := newTestOrchestrator(t, boards, reg, &fakeProber{found: true, url: "https://boards.example.com/app/board/a"}, nil)

	_, err := orchestrator.SetupBoard(context.Background(), SetupRequest{User: "u1", ProjectRef: "p1", ProjectName: "Alpha Study"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(boards.createdRooms) != 0 || len(boards.createdFolders) != 0 {
		t.Fatalf("expected name matching to reuse containers, got rooms=%#v folders=%#v",
			boards.createdRooms, boards.createdFolders)
	}
}

func TestSetupBoardFallsBackWhenDuplicateUnsupported(t *testing.T) {
	boards := defaultBoards()
	boards.duplicateErr = boardapi.ErrDuplicateUnsupported
	reg := &fakeRegistry{}
	orchestrator := newTestOrchestrator(t, boards, reg, &fakeProber{found: true, url: "https://boards.example.com/app/board/b"}, func(cfg *Config) {
		cfg.TemplateBoardID = "template-1"
	})

	result, err := orchestrator.SetupBoard(context.Background(), SetupRequest{User: "u1", ProjectRef: "p1", ProjectName: "Alpha Study"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(boards.duplicated) != 0 || len(boards.createdBoards) != 1 {
		t.Fatalf("expected blank creation fallback, got duplicated=%#v created=%#v",
			boards.duplicated, boards.createdBoards)
	}
	if result.BoardID == "" {
		t.Fatalf("expected board id, got %#v", result)
	}
}

func TestSetupBoardPropagatesOtherDuplicateFailures(t *testing.T) {
	boards := defaultBoards()
	boards.duplicateErr = errors.New("quota exceeded")
	orchestrator := newTestOrchestrator(t, boards, &fakeRegistry{}, &fakeProber{}, func(cfg *Config) {
		cfg.TemplateBoardID = "template-1"
	})

	_, err := orchestrator.SetupBoard(context.Background(), SetupRequest{User: "u1", ProjectRef: "p1", ProjectName: "Alpha Study"})
	if !faults.HasCode(err, faults.CodeUpstreamUnavailable) {
		t.Fatalf("expected upstream classification, got %v", err)
	}
	if faults.StepOf(err) != StepCreateBoard {
		t.Fatalf("expected failure stamped with the creation step, got %v", err)
	}
	if len(boards.createdBoards) != 0 {
		t.Fatalf("unexpected blank creation after a real duplication failure")
	}
}

func TestSetupBoardPendingWhenViewerURLAbsent(t *testing.T) {
	boards := defaultBoards()
	reg := &fakeRegistry{}
	orchestrator := newTestOrchestrator(t, boards, reg, &fakeProber{found: false}, nil)

	result, err := orchestrator.SetupBoard(context.Background(), SetupRequest{User: "u1", ProjectRef: "p1", ProjectName: "Alpha Study"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusPending || result.BoardURL != "" {
		t.Fatalf("expected pending result, got %#v", result)
	}
	if len(reg.registered) != 1 || reg.registered[0].BoardURL != "" {
		t.Fatalf("mapping should register without a url, got %#v", reg.registered)
	}
}

func TestSetupBoardRejectsDisallowedWorkspace(t *testing.T) {
	boards := defaultBoards()
	boards.workspaces = []boardapi.Workspace{{ID: "ws-other", Name: "Other"}}
	orchestrator := newTestOrchestrator(t, boards, &fakeRegistry{}, &fakeProber{}, nil)

	_, err := orchestrator.SetupBoard(context.Background(), SetupRequest{User: "u1", ProjectRef: "p1", ProjectName: "Alpha Study"})
	if !faults.HasCode(err, faults.CodeNotInAllowedWorkspace) {
		t.Fatalf("expected workspace rejection, got %v", err)
	}
	if len(boards.createdBoards) != 0 && len(boards.createdRooms) != 0 {
		t.Fatalf("no provisioning should happen outside allowed workspaces")
	}
}

func TestSetupBoardHonorsWorkspaceOverride(t *testing.T) {
	boards := defaultBoards()
	reg := &fakeRegistry{}
	orchestrator := newTestOrchestrator(t, boards, reg, &fakeProber{found: true, url: "https://boards.example.com/app/board/c"}, func(cfg *Config) {
		cfg.AllowedWorkspaceIDs = []string{"ws-other", "ws-allowed"}
	})

	result, err := orchestrator.SetupBoard(context.Background(), SetupRequest{
		User:              "u1",
		ProjectRef:        "p1",
		ProjectName:       "Alpha Study",
		WorkspaceOverride: "ws-allowed",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.WorkspaceID != "ws-allowed" {
		t.Fatalf("override should select the workspace, got %q", result.WorkspaceID)
	}
}

func TestSetupBoardBestEffortStepsDoNotFail(t *testing.T) {
	boards := defaultBoards()
	boards.renameErr = errors.New("rename forbidden")
	reg := &fakeRegistry{cacheErr: errors.New("kv down")}
	orchestrator := newTestOrchestrator(t, boards, reg, &fakeProber{found: true, url: "https://boards.example.com/app/board/d"}, nil)

	result, err := orchestrator.SetupBoard(context.Background(), SetupRequest{User: "u1", ProjectRef: "p1", ProjectName: "Alpha Study"})
	if err != nil {
		t.Fatalf("label and side-cache failures must not fail setup: %v", err)
	}
	if result.Status != StatusComplete {
		t.Fatalf("unexpected result %#v", result)
	}
}

func TestSetupBoardRegistrationFailureIsFatal(t *testing.T) {
	boards := defaultBoards()
	reg := &fakeRegistry{regErr: errors.New("records down")}
	orchestrator := newTestOrchestrator(t, boards, reg, &fakeProber{found: true, url: "https://boards.example.com/app/board/e"}, nil)

	_, err := orchestrator.SetupBoard(context.Background(), SetupRequest{User: "u1", ProjectRef: "p1", ProjectName: "Alpha Study"})
	if faults.StepOf(err) != StepRegisterMapping {
		t.Fatalf("expected mapping registration failure, got %v", err)
	}
}

func TestSetupBoardRequiresAuthentication(t *testing.T) {
	boards := defaultBoards()
	orchestrator := newTestOrchestrator(t, boards, &fakeRegistry{}, &fakeProber{}, func(cfg *Config) {
		cfg.Tokens = &fakeTokens{err: faults.New(faults.CodeNotAuthenticated, StepAuthenticate, errors.New("no tokens"))}
	})

	_, err := orchestrator.SetupBoard(context.Background(), SetupRequest{User: "u1", ProjectRef: "p1", ProjectName: "Alpha Study"})
	if !faults.HasCode(err, faults.CodeNotAuthenticated) {
		t.Fatalf("expected authentication failure, got %v", err)
	}
}

func TestVerifyIdentityReturnsProfileAndWorkspace(t *testing.T) {
	boards := defaultBoards()
	orchestrator := newTestOrchestrator(t, boards, &fakeRegistry{}, &fakeProber{}, nil)

	identity, err := orchestrator.VerifyIdentity(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if identity.Profile.ID != "user-1" || identity.Workspace.ID != "ws-allowed" {
		t.Fatalf("unexpected identity %#v", identity)
	}
}
