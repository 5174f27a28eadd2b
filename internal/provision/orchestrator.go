package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/reflector/internal/boardapi"
	"github.com/MarcoPoloResearchLab/reflector/internal/faults"
	"github.com/MarcoPoloResearchLab/reflector/internal/registry"
	"go.uber.org/zap"
)

// Named steps of the setup workflow. Failures carry the step they occurred
// in; steps after board creation are best-effort except register_mapping.
const (
	StepAuthenticate    = "authenticate"
	StepVerifyWorkspace = "verify_workspace"
	StepResolveIdentity = "resolve_identity"
	StepEnsureRoom      = "ensure_room"
	StepEnsureFolder    = "ensure_folder"
	StepCreateBoard     = "create_or_duplicate_board"
	StepUpdateLabel     = "update_board_label"
	StepProbeViewerURL  = "probe_viewer_url"
	StepRegisterMapping = "register_mapping"
	StepCacheSideEntry  = "cache_side_entry"
)

// Setup outcome statuses. Pending means the board exists but its viewer URL
// was not yet available; both are success outcomes.
const (
	StatusComplete = "complete"
	StatusPending  = "pending"
)

var (
	errMissingBoards   = errors.New("board client is required")
	errMissingTokens   = errors.New("token broker is required")
	errMissingRegistry = errors.New("mapping registry is required")
	errMissingProber   = errors.New("viewer link prober is required")
)

// BoardClient is the slice of the board API the orchestrator consumes.
type BoardClient interface {
	Me(ctx context.Context, accessToken string) (boardapi.Profile, error)
	Workspaces(ctx context.Context, accessToken string) ([]boardapi.Workspace, error)
	Rooms(ctx context.Context, accessToken, workspaceID string) ([]boardapi.Room, error)
	CreateRoom(ctx context.Context, accessToken, workspaceID, name string) (boardapi.Room, error)
	Folders(ctx context.Context, accessToken, roomID string) ([]boardapi.Folder, error)
	CreateFolder(ctx context.Context, accessToken, roomID, name string) (boardapi.Folder, error)
	CreateBoard(ctx context.Context, accessToken, folderID, name string) (boardapi.Board, error)
	DuplicateBoard(ctx context.Context, accessToken, templateBoardID, folderID, name string) (boardapi.Board, error)
	RenameBoard(ctx context.Context, accessToken, boardID, name string) error
}

// TokenBroker wraps calls with a valid access token.
type TokenBroker interface {
	WithValidAccess(ctx context.Context, user string, fn func(ctx context.Context, accessToken string) error) error
}

// MappingRegistry persists the board mapping and the side-cache entry.
type MappingRegistry interface {
	Register(ctx context.Context, req registry.RegisterRequest) (registry.Mapping, error)
	CacheSideEntry(ctx context.Context, userRef, projectRef string, mapping registry.Mapping) error
}

// ViewerProber polls for the board's shareable URL within a bounded budget.
type ViewerProber interface {
	Await(ctx context.Context, boardID, accessToken string) (string, bool, error)
}

// Config bundles dependencies for the orchestrator.
type Config struct {
	Boards              BoardClient
	Tokens              TokenBroker
	Registry            MappingRegistry
	Prober              ViewerProber
	AllowedWorkspaceIDs []string
	TemplateBoardID     string
	RoomName            string
	BoardLabel          string
	Logger              *zap.Logger
}

// Orchestrator runs the linear multi-step board provisioning workflow.
type Orchestrator struct {
	boards     BoardClient
	tokens     TokenBroker
	registry   MappingRegistry
	prober     ViewerProber
	allowed    map[string]struct{}
	templateID string
	roomName   string
	boardLabel string
	logger     *zap.Logger
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Boards == nil {
		return nil, fmt.Errorf("provision: %w", errMissingBoards)
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("provision: %w", errMissingTokens)
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("provision: %w", errMissingRegistry)
	}
	if cfg.Prober == nil {
		return nil, fmt.Errorf("provision: %w", errMissingProber)
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedWorkspaceIDs))
	for _, id := range cfg.AllowedWorkspaceIDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}

	roomName := cfg.RoomName
	if roomName == "" {
		roomName = "Research Boards"
	}
	boardLabel := cfg.BoardLabel
	if boardLabel == "" {
		boardLabel = "Reflexive Journal"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		boards:     cfg.Boards,
		tokens:     cfg.Tokens,
		registry:   cfg.Registry,
		prober:     cfg.Prober,
		allowed:    allowed,
		templateID: cfg.TemplateBoardID,
		roomName:   roomName,
		boardLabel: boardLabel,
		logger:     logger,
	}, nil
}

// Identity is the verified profile and workspace for a user.
type Identity struct {
	Profile   boardapi.Profile
	Workspace boardapi.Workspace
}

// SetupRequest describes one board provisioning run.
type SetupRequest struct {
	User              string
	ProjectRef        string
	ProjectName       string
	WorkspaceOverride string
}

// SetupResult is the success outcome of a provisioning run.
type SetupResult struct {
	Status      string
	BoardID     string
	BoardURL    string
	WorkspaceID string
}

// VerifyIdentity confirms the user authenticates and belongs to an allowed
// workspace.
func (o *Orchestrator) VerifyIdentity(ctx context.Context, user string) (Identity, error) {
	var identity Identity
	err := o.tokens.WithValidAccess(ctx, user, func(ctx context.Context, accessToken string) error {
		workspace, err := o.verifyWorkspace(ctx, accessToken, "")
		if err != nil {
			return err
		}
		profile, err := o.boards.Me(ctx, accessToken)
		if err != nil {
			return stepFault(StepResolveIdentity, err)
		}
		identity = Identity{Profile: profile, Workspace: workspace}
		return nil
	})
	if err != nil {
		return Identity{}, err
	}
	return identity, nil
}

// SetupBoard provisions a board for the project and registers its mapping.
// Only steps up to and including board creation (plus the mapping write)
// can fail the operation; the rest degrade to warnings.
func (o *Orchestrator) SetupBoard(ctx context.Context, req SetupRequest) (SetupResult, error) {
	if req.User == "" || req.ProjectRef == "" || req.ProjectName == "" {
		return SetupResult{}, faults.New(faults.CodeMissingRequiredField, StepAuthenticate,
			errors.New("user, project, and project name are required"))
	}

	var result SetupResult
	err := o.tokens.WithValidAccess(ctx, req.User, func(ctx context.Context, accessToken string) error {
		inner, err := o.runSetup(ctx, accessToken, req)
		if err != nil {
			return err
		}
		result = inner
		return nil
	})
	if err != nil {
		return SetupResult{}, err
	}
	return result, nil
}

func (o *Orchestrator) runSetup(ctx context.Context, accessToken string, req SetupRequest) (SetupResult, error) {
	workspace, err := o.verifyWorkspace(ctx, accessToken, req.WorkspaceOverride)
	if err != nil {
		return SetupResult{}, err
	}

	profile, err := o.boards.Me(ctx, accessToken)
	if err != nil {
		return SetupResult{}, stepFault(StepResolveIdentity, err)
	}

	room, err := o.ensureRoom(ctx, accessToken, workspace.ID)
	if err != nil {
		return SetupResult{}, stepFault(StepEnsureRoom, err)
	}

	folder, err := o.ensureFolder(ctx, accessToken, room.ID, req.ProjectName)
	if err != nil {
		return SetupResult{}, stepFault(StepEnsureFolder, err)
	}

	boardName := req.ProjectName + " - " + o.boardLabel
	board, err := o.createOrDuplicateBoard(ctx, accessToken, folder.ID, boardName)
	if err != nil {
		return SetupResult{}, stepFault(StepCreateBoard, err)
	}

	o.logger.Info("board provisioned",
		zap.String("board_id", board.ID),
		zap.String("project", req.ProjectRef),
		zap.String("user", profile.ID),
		zap.String("workspace", workspace.ID))

	if err := o.boards.RenameBoard(ctx, accessToken, board.ID, boardName); err != nil {
		o.logger.Warn("board label update failed",
			zap.String("step", StepUpdateLabel),
			zap.String("board_id", board.ID), zap.Error(err))
	}

	boardURL := board.ViewLink
	if boardURL == "" {
		url, ok, probeErr := o.prober.Await(ctx, board.ID, accessToken)
		if probeErr != nil {
			return SetupResult{}, probeErr
		}
		if ok {
			boardURL = url
		} else {
			o.logger.Warn("viewer url not yet available",
				zap.String("step", StepProbeViewerURL),
				zap.String("board_id", board.ID))
		}
	}

	mapping, err := o.registry.Register(ctx, registry.RegisterRequest{
		ProjectRef:  req.ProjectRef,
		UserRef:     req.User,
		Purpose:     registry.PurposeReflexiveJournal,
		BoardID:     board.ID,
		BoardURL:    boardURL,
		WorkspaceID: workspace.ID,
		IsPrimary:   true,
	})
	if err != nil {
		return SetupResult{}, stepFault(StepRegisterMapping, err)
	}

	if err := o.registry.CacheSideEntry(ctx, req.User, req.ProjectRef, mapping); err != nil {
		o.logger.Warn("side-cache write failed",
			zap.String("step", StepCacheSideEntry),
			zap.String("board_id", board.ID), zap.Error(err))
	}

	status := StatusComplete
	if boardURL == "" {
		status = StatusPending
	}
	return SetupResult{
		Status:      status,
		BoardID:     board.ID,
		BoardURL:    boardURL,
		WorkspaceID: workspace.ID,
	}, nil
}

// verifyWorkspace enforces tenant membership before any board-mutating
// call. An override must be both allowed and among the user's workspaces.
func (o *Orchestrator) verifyWorkspace(ctx context.Context, accessToken, override string) (boardapi.Workspace, error) {
	workspaces, err := o.boards.Workspaces(ctx, accessToken)
	if err != nil {
		return boardapi.Workspace{}, stepFault(StepVerifyWorkspace, err)
	}

	for _, workspace := range workspaces {
		if override != "" {
			if workspace.ID == override && o.workspaceAllowed(workspace.ID) {
				return workspace, nil
			}
			continue
		}
		if o.workspaceAllowed(workspace.ID) {
			return workspace, nil
		}
	}

	return boardapi.Workspace{}, faults.New(faults.CodeNotInAllowedWorkspace, StepVerifyWorkspace,
		fmt.Errorf("no allowed workspace among %d memberships", len(workspaces)))
}

func (o *Orchestrator) workspaceAllowed(workspaceID string) bool {
	if len(o.allowed) == 0 {
		return true
	}
	_, ok := o.allowed[workspaceID]
	return ok
}

// ensureRoom is an idempotent find-or-create by case-insensitive name.
func (o *Orchestrator) ensureRoom(ctx context.Context, accessToken, workspaceID string) (boardapi.Room, error) {
	rooms, err := o.boards.Rooms(ctx, accessToken, workspaceID)
	if err != nil {
		return boardapi.Room{}, err
	}
	for _, room := range rooms {
		if strings.EqualFold(strings.TrimSpace(room.Name), o.roomName) {
			return room, nil
		}
	}
	return o.boards.CreateRoom(ctx, accessToken, workspaceID, o.roomName)
}

// ensureFolder is an idempotent find-or-create by case-insensitive name.
func (o *Orchestrator) ensureFolder(ctx context.Context, accessToken, roomID, name string) (boardapi.Folder, error) {
	folders, err := o.boards.Folders(ctx, accessToken, roomID)
	if err != nil {
		return boardapi.Folder{}, err
	}
	for _, folder := range folders {
		if strings.EqualFold(strings.TrimSpace(folder.Name), strings.TrimSpace(name)) {
			return folder, nil
		}
	}
	return o.boards.CreateFolder(ctx, accessToken, roomID, name)
}

// createOrDuplicateBoard prefers duplicating the configured template. Only
// a missing duplicate endpoint downgrades to blank creation; any other
// duplication failure is fatal so real provisioning errors stay visible.
func (o *Orchestrator) createOrDuplicateBoard(ctx context.Context, accessToken, folderID, name string) (boardapi.Board, error) {
	if o.templateID == "" {
		return o.boards.CreateBoard(ctx, accessToken, folderID, name)
	}

	board, err := o.boards.DuplicateBoard(ctx, accessToken, o.templateID, folderID, name)
	if err == nil {
		return board, nil
	}
	if errors.Is(err, boardapi.ErrDuplicateUnsupported) {
		o.logger.Warn("duplicate endpoint unavailable; creating blank board",
			zap.String("template_board_id", o.templateID))
		return o.boards.CreateBoard(ctx, accessToken, folderID, name)
	}
	return boardapi.Board{}, err
}

// stepFault stamps the failing step onto uncoded errors. Remote failures
// surface as retryable upstream errors with the original diagnostics
// attached; coded errors keep their classification.
func stepFault(step string, err error) error {
	if err == nil {
		return nil
	}
	if code, ok := faults.CodeOf(err); ok {
		if faults.StepOf(err) == "" {
			return faults.New(code, step, err)
		}
		return err
	}
	if errors.Is(err, boardapi.ErrUnauthorized) {
		// Let the token broker translate this into its refresh cycle.
		return err
	}
	return faults.New(faults.CodeUpstreamUnavailable, step, err)
}
