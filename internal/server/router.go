package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/reflector/internal/boardapi"
	"github.com/MarcoPoloResearchLab/reflector/internal/faults"
	"github.com/MarcoPoloResearchLab/reflector/internal/journal"
	"github.com/MarcoPoloResearchLab/reflector/internal/provision"
	"github.com/MarcoPoloResearchLab/reflector/internal/registry"
	"github.com/MarcoPoloResearchLab/reflector/internal/tokens"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingOAuthClient  = errors.New("oauth client dependency required")
	errMissingTokenVault   = errors.New("token vault dependency required")
	errMissingStateCodec   = errors.New("state codec dependency required")
	errMissingProvisioner  = errors.New("provisioner dependency required")
	errMissingResolver     = errors.New("board resolver dependency required")
	errMissingJournal      = errors.New("journal engine dependency required")
	errMissingReturnTarget = errors.New("return path must be relative")
)

// OAuthClient covers the authorization-code exchange with the board vendor.
type OAuthClient interface {
	AuthorizeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (boardapi.TokenGrant, error)
}

// TokenVault persists per-user token records.
type TokenVault interface {
	SaveGrant(ctx context.Context, user string, grant boardapi.TokenGrant) error
	Load(ctx context.Context, user string) (tokens.Record, bool, error)
	WithValidAccess(ctx context.Context, user string, fn func(ctx context.Context, accessToken string) error) error
}

// Provisioner runs the board setup workflow.
type Provisioner interface {
	VerifyIdentity(ctx context.Context, user string) (provision.Identity, error)
	SetupBoard(ctx context.Context, req provision.SetupRequest) (provision.SetupResult, error)
}

// BoardResolver answers which board serves a project.
type BoardResolver interface {
	Resolve(ctx context.Context, query registry.ResolveQuery) (registry.Mapping, error)
}

// JournalSyncer writes one journal entry onto a board.
type JournalSyncer interface {
	Sync(ctx context.Context, accessToken, boardID, category, text string, tags []string) (journal.SyncResult, error)
}

type Dependencies struct {
	OAuth       OAuthClient
	Tokens      TokenVault
	States      *StateCodec
	Provisioner Provisioner
	Resolver    BoardResolver
	Journal     JournalSyncer
	Logger      *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.OAuth == nil {
		return nil, errMissingOAuthClient
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenVault
	}
	if deps.States == nil {
		return nil, errMissingStateCodec
	}
	if deps.Provisioner == nil {
		return nil, errMissingProvisioner
	}
	if deps.Resolver == nil {
		return nil, errMissingResolver
	}
	if deps.Journal == nil {
		return nil, errMissingJournal
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		oauth:       deps.OAuth,
		tokens:      deps.Tokens,
		states:      deps.States,
		provisioner: deps.Provisioner,
		resolver:    deps.Resolver,
		journal:     deps.Journal,
		logger:      logger,
	}

	router.GET("/auth/board/begin", handler.handleAuthBegin)
	router.GET("/auth/board/callback", handler.handleAuthCallback)
	router.GET("/auth/board/verify", handler.handleAuthVerify)
	router.POST("/boards/setup", handler.handleBoardSetup)
	router.GET("/boards/resolve", handler.handleBoardResolve)
	router.POST("/journal/sync", handler.handleJournalSync)

	return router, nil
}

type httpHandler struct {
	oauth       OAuthClient
	tokens      TokenVault
	states      *StateCodec
	provisioner Provisioner
	resolver    BoardResolver
	journal     JournalSyncer
	logger      *zap.Logger
}

func (h *httpHandler) handleAuthBegin(c *gin.Context) {
	user := strings.TrimSpace(c.Query("user"))
	if user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "reason": "user is required"})
		return
	}
	returnPath := c.Query("return")
	if returnPath != "" && !strings.HasPrefix(returnPath, "/") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "reason": errMissingReturnTarget.Error()})
		return
	}

	state, err := h.states.Issue(user, returnPath)
	if err != nil {
		h.logger.Error("state issuance failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"redirect_url": h.oauth.AuthorizeURL(state)})
}

func (h *httpHandler) handleAuthCallback(c *gin.Context) {
	code := strings.TrimSpace(c.Query("code"))
	state := strings.TrimSpace(c.Query("state"))
	if code == "" || state == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "reason": "code and state are required"})
		return
	}

	user, returnPath, err := h.states.Validate(state)
	if err != nil {
		h.logger.Warn("state validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_state"})
		return
	}

	grant, err := h.oauth.ExchangeCode(c.Request.Context(), code)
	if err != nil {
		h.logger.Error("code exchange failed", zap.String("user", user), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": string(faults.CodeUpstreamUnavailable)})
		return
	}

	if err := h.tokens.SaveGrant(c.Request.Context(), user, grant); err != nil {
		h.logger.Error("token persistence failed", zap.String("user", user), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}

	if returnPath == "" {
		returnPath = "/"
	}
	c.Redirect(http.StatusFound, returnPath)
}

func (h *httpHandler) handleAuthVerify(c *gin.Context) {
	user := strings.TrimSpace(c.Query("user"))
	if user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "reason": "user is required"})
		return
	}

	identity, err := h.provisioner.VerifyIdentity(c.Request.Context(), user)
	if err != nil {
		h.writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":           user,
		"name":           identity.Profile.Name,
		"email":          identity.Profile.Email,
		"workspace_id":   identity.Workspace.ID,
		"workspace_name": identity.Workspace.Name,
	})
}

type setupRequestPayload struct {
	User        string `json:"user"`
	Project     string `json:"project"`
	ProjectName string `json:"project_name"`
	WorkspaceID string `json:"workspace_id"`
}

func (h *httpHandler) handleBoardSetup(c *gin.Context) {
	var request setupRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if strings.TrimSpace(request.User) == "" || strings.TrimSpace(request.Project) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "reason": "user and project are required"})
		return
	}
	projectName := strings.TrimSpace(request.ProjectName)
	if projectName == "" {
		projectName = strings.TrimSpace(request.Project)
	}

	result, err := h.provisioner.SetupBoard(c.Request.Context(), provision.SetupRequest{
		User:              strings.TrimSpace(request.User),
		ProjectRef:        strings.TrimSpace(request.Project),
		ProjectName:       projectName,
		WorkspaceOverride: strings.TrimSpace(request.WorkspaceID),
	})
	if err != nil {
		h.writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       result.Status,
		"board_id":     result.BoardID,
		"board_url":    result.BoardURL,
		"workspace_id": result.WorkspaceID,
	})
}

func (h *httpHandler) handleBoardResolve(c *gin.Context) {
	project := strings.TrimSpace(c.Query("project"))
	user := strings.TrimSpace(c.Query("user"))
	explicit := strings.TrimSpace(c.Query("board"))
	purpose := strings.TrimSpace(c.Query("purpose"))
	if purpose == "" {
		purpose = registry.PurposeReflexiveJournal
	}

	// A token lets resolution probe board liveness; resolution itself
	// works without one.
	accessToken := ""
	if user != "" {
		if record, found, err := h.tokens.Load(c.Request.Context(), user); err == nil && found {
			accessToken = record.AccessToken
		}
	}

	mapping, err := h.resolver.Resolve(c.Request.Context(), registry.ResolveQuery{
		ProjectRef:      project,
		UserRef:         user,
		Purpose:         purpose,
		ExplicitBoardID: explicit,
		AccessToken:     accessToken,
	})
	if err != nil {
		h.writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"board_id":     mapping.BoardID,
		"board_url":    mapping.BoardURL,
		"workspace_id": mapping.WorkspaceID,
		"is_primary":   mapping.IsPrimary,
	})
}

type journalRequestPayload struct {
	User     string   `json:"user"`
	Project  string   `json:"project"`
	BoardID  string   `json:"board_id"`
	Purpose  string   `json:"purpose"`
	Category string   `json:"category"`
	Text     string   `json:"text"`
	Tags     []string `json:"tags"`
}

func (h *httpHandler) handleJournalSync(c *gin.Context) {
	var request journalRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	user := strings.TrimSpace(request.User)
	if user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "reason": "user is required"})
		return
	}
	purpose := strings.TrimSpace(request.Purpose)
	if purpose == "" {
		purpose = registry.PurposeReflexiveJournal
	}

	var result journal.SyncResult
	var boardID string
	err := h.tokens.WithValidAccess(c.Request.Context(), user, func(ctx context.Context, accessToken string) error {
		mapping, err := h.resolver.Resolve(ctx, registry.ResolveQuery{
			ProjectRef:      strings.TrimSpace(request.Project),
			UserRef:         user,
			Purpose:         purpose,
			ExplicitBoardID: strings.TrimSpace(request.BoardID),
			AccessToken:     accessToken,
		})
		if err != nil {
			return err
		}
		boardID = mapping.BoardID
		result, err = h.journal.Sync(ctx, accessToken, mapping.BoardID, request.Category, request.Text, request.Tags)
		return err
	})
	if err != nil {
		h.writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"board_id":  boardID,
		"widget_id": result.WidgetID,
		"action":    result.Action,
	})
}

// writeFault translates the shared failure taxonomy into HTTP statuses.
func (h *httpHandler) writeFault(c *gin.Context, err error) {
	code, ok := faults.CodeOf(err)
	if !ok {
		h.logger.Error("unclassified failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}

	status := http.StatusInternalServerError
	switch code {
	case faults.CodeNotAuthenticated:
		status = http.StatusUnauthorized
	case faults.CodeNotInAllowedWorkspace:
		status = http.StatusForbidden
	case faults.CodeNotFound:
		status = http.StatusNotFound
	case faults.CodeUnsupportedCategory, faults.CodeMissingRequiredField:
		status = http.StatusBadRequest
	case faults.CodeUpstreamUnavailable:
		status = http.StatusBadGateway
	case faults.CodeSchemaMismatch:
		status = http.StatusInternalServerError
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("code", string(code)), zap.Error(err))
	} else {
		h.logger.Warn("request rejected", zap.String("code", string(code)), zap.Error(err))
	}

	body := gin.H{"error": string(code)}
	if step := faults.StepOf(err); step != "" {
		body["step"] = step
	}
	c.JSON(status, body)
}
