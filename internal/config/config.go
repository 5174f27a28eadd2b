package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "REFLECTOR"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "reflector.db"
	defaultLogLevel          = "info"
	defaultMappingsTable     = "board_mappings"
	defaultProjectsTable     = "projects"
	defaultViewerURLPattern  = `^https://[a-z0-9.-]+/app/board/[A-Za-z0-9_=-]+/?`
	defaultRoomName          = "Research Boards"
	defaultJournalBoardLabel = "Reflexive Journal"
)

// AppConfig captures runtime configuration for the board-sync service.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	BoardAPIBaseURL      string
	OAuthClientID        string
	OAuthClientSecret    string
	OAuthRedirectURL     string
	AllowedWorkspaceIDs  []string
	TemplateBoardID      string
	ViewerURLPattern     string
	LegacyFallbackBoard  string
	RoomName             string
	JournalBoardLabel    string
	RecordsBaseURL       string
	RecordsAPIToken      string
	RecordsMappingsTable string
	RecordsProjectsTable string
	StateSigningSecret   string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("board.viewer_url_pattern", defaultViewerURLPattern)
	configViper.SetDefault("board.room_name", defaultRoomName)
	configViper.SetDefault("board.journal_label", defaultJournalBoardLabel)
	configViper.SetDefault("records.mappings_table", defaultMappingsTable)
	configViper.SetDefault("records.projects_table", defaultProjectsTable)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		BoardAPIBaseURL:      configViper.GetString("board.api_base_url"),
		OAuthClientID:        configViper.GetString("board.oauth_client_id"),
		OAuthClientSecret:    configViper.GetString("board.oauth_client_secret"),
		OAuthRedirectURL:     configViper.GetString("board.oauth_redirect_url"),
		AllowedWorkspaceIDs:  splitList(configViper.GetString("board.allowed_workspace_ids")),
		TemplateBoardID:      configViper.GetString("board.template_board_id"),
		ViewerURLPattern:     configViper.GetString("board.viewer_url_pattern"),
		LegacyFallbackBoard:  configViper.GetString("board.legacy_fallback_board_id"),
		RoomName:             configViper.GetString("board.room_name"),
		JournalBoardLabel:    configViper.GetString("board.journal_label"),
		RecordsBaseURL:       configViper.GetString("records.base_url"),
		RecordsAPIToken:      configViper.GetString("records.api_token"),
		RecordsMappingsTable: configViper.GetString("records.mappings_table"),
		RecordsProjectsTable: configViper.GetString("records.projects_table"),
		StateSigningSecret:   configViper.GetString("auth.state_secret"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.BoardAPIBaseURL) == "" {
		return fmt.Errorf("board.api_base_url is required")
	}
	if strings.TrimSpace(c.OAuthClientID) == "" {
		return fmt.Errorf("board.oauth_client_id is required")
	}
	if strings.TrimSpace(c.OAuthClientSecret) == "" {
		return fmt.Errorf("board.oauth_client_secret is required")
	}
	if strings.TrimSpace(c.OAuthRedirectURL) == "" {
		return fmt.Errorf("board.oauth_redirect_url is required")
	}
	if strings.TrimSpace(c.RecordsBaseURL) == "" {
		return fmt.Errorf("records.base_url is required")
	}
	if strings.TrimSpace(c.RecordsMappingsTable) == "" {
		return fmt.Errorf("records.mappings_table is required")
	}
	if strings.TrimSpace(c.StateSigningSecret) == "" {
		return fmt.Errorf("auth.state_secret is required")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
