// Package config handles TOML configuration loading and path resolution
// for the engine and the personas it hosts.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration document.
type Config struct {
	Bot      BotConfig
	Engine   EngineConfig
	Provider ProviderConfig
	Web      WebConfig
	Personas []PersonaConfig `toml:"personas"`
}

// ProviderConfig configures the OpenRouter transport shared by every
// persona. Personas may override Model via PersonaConfig.Model.
type ProviderConfig struct {
	BaseURL               string `toml:"base_url" json:"-"`
	APIKey                string `toml:"api_key" json:"-"`
	Model                 string `toml:"model"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// RequestTimeout returns the configured provider timeout as a duration.
func (p ProviderConfig) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutSeconds) * time.Second
}

// BotConfig holds the default gateway token shared by personas that don't
// supply their own.
type BotConfig struct {
	Token string `toml:"token" json:"-"`
}

// EngineConfig configures the conversation context engine: budgets,
// freeze thresholds, and durable storage.
type EngineConfig struct {
	MaxContextTokens         int     `toml:"max_context_tokens"`
	FreezeThresholdTokens    int     `toml:"freeze_threshold_tokens"`
	CharsPerToken            float64 `toml:"chars_per_token"`
	MessageCacheLimit        int     `toml:"message_cache_limit"` // tail length that forces an early freeze
	AttachmentMaxBytes       int64   `toml:"attachment_max_bytes"`
	AttachmentFetchTimeoutMs int     `toml:"attachment_fetch_timeout_ms"`
	DatabasePath             string  `toml:"database_path"`
	UseDatabaseStorage       bool    `toml:"use_database_storage"`
}

// WebConfig configures the operator status HTTP endpoint.
type WebConfig struct {
	Addr string `toml:"addr"` // default ":8080"
}

// PersonaConfig describes one bot persona bound to a server.
type PersonaConfig struct {
	ID                  string          `toml:"id" json:"id"`
	ServerID            string          `toml:"server_id" json:"server_id"`
	Token               string          `toml:"token" json:"-"`
	DisplayNameOverride string          `toml:"display_name_override" json:"display_name_override,omitempty"`
	Model               string          `toml:"model" json:"model,omitempty"` // overrides Provider.Model when set
	DBPath              string          `toml:"db_path" json:"db_path,omitempty"`
	IgnoreUsers         []string        `toml:"ignore_users,omitempty" json:"ignore_users,omitempty"`
	Channels            []ChannelConfig `toml:"channels" json:"channels,omitempty"`
}

// ResolveDBPath returns the DB path for this persona.
// If db_path is set, it expands and returns it.
// Otherwise derives: ResolveDataDir(defaultDBPath)/personas/<server_id>/convobridge.db
func (p *PersonaConfig) ResolveDBPath(defaultDBPath string) string {
	if p.DBPath != "" {
		return ExpandPath(p.DBPath)
	}
	return filepath.Join(ResolveDataDir(defaultDBPath), "personas", p.ServerID, "convobridge.db")
}

// ChannelConfig allows per-channel overrides, reserved for future
// per-channel budget overrides.
type ChannelConfig struct {
	ID string `toml:"id" json:"id"`
}

// ResolveDataDir returns the directory that should contain all DB files.
// If dbPath is set, it returns the directory of that file.
// Otherwise it returns ~/.local/share/convobridge.
func ResolveDataDir(dbPath string) string {
	if dbPath != "" {
		return filepath.Dir(ExpandPath(dbPath))
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "convobridge")
}

// ExpandPath expands environment variables and ~ in a file path.
func ExpandPath(path string) string {
	path = os.ExpandEnv(path)
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[2:])
	}
	return path
}

func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Env var overrides applied after TOML decode; priority: env var > config file.
	if v := os.Getenv("CONVOBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Engine.DatabasePath = v
		slog.Info("database path overridden by env var", "CONVOBRIDGE_DATABASE_PATH", v)
	}

	// Apply defaults.
	if cfg.Web.Addr == "" {
		cfg.Web.Addr = ":8080"
	}
	if cfg.Engine.MaxContextTokens <= 0 {
		cfg.Engine.MaxContextTokens = 180000
	}
	if cfg.Engine.FreezeThresholdTokens <= 0 {
		cfg.Engine.FreezeThresholdTokens = 30000
	}
	if cfg.Engine.CharsPerToken <= 0 {
		cfg.Engine.CharsPerToken = 4.0
	}
	if cfg.Engine.MessageCacheLimit <= 0 {
		cfg.Engine.MessageCacheLimit = 500
	}
	if cfg.Engine.AttachmentMaxBytes <= 0 {
		cfg.Engine.AttachmentMaxBytes = 128 * 1024
	}
	if cfg.Engine.AttachmentFetchTimeoutMs <= 0 {
		cfg.Engine.AttachmentFetchTimeoutMs = 15000
	}
	if cfg.Engine.DatabasePath == "" {
		cfg.Engine.DatabasePath = filepath.Join(ResolveDataDir(""), "convobridge.db")
	}
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.Provider.RequestTimeoutSeconds <= 0 {
		cfg.Provider.RequestTimeoutSeconds = 30
	}

	// Validate required fields.
	if cfg.Provider.APIKey == "" {
		return nil, fmt.Errorf("provider.api_key is required")
	}
	if cfg.Bot.Token == "" {
		hasPersonaToken := false
		for _, p := range cfg.Personas {
			if p.Token != "" {
				hasPersonaToken = true
				break
			}
		}
		if !hasPersonaToken {
			return nil, fmt.Errorf("bot.token is required unless every persona supplies its own token")
		}
	}
	for _, p := range cfg.Personas {
		if p.ServerID == "" {
			return nil, fmt.Errorf("persona %q: server_id is required", p.ID)
		}
	}

	return &cfg, nil
}

// Resolve returns the config file path from the CONVOBRIDGE_CONFIG env var,
// falling back to ~/.config/convobridge/config.toml.
func Resolve() string {
	path := os.Getenv("CONVOBRIDGE_CONFIG")
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".config", "convobridge", "config.toml")
	}
	path = os.ExpandEnv(path)
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// Store holds a live-reloadable configuration snapshot.
type Store struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
}

// NewStoreFromConfig creates a Store from a pre-built Config (for testing).
func NewStoreFromConfig(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

func NewStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Store{cfg: cfg, path: path}, nil
}

func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Store) Reload() (*Config, error) {
	cfg, err := Load(s.path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return cfg, nil
}

// PersonaForServer returns the persona config bound to serverID, or nil.
func (cfg *Config) PersonaForServer(serverID string) *PersonaConfig {
	for i := range cfg.Personas {
		if cfg.Personas[i].ServerID == serverID {
			return &cfg.Personas[i]
		}
	}
	return nil
}
