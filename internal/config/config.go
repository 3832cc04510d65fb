package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/privchat/privchat/internal/hooks"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/privchat.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// ServerConfig describes runtime options for the privchat daemon.
type ServerConfig struct {
	Environment string
	ListenAddr  string

	// Logging
	LogFile  string
	LogLevel string

	// Record stores. Driver is sqlite or postgres; DSN applies to postgres only.
	ChatDBDriver string
	ChatDBPath   string
	ChatDBDSN    string
	LedgerDriver string
	LedgerPath   string
	LedgerDSN    string
	IdentityPath string

	// Sessions
	SessionSecret string
	SessionTTL    time.Duration
	AuthDisabled  bool
	AdminEmail    string

	// Upstream chat-completions service (OpenAI-compatible)
	UpstreamBaseURL string
	UpstreamAPIKey  string
	UpstreamTimeout time.Duration
	DefaultModel    string
	ThinkingBudget  int

	// Photo studio image model
	PhotoModel string

	// Optional YAML model catalog override
	ModelCatalogFile string

	// Request bounds
	MaxMessageChars int

	Hooks hooks.Config
}

// LoadServerConfig reads the current environment and loads the appropriate config file.
func LoadServerConfig(root string) (ServerConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return ServerConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return ServerConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := ServerConfig{
		Environment:      s.Environment,
		ListenAddr:       firstNonEmpty(os.Getenv("PRIVCHAT_LISTEN_ADDR"), merged["listen_addr"], ":8085"),
		LogFile:          firstNonEmpty(os.Getenv("PRIVCHAT_LOG_FILE"), merged["log_file"]),
		LogLevel:         firstNonEmpty(merged["log_level"], "info"),
		ChatDBDriver:     firstNonEmpty(merged["chat_db_driver"], "sqlite"),
		ChatDBPath:       firstNonEmpty(merged["chat_db_path"], DefaultChatDBPath()),
		ChatDBDSN:        firstNonEmpty(os.Getenv("PRIVCHAT_CHAT_DB_DSN"), merged["chat_db_dsn"]),
		LedgerDriver:     firstNonEmpty(merged["ledger_driver"], "sqlite"),
		LedgerPath:       firstNonEmpty(merged["ledger_path"], DefaultLedgerPath()),
		LedgerDSN:        firstNonEmpty(os.Getenv("PRIVCHAT_LEDGER_DSN"), merged["ledger_dsn"]),
		IdentityPath:     firstNonEmpty(os.Getenv("PRIVCHAT_IDENTITY_PATH"), merged["identity_path"], DefaultIdentityPath()),
		SessionSecret:    firstNonEmpty(os.Getenv("PRIVCHAT_SESSION_SECRET"), merged["session_secret"], "privchat-dev-secret"),
		AuthDisabled:     parseBool(firstNonEmpty(os.Getenv("PRIVCHAT_AUTH_DISABLED"), merged["auth_disabled"])),
		AdminEmail:       firstNonEmpty(os.Getenv("PRIVCHAT_ADMIN_EMAIL"), merged["admin_email"], "admin@local"),
		UpstreamBaseURL:  firstNonEmpty(os.Getenv("PRIVCHAT_UPSTREAM_BASE_URL"), merged["upstream_base_url"]),
		UpstreamAPIKey:   firstNonEmpty(os.Getenv("PRIVCHAT_UPSTREAM_API_KEY"), merged["upstream_api_key"]),
		DefaultModel:     firstNonEmpty(merged["default_model"], "Qwen/Qwen2.5-7B-Instruct"),
		ThinkingBudget:   parseOptionalInt(merged["thinking_budget"], 4096),
		PhotoModel:       firstNonEmpty(merged["photo_model"], "Kwai-Kolors/Kolors"),
		ModelCatalogFile: firstNonEmpty(os.Getenv("PRIVCHAT_MODEL_CATALOG"), merged["model_catalog_file"]),
		MaxMessageChars:  parseOptionalInt(merged["max_message_chars"], 10000),
	}

	if v := firstNonEmpty(os.Getenv("PRIVCHAT_SESSION_TTL"), merged["session_ttl"]); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return ServerConfig{}, fmt.Errorf("invalid session_ttl %q: %w", v, err)
		}
		cfg.SessionTTL = dur
	} else {
		cfg.SessionTTL = 7 * 24 * time.Hour
	}
	if v := merged["upstream_timeout"]; v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return ServerConfig{}, fmt.Errorf("invalid upstream_timeout %q: %w", v, err)
		}
		cfg.UpstreamTimeout = dur
	}

	hookArgs := firstNonEmpty(os.Getenv("PRIVCHAT_HOOK_SCRIPT_ARGS"), merged["hooks_script_args"])
	hookEnv := firstNonEmpty(os.Getenv("PRIVCHAT_HOOK_SCRIPT_ENV"), merged["hooks_script_env"])
	cfg.Hooks = hooks.Config{
		Enabled:    parseBool(firstNonEmpty(os.Getenv("PRIVCHAT_HOOKS_ENABLED"), merged["hooks_enabled"])),
		ScriptPath: firstNonEmpty(os.Getenv("PRIVCHAT_HOOK_SCRIPT"), merged["hooks_script_path"]),
		ScriptArgs: parseCSV(hookArgs),
		Env:        parseMap(hookEnv),
	}
	if v := firstNonEmpty(os.Getenv("PRIVCHAT_HOOK_TIMEOUT"), merged["hooks_timeout"]); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return ServerConfig{}, fmt.Errorf("invalid hooks_timeout %q: %w", v, err)
		}
		cfg.Hooks.Timeout = dur
	}
	if err := cfg.Hooks.Validate(); err != nil {
		return ServerConfig{}, err
	}

	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
		}
		return Settings{}, err
	}
	env := strings.ToLower(strings.TrimSpace(values["environment"]))
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseMap(input string) map[string]string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	entries := strings.Split(input, ",")
	result := make(map[string]string)
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])
		if key != "" {
			result[key] = value
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// DefaultChatDBPath returns the fallback conversation database location.
func DefaultChatDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "chat.db"
	}
	return filepath.Join(home, ".privchat", "chat.db")
}

// DefaultLedgerPath returns the fallback usage ledger location.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ledger.db"
	}
	return filepath.Join(home, ".privchat", "ledger.db")
}

// DefaultIdentityPath returns the fallback identity database path.
func DefaultIdentityPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "identity.db"
	}
	return filepath.Join(home, ".privchat", "identity.db")
}
