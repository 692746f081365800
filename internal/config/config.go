package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/tokenledger.ini"
)

// Config describes runtime options for the token ledger daemon and CLI.
// Every option has a built-in fallback so an empty deployment still runs.
type Config struct {
	Environment string
	ListenAddr  string

	// Document store selection
	StoreBackend string // memory|sqlite|postgres
	StorePath    string
	PostgresDSN  string
	Collection   string

	// Token policy
	InitialTokens int
	AutoCap       int
	RefillZone    string

	// Audit trail
	AuditEnabled bool
	AuditPath    string

	LogFile  string
	LogLevel string
}

// Load reads config/setting.ini for the active environment, merges the
// environment's tokenledger.ini on top of the settings defaults, and applies
// TOKENLEDGER_* env overrides last.
func Load(root string) (Config, error) {
	if root == "" {
		root = "."
	}
	environment, defaults, err := loadSettings(root)
	if err != nil {
		return Config{}, err
	}

	envValues, err := loadKeyValues(filepath.Join(root, fmt.Sprintf(envConfigPattern, environment)))
	if err != nil {
		return Config{}, err
	}

	merged := make(map[string]string, len(defaults)+len(envValues))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := Config{
		Environment:   environment,
		ListenAddr:    firstNonEmpty(os.Getenv("TOKENLEDGER_LISTEN_ADDR"), merged["listen_addr"], ":8090"),
		StoreBackend:  strings.ToLower(firstNonEmpty(os.Getenv("TOKENLEDGER_STORE_BACKEND"), merged["store_backend"], "sqlite")),
		StorePath:     firstNonEmpty(os.Getenv("TOKENLEDGER_STORE_PATH"), merged["store_path"], filepath.Join("data", "tokenledger.db")),
		PostgresDSN:   firstNonEmpty(os.Getenv("TOKENLEDGER_POSTGRES_DSN"), merged["postgres_dsn"]),
		Collection:    firstNonEmpty(os.Getenv("TOKENLEDGER_COLLECTION"), merged["collection"], "generation_tokens"),
		InitialTokens: parseOptionalInt(firstNonEmpty(os.Getenv("TOKENLEDGER_INITIAL_TOKENS"), merged["initial_tokens"]), 7),
		AutoCap:       parseOptionalInt(firstNonEmpty(os.Getenv("TOKENLEDGER_AUTO_CAP"), merged["auto_cap"]), 10),
		RefillZone:    firstNonEmpty(os.Getenv("TOKENLEDGER_REFILL_TIMEZONE"), merged["refill_timezone"], "Asia/Seoul"),
		AuditEnabled:  parseOptionalBool(firstNonEmpty(os.Getenv("TOKENLEDGER_AUDIT_ENABLED"), merged["audit_enabled"]), true),
		AuditPath:     firstNonEmpty(os.Getenv("TOKENLEDGER_AUDIT_PATH"), merged["audit_path"], filepath.Join("data", "token_audit.db")),
		LogFile:       firstNonEmpty(os.Getenv("TOKENLEDGER_LOG_FILE"), merged["log_file"]),
		LogLevel:      firstNonEmpty(os.Getenv("TOKENLEDGER_LOG_LEVEL"), merged["log_level"], "info"),
	}

	switch cfg.StoreBackend {
	case "memory", "sqlite", "postgres":
	default:
		return Config{}, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	if cfg.StoreBackend == "postgres" && cfg.PostgresDSN == "" {
		return Config{}, errors.New("postgres backend requires postgres_dsn (or TOKENLEDGER_POSTGRES_DSN)")
	}
	return cfg, nil
}

// loadSettings returns the active environment plus the [defaults] section of
// config/setting.ini. A missing settings file selects the dev environment.
func loadSettings(root string) (string, map[string]string, error) {
	path := filepath.Join(root, settingsFile)
	file, err := ini.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return firstNonEmpty(os.Getenv("TOKENLEDGER_ENV"), defaultEnv), map[string]string{}, nil
		}
		return "", nil, fmt.Errorf("load %s: %w", path, err)
	}

	environment := firstNonEmpty(
		os.Getenv("TOKENLEDGER_ENV"),
		file.Section("settings").Key("environment").String(),
		defaultEnv,
	)
	defaults := make(map[string]string)
	for _, key := range file.Section("defaults").Keys() {
		defaults[key.Name()] = key.String()
	}
	return environment, defaults, nil
}

// loadKeyValues reads every key of an INI file into one flat map. A missing
// file yields an empty map.
func loadKeyValues(path string) (map[string]string, error) {
	file, err := ini.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	values := make(map[string]string)
	for _, section := range file.Sections() {
		for _, key := range section.Keys() {
			values[key.Name()] = key.String()
		}
	}
	return values, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func parseOptionalInt(value string, fallback int) int {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseOptionalBool(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
