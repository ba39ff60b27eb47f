// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/kbchat/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// CurrentVersion is the config schema version written by Save.
const CurrentVersion = "1"

// Config is the complete kbchat configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	API     APIConfig     `toml:"api" json:"api"`
	Chat    ChatConfig    `toml:"chat" json:"chat"`
	Storage StorageConfig `toml:"storage" json:"storage"`
	Catalog CatalogConfig `toml:"catalog" json:"catalog"`
	Log     LogConfig     `toml:"log" json:"log"`

	// Warnings collects non-fatal problems found while loading, such as
	// unknown keys or loose file permissions.
	Warnings []string `toml:"-" json:"-"`
}

// APIConfig describes how to reach the chat server.
type APIConfig struct {
	BaseURL               string  `toml:"base_url" json:"base_url"`
	TimeoutSecs           int     `toml:"timeout_secs" json:"timeout_secs"`
	StreamIdleTimeoutSecs int     `toml:"stream_idle_timeout_secs" json:"stream_idle_timeout_secs"`
	RequestsPerSecond     float64 `toml:"requests_per_second" json:"requests_per_second"`
}

// ChatConfig holds the defaults for every chat request.
type ChatConfig struct {
	// HistoryTurns caps the history replayed before the server has sent
	// its own.
	HistoryTurns int    `toml:"history_turns" json:"history_turns"`
	Greeting     string `toml:"greeting" json:"greeting"`

	// Request meta
	DBID          string `toml:"db_id" json:"db_id"`
	UseGraph      bool   `toml:"use_graph" json:"use_graph"`
	UseWeb        bool   `toml:"use_web" json:"use_web"`
	ModelProvider string `toml:"model_provider" json:"model_provider"`
	ModelName     string `toml:"model_name" json:"model_name"`
	SystemPrompt  string `toml:"system_prompt" json:"system_prompt"`
	HistoryRound  int    `toml:"history_round" json:"history_round"`
}

// StorageConfig selects where conversations are kept.
type StorageConfig struct {
	Backend string `toml:"backend" json:"backend"` // file, sqlite or memory
	Path    string `toml:"path" json:"path"`       // empty: under ConfigDir
}

// CatalogConfig configures the model list cache.
type CatalogConfig struct {
	TTLSecs int `toml:"ttl_secs" json:"ttl_secs"`
}

// LogConfig configures the log files.
type LogConfig struct {
	Level   string `toml:"level" json:"level"`
	Dir     string `toml:"dir" json:"dir"` // empty: ConfigDir/logs
	Console bool   `toml:"console" json:"console"`
}

// Timeout returns the REST request timeout.
func (a APIConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSecs) * time.Second
}

// StreamIdleTimeout returns the stream inactivity limit. Zero disables it.
func (a APIConfig) StreamIdleTimeout() time.Duration {
	return time.Duration(a.StreamIdleTimeoutSecs) * time.Second
}

// TTL returns the model list cache lifetime.
func (c CatalogConfig) TTL() time.Duration {
	return time.Duration(c.TTLSecs) * time.Second
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		API: APIConfig{
			BaseURL:               "http://localhost:8000",
			TimeoutSecs:           30,
			StreamIdleTimeoutSecs: 120,
			RequestsPerSecond:     5,
		},
		Chat: ChatConfig{
			HistoryTurns: 10,
			Greeting:     "Hello! Ask me anything about your knowledge base.",
		},
		Storage: StorageConfig{
			Backend: "file",
		},
		Catalog: CatalogConfig{
			TTLSecs: 300,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// SetDefaults fills fields whose zero value is never valid.
func (c *Config) SetDefaults() {
	d := Default()
	if c.Version == "" {
		c.Version = d.Version
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = d.API.BaseURL
	}
	if c.API.TimeoutSecs == 0 {
		c.API.TimeoutSecs = d.API.TimeoutSecs
	}
	if c.Chat.HistoryTurns == 0 {
		c.Chat.HistoryTurns = d.Chat.HistoryTurns
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = d.Storage.Backend
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}

// =============================================================================
// PATHS
// =============================================================================

// ConfigDir returns the kbchat data directory (~/.kbchat).
func ConfigDir() (string, error) {
	if dir := os.Getenv("KBCHAT_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".kbchat"), nil
}

// ConfigPath returns the config file in use: KBCHAT_CONFIG when set,
// otherwise config.toml, or config.json when only that exists.
func ConfigPath() (string, error) {
	if p := os.Getenv("KBCHAT_CONFIG"); p != "" {
		return p, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	tomlPath := filepath.Join(dir, "config.toml")
	if _, err := os.Stat(tomlPath); err == nil {
		return tomlPath, nil
	}
	jsonPath := filepath.Join(dir, "config.json")
	if _, err := os.Stat(jsonPath); err == nil {
		return jsonPath, nil
	}
	return tomlPath, nil
}

// StoragePath resolves the storage location for the selected backend.
func (c *Config) StoragePath() (string, error) {
	if c.Storage.Path != "" {
		return expandHome(c.Storage.Path)
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	if c.Storage.Backend == "sqlite" {
		return filepath.Join(dir, "kbchat.db"), nil
	}
	return filepath.Join(dir, "conversations"), nil
}

// LogDir resolves the log directory.
func (c *Config) LogDir() (string, error) {
	if c.Log.Dir != "" {
		return expandHome(c.Log.Dir)
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs"), nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

// checkPermissions tightens a config file readable by others.
func checkPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD
// =============================================================================

// Load reads the config file from ConfigPath. A missing file yields the
// defaults. A file that cannot be parsed also yields the defaults, together
// with the parse error for the caller to report.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		return cfg, err
	}

	if _, statErr := os.Stat(path); statErr != nil {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		var verrs ValidateErrors
		if errors.As(err, &verrs) {
			return nil, err
		}
		fallback := Default()
		fallback.ApplyEnvOverrides()
		return fallback, err
	}
	return cfg, nil
}

// LoadFromPath loads and validates a specific file. Files ending in .json
// are decoded as JSON, anything else as TOML. Values not present in the file
// keep their defaults. Environment overrides are applied.
func LoadFromPath(path string) (*Config, error) {
	cfg, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ReadFile decodes path over the defaults without environment overrides or
// validation. Use it to edit a file in place.
func ReadFile(path string) (*Config, error) {
	cfg := Default()

	if err := checkPermissions(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("could not secure %s: %v", path, err))
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := decodeJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else if err := decodeTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
	}

	if err := cfg.Migrate(); err != nil {
		return nil, fmt.Errorf("config migration failed: %w", err)
	}
	cfg.SetDefaults()
	return cfg, nil
}

func decodeTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return err
	}
	for _, key := range md.Undecoded() {
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("unknown config key %q", key.String()))
	}
	return nil
}

func decodeJSON(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

// Migrate upgrades older schema versions in place.
func (c *Config) Migrate() error {
	switch c.Version {
	case "", CurrentVersion:
		c.Version = CurrentVersion
		return nil
	}
	if n, err := strconv.Atoi(c.Version); err == nil {
		if cur, _ := strconv.Atoi(CurrentVersion); n > cur {
			return fmt.Errorf("config version %s is newer than supported version %s", c.Version, CurrentVersion)
		}
	}
	return fmt.Errorf("unknown config version %q", c.Version)
}

// =============================================================================
// SAVE
// =============================================================================

// Save writes cfg to ConfigPath.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTo(cfg, path)
}

// SaveTo writes cfg to path atomically with owner-only permissions, as JSON
// when path ends in .json and as TOML otherwise.
func SaveTo(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = cfg.TOML()
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// TOML renders cfg with a short header.
func (c *Config) TOML() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# kbchat configuration file\n")
	buf.WriteString("# Environment variables (KBCHAT_*) override these values.\n\n")
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError describes one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

var validLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "warning": true,
	"error": true, "off": true, "disabled": true,
}

// Validate checks every setting and returns all problems at once.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if u, err := url.Parse(c.API.BaseURL); err != nil {
		add("api.base_url", "invalid URL: %v", err)
	} else if u.Scheme != "http" && u.Scheme != "https" {
		add("api.base_url", "scheme must be http or https, got %q", u.Scheme)
	} else if u.Host == "" {
		add("api.base_url", "missing host")
	}
	if c.API.TimeoutSecs < 1 || c.API.TimeoutSecs > 600 {
		add("api.timeout_secs", "must be between 1 and 600, got %d", c.API.TimeoutSecs)
	}
	if c.API.StreamIdleTimeoutSecs < 0 {
		add("api.stream_idle_timeout_secs", "must not be negative")
	}
	if c.API.RequestsPerSecond < 0 {
		add("api.requests_per_second", "must not be negative")
	}

	if c.Chat.HistoryTurns < 1 || c.Chat.HistoryTurns > 100 {
		add("chat.history_turns", "must be between 1 and 100, got %d", c.Chat.HistoryTurns)
	}
	if c.Chat.HistoryRound < 0 {
		add("chat.history_round", "must not be negative")
	}

	switch c.Storage.Backend {
	case "file", "sqlite", "memory":
	default:
		add("storage.backend", "must be file, sqlite or memory, got %q", c.Storage.Backend)
	}

	if c.Catalog.TTLSecs < 0 {
		add("catalog.ttl_secs", "must not be negative")
	}

	if !validLevels[strings.ToLower(c.Log.Level)] {
		add("log.level", "unknown level %q", c.Log.Level)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies KBCHAT_* environment variables:
//
//   - KBCHAT_BASE_URL: api.base_url
//   - KBCHAT_TIMEOUT: api.timeout_secs
//   - KBCHAT_DB_ID: chat.db_id
//   - KBCHAT_MODEL_PROVIDER: chat.model_provider
//   - KBCHAT_MODEL: chat.model_name
//   - KBCHAT_USE_GRAPH / KBCHAT_USE_WEB: chat.use_graph / chat.use_web
//   - KBCHAT_STORAGE: storage.backend
//   - KBCHAT_STORAGE_PATH: storage.path
//   - KBCHAT_LOG_LEVEL: log.level
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("KBCHAT_BASE_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("KBCHAT_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.API.TimeoutSecs = n
		} else {
			c.Warnings = append(c.Warnings, fmt.Sprintf("ignoring KBCHAT_TIMEOUT=%q: not an integer", v))
		}
	}
	if v := os.Getenv("KBCHAT_DB_ID"); v != "" {
		c.Chat.DBID = v
	}
	if v := os.Getenv("KBCHAT_MODEL_PROVIDER"); v != "" {
		c.Chat.ModelProvider = v
	}
	if v := os.Getenv("KBCHAT_MODEL"); v != "" {
		c.Chat.ModelName = v
	}
	if v := os.Getenv("KBCHAT_USE_GRAPH"); v != "" {
		c.Chat.UseGraph = parseBool(v)
	}
	if v := os.Getenv("KBCHAT_USE_WEB"); v != "" {
		c.Chat.UseWeb = parseBool(v)
	}
	if v := os.Getenv("KBCHAT_STORAGE"); v != "" {
		c.Storage.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("KBCHAT_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("KBCHAT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// =============================================================================
// GET/SET (DOT NOTATION)
// =============================================================================

// Get returns the value at a dotted TOML key such as "api.base_url".
func (c *Config) Get(key string) (any, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set assigns a dotted TOML key from a string or a value of the field's type.
// The result is not validated; call Validate before saving.
func (c *Config) Set(key string, value any) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if strings.TrimSpace(key) == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")
	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		field, ok := fieldByTag(v, part)
		if !ok {
			return reflect.Value{}, fmt.Errorf("unknown key: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			if field.Kind() == reflect.Struct {
				return reflect.Value{}, fmt.Errorf("key %s is a section", key)
			}
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("key %s is not a section", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("toml"), ",")[0]
		if tag != "" && tag != "-" && strings.EqualFold(tag, name) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue assigns value to field, parsing strings for numeric and
// boolean fields.
func setFieldValue(field reflect.Value, value any) error {
	if s, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(s)
			return nil
		case reflect.Int, reflect.Int64:
			n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(n)
			return nil
		case reflect.Float64:
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(f)
			return nil
		case reflect.Bool:
			field.SetBool(parseBool(s))
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return errors.New("nil value")
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// Keys returns every settable key in dot notation, in declaration order.
func Keys() []string {
	var keys []string
	var walk func(t reflect.Type, prefix string)
	walk = func(t reflect.Type, prefix string) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			tag := strings.Split(f.Tag.Get("toml"), ",")[0]
			if tag == "" || tag == "-" {
				continue
			}
			if f.Type.Kind() == reflect.Struct {
				walk(f.Type, prefix+tag+".")
				continue
			}
			keys = append(keys, prefix+tag)
		}
	}
	walk(reflect.TypeOf(Config{}), "")
	return keys
}

// Clone returns a copy of c.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Warnings != nil {
		clone.Warnings = append([]string(nil), c.Warnings...)
	}
	return &clone
}
