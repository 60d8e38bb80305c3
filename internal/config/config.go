package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for docrelay. It is loaded once at
// startup and passed by value into every component; nothing reads it from
// global state afterwards.
type Config struct {
	General       GeneralConfig             `json:"general"`
	Server        ServerConfig              `json:"server"`
	LLM           LLMConfig                 `json:"llm"`
	Providers     map[string]ProviderConfig `json:"providers" validate:"dive"`
	Transcription TranscriptionConfig       `json:"transcription"`
	Speech        SpeechConfig              `json:"speech"`
	Channels      ChannelsConfig            `json:"channels"`
	Memory        MemoryConfig              `json:"memory"`
	Media         MediaConfig               `json:"media"`
	Relay         RelayConfig               `json:"relay"`
	Metrics       MetricsConfig             `json:"metrics"`
}

type GeneralConfig struct {
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel" validate:"oneof=debug info warn error"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port" validate:"min=1,max=65535"`
	// PublicBaseURL is the externally reachable address used to build
	// media URLs and to validate Twilio signatures.
	PublicBaseURL          string `json:"publicBaseUrl" validate:"omitempty,url"`
	ShutdownTimeoutSeconds int    `json:"shutdownTimeoutSeconds" validate:"min=1"`
}

type LLMConfig struct {
	DefaultProvider string   `json:"defaultProvider" validate:"required"`
	FailoverChain   []string `json:"failoverChain,omitempty"`
	MaxTokens       int      `json:"maxTokens" validate:"min=1,max=8192"`
	Temperature     float64  `json:"temperature" validate:"min=0,max=2"`
	// RateLimitPerMinute caps model calls across all users; 0 disables.
	RateLimitPerMinute float64 `json:"rateLimitPerMinute,omitempty" validate:"min=0"`
	RateLimitBurst     int     `json:"rateLimitBurst,omitempty" validate:"min=0"`
}

type ProviderConfig struct {
	Enabled      bool   `json:"enabled"`
	Kind         string `json:"kind" validate:"oneof=openai gemini"`
	APIBase      string `json:"apiBase,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	DefaultModel string `json:"defaultModel,omitempty"`
}

type TranscriptionConfig struct {
	APIBase  string `json:"apiBase,omitempty"`
	APIKey   string `json:"apiKey,omitempty"`
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"` // ISO-639-1
}

type SpeechConfig struct {
	Provider string `json:"provider" validate:"oneof=openai elevenlabs"`
	APIBase  string `json:"apiBase,omitempty"`
	APIKey   string `json:"apiKey,omitempty"`
	Model    string `json:"model,omitempty"`
	Voice    string `json:"voice,omitempty"`
}

type ChannelsConfig struct {
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	Messenger MessengerConfig `json:"messenger"`
}

// WhatsAppConfig targets the Twilio WhatsApp Messaging API.
type WhatsAppConfig struct {
	Enabled           bool   `json:"enabled"`
	APIBase           string `json:"apiBase,omitempty" validate:"omitempty,url"`
	AccountSID        string `json:"accountSid,omitempty"`
	AuthToken         string `json:"authToken,omitempty"`
	FromNumber        string `json:"fromNumber,omitempty"`
	WebhookPath       string `json:"webhookPath,omitempty"`
	ValidateSignature bool   `json:"validateSignature"`
}

// MessengerConfig targets the Facebook Messenger Send API.
type MessengerConfig struct {
	Enabled         bool   `json:"enabled"`
	GraphBase       string `json:"graphBase,omitempty" validate:"omitempty,url"`
	PageAccessToken string `json:"pageAccessToken,omitempty"`
	VerifyToken     string `json:"verifyToken,omitempty"`
	AppSecret       string `json:"appSecret,omitempty"`
	WebhookPath     string `json:"webhookPath,omitempty"`
}

type MemoryConfig struct {
	Driver       string `json:"driver" validate:"oneof=sqlite postgres"`
	DBPath       string `json:"dbPath,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	HistoryLimit int    `json:"historyLimit" validate:"min=1,max=200"`
	MaxConns     int    `json:"maxConns" validate:"min=1,max=100"`
}

type MediaConfig struct {
	Dir              string `json:"dir"`
	RoutePrefix      string `json:"routePrefix" validate:"startswith=/"`
	MaxDownloadBytes int64  `json:"maxDownloadBytes" validate:"min=1024"`
	RetentionHours   int    `json:"retentionHours" validate:"min=1"`
	SweepSchedule    string `json:"sweepSchedule" validate:"required"`
}

type RelayConfig struct {
	VoiceTrigger     string        `json:"voiceTrigger" validate:"required"`
	Voice            string        `json:"voice,omitempty"`
	ApologyText      string        `json:"apologyText" validate:"required"`
	PersonaFile      string        `json:"personaFile,omitempty"`
	MaxConcurrent    int           `json:"maxConcurrent" validate:"min=1,max=256"`
	MaxQueued        int           `json:"maxQueued" validate:"min=1,max=10000"`
	SerializePerUser bool          `json:"serializePerUser"`
	Timeouts         StageTimeouts `json:"timeouts"`
}

// StageTimeouts bounds each blocking pipeline stage, in seconds.
type StageTimeouts struct {
	Fetch      int `json:"fetch" validate:"min=1"`
	Transcribe int `json:"transcribe" validate:"min=1"`
	Model      int `json:"model" validate:"min=1"`
	Store      int `json:"store" validate:"min=1"`
	Synthesize int `json:"synthesize" validate:"min=1"`
	Dispatch   int `json:"dispatch" validate:"min=1"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (t StageTimeouts) FetchTimeout() time.Duration      { return seconds(t.Fetch) }
func (t StageTimeouts) TranscribeTimeout() time.Duration { return seconds(t.Transcribe) }
func (t StageTimeouts) ModelTimeout() time.Duration      { return seconds(t.Model) }
func (t StageTimeouts) StoreTimeout() time.Duration      { return seconds(t.Store) }
func (t StageTimeouts) SynthesizeTimeout() time.Duration { return seconds(t.Synthesize) }
func (t StageTimeouts) DispatchTimeout() time.Duration   { return seconds(t.Dispatch) }

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint" validate:"startswith=/"`
}

// DefaultConfigDir returns the default config directory (~/.docrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".docrelay"
	}
	return filepath.Join(home, ".docrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	merged := Defaults()
	if err := json.Unmarshal(data, merged); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	// Defaults carry ${VAR} placeholders too, so expand after merging.
	cfg, err := Resolve(merged)
	if err != nil {
		return nil, fmt.Errorf("cannot expand config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)
	cfg.Media.Dir = ExpandPath(cfg.Media.Dir)
	cfg.Relay.PersonaFile = ExpandPath(cfg.Relay.PersonaFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// Resolve returns a copy of cfg with ${VAR} and ${VAR:-default}
// placeholders substituted from the environment. Substitution happens on
// decoded string values, so quotes or backslashes in a variable stay data.
func Resolve(cfg *Config) (*Config, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	data, err = json.Marshal(expandTree(tree))
	if err != nil {
		return nil, err
	}
	out := &Config{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

func expandTree(v any) any {
	switch t := v.(type) {
	case string:
		return ExpandEnvVars(t)
	case map[string]any:
		for k, child := range t {
			t[k] = expandTree(child)
		}
	case []any:
		for i, child := range t {
			t[i] = expandTree(child)
		}
	}
	return v
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, fallback := groups[1], groups[2]
		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		if fallback != "" {
			return fallback
		}
		return match
	})
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// Credentials live in this file.
	return os.WriteFile(path, data, 0o600)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field ranges via struct tags, then the cross-field rules
// tags cannot express.
func Validate(cfg *Config) error {
	var errs []string

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			field := strings.TrimPrefix(fe.Namespace(), "Config.")
			if fe.Param() != "" {
				errs = append(errs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
			} else {
				errs = append(errs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
			}
		}
	}

	if _, ok := cfg.Providers[cfg.LLM.DefaultProvider]; !ok && cfg.LLM.DefaultProvider != "" {
		errs = append(errs, fmt.Sprintf("llm.defaultProvider references unknown provider: %s", cfg.LLM.DefaultProvider))
	}
	for _, name := range cfg.LLM.FailoverChain {
		if _, ok := cfg.Providers[name]; !ok {
			errs = append(errs, fmt.Sprintf("llm.failoverChain references unknown provider: %s", name))
		}
	}
	for name, pc := range cfg.Providers {
		if pc.Enabled && pc.Kind == "gemini" && pc.APIKey == "" {
			errs = append(errs, fmt.Sprintf("providers.%s: apiKey is required for gemini", name))
		}
	}

	switch cfg.Memory.Driver {
	case "sqlite":
		if cfg.Memory.DBPath == "" {
			errs = append(errs, "memory.dbPath is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Memory.DSN == "" {
			errs = append(errs, "memory.dsn is required for the postgres driver")
		}
	}

	if wa := cfg.Channels.WhatsApp; wa.Enabled {
		if wa.AccountSID == "" || wa.AuthToken == "" || wa.FromNumber == "" {
			errs = append(errs, "channels.whatsapp: accountSid, authToken and fromNumber are required when enabled")
		}
		if wa.ValidateSignature && cfg.Server.PublicBaseURL == "" {
			errs = append(errs, "channels.whatsapp.validateSignature requires server.publicBaseUrl")
		}
	}
	if fb := cfg.Channels.Messenger; fb.Enabled {
		if fb.PageAccessToken == "" || fb.VerifyToken == "" {
			errs = append(errs, "channels.messenger: pageAccessToken and verifyToken are required when enabled")
		}
	}
	if cfg.Channels.WhatsApp.WebhookPath != "" && cfg.Channels.WhatsApp.WebhookPath == cfg.Channels.Messenger.WebhookPath {
		errs = append(errs, "channels: whatsapp and messenger webhook paths must differ")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
