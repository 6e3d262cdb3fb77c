// Package config loads service settings from defaults, an optional config
// file and ECHOROOM_ environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"echoroom-agent/internal/governor"
	"echoroom-agent/internal/usecase"
)

const (
	envPrefix = "ECHOROOM"

	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
)

type Config struct {
	ListenAddr   string
	LogLevel     string
	KnowledgeDir string
	ParamPrefix  string
	StateTable   string
	UsageDB      string
	AdminToken   string

	LLM      LLMConfig
	Governor GovernorConfig
	Pipeline PipelineConfig
}

type LLMConfig struct {
	Provider    string
	Model       string
	BaseURL     string
	APIKey      string
	MaxTokens   int
	Temperature float64
}

type GovernorConfig struct {
	MinInterval        time.Duration
	Window             time.Duration
	MaxPerWindow       int
	MaxPerClientWindow int
	// DailyTokenCap below zero disables the budget.
	DailyTokenCap int64
	KillSwitch    bool
}

type PipelineConfig struct {
	CompletionTimeout time.Duration
	RetryBackoff      time.Duration
	// SessionWait of zero rejects a second request for a busy session at once.
	SessionWait   time.Duration
	HistoryTurns  int
	MaxMessageLen int
	MaxRoundtable int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("knowledge_dir", "")
	v.SetDefault("param_prefix", "")
	v.SetDefault("state_table", "")
	v.SetDefault("usage_db", "")
	v.SetDefault("admin_token", "")

	v.SetDefault("llm.provider", ProviderOpenAI)
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.base_url", DefaultOpenAIBaseURL)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.max_tokens", 350)
	v.SetDefault("llm.temperature", 0.7)

	v.SetDefault("governor.min_interval", 2*time.Second)
	v.SetDefault("governor.window", time.Minute)
	v.SetDefault("governor.max_per_window", 10)
	v.SetDefault("governor.max_per_client_window", 0)
	v.SetDefault("governor.daily_token_cap", 200000)
	v.SetDefault("governor.kill_switch", false)

	v.SetDefault("pipeline.completion_timeout", 20*time.Second)
	v.SetDefault("pipeline.retry_backoff", 250*time.Millisecond)
	v.SetDefault("pipeline.session_wait", 25*time.Second)
	v.SetDefault("pipeline.history_turns", 8)
	v.SetDefault("pipeline.max_message_len", 1000)
	v.SetDefault("pipeline.max_roundtable", 3)
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment apply; a named file must exist.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := Config{
		ListenAddr:   strings.TrimSpace(v.GetString("listen_addr")),
		LogLevel:     strings.TrimSpace(v.GetString("log_level")),
		KnowledgeDir: strings.TrimSpace(v.GetString("knowledge_dir")),
		ParamPrefix:  strings.TrimRight(strings.TrimSpace(v.GetString("param_prefix")), "/"),
		StateTable:   strings.TrimSpace(v.GetString("state_table")),
		UsageDB:      strings.TrimSpace(v.GetString("usage_db")),
		AdminToken:   strings.TrimSpace(v.GetString("admin_token")),
		LLM: LLMConfig{
			Provider:    strings.ToLower(strings.TrimSpace(v.GetString("llm.provider"))),
			Model:       strings.TrimSpace(v.GetString("llm.model")),
			BaseURL:     strings.TrimSpace(v.GetString("llm.base_url")),
			APIKey:      strings.TrimSpace(v.GetString("llm.api_key")),
			MaxTokens:   v.GetInt("llm.max_tokens"),
			Temperature: v.GetFloat64("llm.temperature"),
		},
		Governor: GovernorConfig{
			MinInterval:        v.GetDuration("governor.min_interval"),
			Window:             v.GetDuration("governor.window"),
			MaxPerWindow:       v.GetInt("governor.max_per_window"),
			MaxPerClientWindow: v.GetInt("governor.max_per_client_window"),
			DailyTokenCap:      v.GetInt64("governor.daily_token_cap"),
			KillSwitch:         v.GetBool("governor.kill_switch"),
		},
		Pipeline: PipelineConfig{
			CompletionTimeout: v.GetDuration("pipeline.completion_timeout"),
			RetryBackoff:      v.GetDuration("pipeline.retry_backoff"),
			SessionWait:       v.GetDuration("pipeline.session_wait"),
			HistoryTurns:      v.GetInt("pipeline.history_turns"),
			MaxMessageLen:     v.GetInt("pipeline.max_message_len"),
			MaxRoundtable:     v.GetInt("pipeline.max_roundtable"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("config: log_level: %w", err))
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("config: listen_addr must not be empty"))
	}
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderGemini:
	default:
		errs = append(errs, fmt.Errorf("config: llm.provider %q is not supported (valid: openai, gemini)", c.LLM.Provider))
	}
	if c.LLM.Model == "" {
		errs = append(errs, errors.New("config: llm.model must not be empty"))
	}
	if c.LLM.MaxTokens < 0 {
		errs = append(errs, errors.New("config: llm.max_tokens must not be negative"))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, errors.New("config: llm.temperature must be within [0, 2]"))
	}

	g := c.Governor
	if g.MinInterval < 0 {
		errs = append(errs, errors.New("config: governor.min_interval must not be negative"))
	}
	if g.MaxPerWindow < 0 || g.MaxPerClientWindow < 0 {
		errs = append(errs, errors.New("config: governor window caps must not be negative"))
	}
	if (g.MaxPerWindow > 0 || g.MaxPerClientWindow > 0) && g.Window <= 0 {
		errs = append(errs, errors.New("config: governor.window must be positive when a window cap is set"))
	}

	p := c.Pipeline
	if p.CompletionTimeout <= 0 {
		errs = append(errs, errors.New("config: pipeline.completion_timeout must be positive"))
	}
	if p.RetryBackoff < 0 || p.SessionWait < 0 {
		errs = append(errs, errors.New("config: pipeline durations must not be negative"))
	}
	if p.HistoryTurns <= 0 {
		errs = append(errs, errors.New("config: pipeline.history_turns must be positive"))
	}
	if p.MaxMessageLen <= 0 {
		errs = append(errs, errors.New("config: pipeline.max_message_len must be positive"))
	}
	if p.MaxRoundtable <= 0 {
		errs = append(errs, errors.New("config: pipeline.max_roundtable must be positive"))
	}
	return errors.Join(errs...)
}

// Limits maps the governor settings.
func (c Config) Limits() governor.Limits {
	return governor.Limits{
		MinInterval:        c.Governor.MinInterval,
		Window:             c.Governor.Window,
		MaxPerWindow:       c.Governor.MaxPerWindow,
		MaxPerClientWindow: c.Governor.MaxPerClientWindow,
		DailyTokenCap:      c.Governor.DailyTokenCap,
		KillSwitch:         c.Governor.KillSwitch,
	}
}

// ChatConfig maps the pipeline settings.
func (c Config) ChatConfig() usecase.Config {
	// usecase.Config treats zero as "use the default"; configured zeros mean none.
	wait, backoff := c.Pipeline.SessionWait, c.Pipeline.RetryBackoff
	if wait == 0 {
		wait = -1
	}
	if backoff == 0 {
		backoff = -1
	}
	return usecase.Config{
		Model:             c.LLM.Model,
		Provider:          c.LLM.Provider,
		CompletionTimeout: c.Pipeline.CompletionTimeout,
		RetryBackoff:      backoff,
		SessionWait:       wait,
		HistoryTurns:      c.Pipeline.HistoryTurns,
		MaxMessageLen:     c.Pipeline.MaxMessageLen,
		MaxRoundtable:     c.Pipeline.MaxRoundtable,
	}
}
