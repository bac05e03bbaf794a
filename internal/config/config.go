// Package config holds all chatpilot configuration: the fragile,
// site-specific selector contract, monitor cadence, retry policy, and
// output locations. Selector chains are data, not code; the target site
// re-renders and renames continuously, so operators tune these in YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Selector is one lookup strategy inside an ordered chain.
// By is one of "css", "xpath", "id", "text".
type Selector struct {
	By    string `yaml:"by"`
	Value string `yaml:"value"`
}

// Chain is an ordered list of alternative selectors; first hit wins.
type Chain []Selector

// Config holds all chatpilot configuration.
type Config struct {
	Site    SiteConfig    `yaml:"site"`
	Browser BrowserConfig `yaml:"browser"`
	Monitor MonitorConfig `yaml:"monitor"`
	Retry   RetryConfig   `yaml:"retry"`
	Output  OutputConfig  `yaml:"output"`
	Logging LoggingConfig `yaml:"logging"`
}

// SiteConfig is the external DOM selector contract plus the text heuristics
// that go with it. Everything in here breaks when the site ships new markup.
type SiteConfig struct {
	URL string `yaml:"url"`

	PromptInput       Chain `yaml:"prompt_input"`
	SubmitControl     Chain `yaml:"submit_control"`
	ThinkingIndicator Chain `yaml:"thinking_indicator"`
	CopyAffordance    Chain `yaml:"copy_affordance"`
	RegenerateControl Chain `yaml:"regenerate_control"`
	ErrorIndicator    Chain `yaml:"error_indicator"`

	// MessageIDAttr keys the per-message container, e.g. "message-content-id".
	MessageIDAttr string `yaml:"message_id_attr"`

	// ErrorPhrases are the terminal generation-error strings. A phrase must
	// appear complete in the visible text to classify as an error.
	ErrorPhrases []string `yaml:"error_phrases"`

	// ThinkingMarkers are texts a thinking indicator renders while the
	// service is still generating.
	ThinkingMarkers []string `yaml:"thinking_markers"`

	// ResponseKeywords feed the plausibility check on extracted replies.
	ResponseKeywords []string `yaml:"response_keywords"`

	// CopyLabels and TrailingArtifacts drive UI-artifact stripping.
	CopyLabels        []string `yaml:"copy_labels"`
	TrailingArtifacts []string `yaml:"trailing_artifacts"`
}

// BrowserConfig configures the Chrome session.
type BrowserConfig struct {
	Bin                 string `yaml:"bin"`
	DebuggerURL         string `yaml:"debugger_url"`
	Headless            bool   `yaml:"headless"`
	ProfileDir          string `yaml:"profile_dir"`
	ViewportWidth       int    `yaml:"viewport_width"`
	ViewportHeight      int    `yaml:"viewport_height"`
	NavigationTimeoutMs int    `yaml:"navigation_timeout_ms"`
}

// MonitorConfig configures streaming-completion detection.
type MonitorConfig struct {
	PollIntervalMs   int `yaml:"poll_interval_ms"`
	StablePolls      int `yaml:"stable_polls"`
	MinResponseChars int `yaml:"min_response_chars"`
	TimeoutSec       int `yaml:"timeout_sec"`
}

// RetryConfig configures both recovery engines. The regenerate and fallback
// paths share the policy but keep independent attempt counters.
type RetryConfig struct {
	MaxAttempts     int    `yaml:"max_attempts"`
	JitterMinMs     int    `yaml:"jitter_min_ms"`
	JitterMaxMs     int    `yaml:"jitter_max_ms"`
	FallbackMessage string `yaml:"fallback_message"`
}

// OutputConfig configures artifact persistence.
type OutputConfig struct {
	Dir          string `yaml:"dir"`
	TranscriptDB string `yaml:"transcript_db"`
}

// LoggingConfig configures zap output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// NavigationTimeout returns the navigation timeout.
func (c BrowserConfig) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// PollInterval returns the monitor tick spacing.
func (c MonitorConfig) PollInterval() time.Duration {
	if c.PollIntervalMs == 0 {
		return 3 * time.Second
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Timeout returns the overall streaming wait bound.
func (c MonitorConfig) Timeout() time.Duration {
	if c.TimeoutSec == 0 {
		return 300 * time.Second
	}
	return time.Duration(c.TimeoutSec) * time.Second
}

// JitterMin returns the lower backoff bound.
func (c RetryConfig) JitterMin() time.Duration {
	if c.JitterMinMs == 0 {
		return time.Second
	}
	return time.Duration(c.JitterMinMs) * time.Millisecond
}

// JitterMax returns the upper backoff bound.
func (c RetryConfig) JitterMax() time.Duration {
	if c.JitterMaxMs == 0 {
		return 5 * time.Second
	}
	return time.Duration(c.JitterMaxMs) * time.Millisecond
}

// DefaultConfig returns the shipped defaults for the Genspark chat target.
func DefaultConfig() Config {
	return Config{
		Site: SiteConfig{
			URL: "https://www.genspark.ai/agents?type=moa_chat",
			PromptInput: Chain{
				{By: "css", Value: "textarea"},
				{By: "css", Value: "input[type='text']"},
				{By: "css", Value: "[contenteditable='true']"},
				{By: "css", Value: ".prompt-textarea"},
				{By: "id", Value: "prompt-textarea"},
			},
			SubmitControl: Chain{
				{By: "css", Value: "button[type='submit']"},
				{By: "css", Value: "input[type='submit']"},
				{By: "css", Value: ".submit-button"},
				{By: "css", Value: ".send-button"},
				{By: "text", Value: "Send"},
				{By: "text", Value: "送信"},
			},
			ThinkingIndicator: Chain{
				{By: "xpath", Value: "//*[contains(text(), 'Thinking') or contains(text(), 'thinking')]"},
			},
			CopyAffordance: Chain{
				{By: "xpath", Value: "//*[contains(text(), 'コピー') or contains(text(), 'Copy')]"},
			},
			RegenerateControl: Chain{
				{By: "text", Value: "応答を再生成"},
				{By: "text", Value: "再生成"},
				{By: "text", Value: "Regenerate"},
				{By: "css", Value: ".regenerate-button"},
			},
			ErrorIndicator: Chain{
				{By: "css", Value: ".error-message"},
				{By: "css", Value: ".alert-error"},
			},
			MessageIDAttr: "message-content-id",
			ErrorPhrases: []string{
				"応答の生成中にエラーが発生しました",
				"An error occurred while generating the response",
			},
			ThinkingMarkers: []string{
				"thinking...", "thinking", "考え中", "生成中", "█",
			},
			ResponseKeywords: []string{
				"です", "ます", "である", "。", "について", "比較",
				"the", "is", "are", ".",
			},
			CopyLabels: []string{"コピー", "Copy", "copy"},
			TrailingArtifacts: []string{
				"再生成", "Regenerate", "いいね", "Like", "シェア", "Share",
				"次へ", "戻る", "Previous", "Next", "メニュー", "Menu", "設定", "Settings",
			},
		},
		Browser: BrowserConfig{
			Headless:            false,
			ProfileDir:          defaultProfileDir(),
			ViewportWidth:       1920,
			ViewportHeight:      1080,
			NavigationTimeoutMs: 30000,
		},
		Monitor: MonitorConfig{
			PollIntervalMs:   3000,
			StablePolls:      3,
			MinResponseChars: 50,
			TimeoutSec:       300,
		},
		Retry: RetryConfig{
			MaxAttempts:     20,
			JitterMinMs:     1000,
			JitterMaxMs:     5000,
			FallbackMessage: "続けてください",
		},
		Output: OutputConfig{
			Dir:          "outputs",
			TranscriptDB: filepath.Join(".chatpilot", "transcript.db"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func defaultProfileDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatpilot-profile"
	}
	return filepath.Join(home, ".chatpilot", "profile")
}

// Load reads a YAML config file over the defaults. A missing file is not an
// error; the defaults are returned as-is.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the engines cannot run with.
func (c Config) Validate() error {
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.JitterMax() < c.Retry.JitterMin() {
		return fmt.Errorf("retry jitter bounds inverted: min %s > max %s", c.Retry.JitterMin(), c.Retry.JitterMax())
	}
	if c.Monitor.StablePolls <= 0 {
		return fmt.Errorf("monitor.stable_polls must be positive, got %d", c.Monitor.StablePolls)
	}
	if c.Site.MessageIDAttr == "" {
		return fmt.Errorf("site.message_id_attr is required")
	}
	if len(c.Site.PromptInput) == 0 {
		return fmt.Errorf("site.prompt_input selector chain is empty")
	}
	return nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
