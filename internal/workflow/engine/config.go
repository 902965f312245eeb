package engine

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/tunnelhq/tunnel/internal/workflow/runtime"
)

// LLMConfig points the planning/generation/healing stages at an
// OpenAI-compatible chat endpoint. The API key is resolved from the
// environment variable named in APIKeyEnv, never stored in the file.
type LLMConfig struct {
	Model     string            `yaml:"model"`
	BaseURL   string            `yaml:"base_url"`
	Path      string            `yaml:"path,omitempty"`
	APIKeyEnv string            `yaml:"api_key_env"`
	Headers   map[string]string `yaml:"headers,omitempty"`
}

// BrowserRuntimeConfig configures the remote browser session service.
type BrowserRuntimeConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
	ProjectID string `yaml:"project_id,omitempty"`

	Kind      string           `yaml:"kind,omitempty"`
	Headless  *bool            `yaml:"headless,omitempty"`
	Viewport  runtime.Viewport `yaml:"viewport,omitempty"`
	Proxy     string           `yaml:"proxy,omitempty"`
	TimeoutMS int              `yaml:"timeout_ms,omitempty"`
}

// BackoffConfig configures retry delays between stage attempts.
type BackoffConfig struct {
	InitialDelayMS int     `yaml:"initial_delay_ms,omitempty"`
	BackoffFactor  float64 `yaml:"backoff_factor,omitempty"`
	MaxDelayMS     int     `yaml:"max_delay_ms,omitempty"`
	Jitter         bool    `yaml:"jitter,omitempty"`
}

// PolicyConfig holds the run-level termination and retry knobs. Pointer
// fields preserve explicit zero versus unset.
type PolicyConfig struct {
	HMax            *int `yaml:"h_max,omitempty"`
	StepCeiling     *int `yaml:"step_ceiling,omitempty"`
	StageTimeoutMS  *int `yaml:"stage_timeout_ms,omitempty"`
	PlanRetries     *int `yaml:"plan_retries,omitempty"`
	GenerateRetries *int `yaml:"generate_retries,omitempty"`
	ExecuteRetries  *int `yaml:"execute_retries,omitempty"`
	SignatureLimit  *int `yaml:"failure_signature_limit,omitempty"`

	Backoff BackoffConfig `yaml:"backoff,omitempty"`
}

type ReportConfig struct {
	// ArtifactIncludeGlobs filters execution artifact refs into the report.
	// Empty means include everything.
	ArtifactIncludeGlobs []string `yaml:"artifact_include_globs,omitempty"`
}

// RunConfigFile is the on-disk run configuration schema.
type RunConfigFile struct {
	Version int `yaml:"version"`

	LLM     LLMConfig            `yaml:"llm"`
	Browser BrowserRuntimeConfig `yaml:"browser"`
	Policy  PolicyConfig         `yaml:"policy,omitempty"`
	Report  ReportConfig         `yaml:"report,omitempty"`
}

const (
	defaultHMax            = 3
	defaultStepCeiling     = 50
	defaultPlanRetries     = 2
	defaultGenerateRetries = 2
	defaultExecuteRetries  = 2
	defaultSignatureLimit  = 3
)

func LoadRunConfigFile(path string) (*RunConfigFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRunConfig(b)
}

func ParseRunConfig(b []byte) (*RunConfigFile, error) {
	var cfg RunConfigFile
	if err := decodeYAMLStrict(b, &cfg); err != nil {
		return nil, err
	}
	applyConfigDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAMLStrict(b []byte, cfg *RunConfigFile) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyConfigDefaults(cfg *RunConfigFile) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Policy.HMax == nil {
		v := defaultHMax
		cfg.Policy.HMax = &v
	}
	if cfg.Policy.StepCeiling == nil {
		v := defaultStepCeiling
		cfg.Policy.StepCeiling = &v
	}
	if cfg.Policy.StageTimeoutMS == nil {
		v := 0
		cfg.Policy.StageTimeoutMS = &v
	}
	if cfg.Policy.PlanRetries == nil {
		v := defaultPlanRetries
		cfg.Policy.PlanRetries = &v
	}
	if cfg.Policy.GenerateRetries == nil {
		v := defaultGenerateRetries
		cfg.Policy.GenerateRetries = &v
	}
	if cfg.Policy.ExecuteRetries == nil {
		v := defaultExecuteRetries
		cfg.Policy.ExecuteRetries = &v
	}
	if cfg.Policy.SignatureLimit == nil {
		v := defaultSignatureLimit
		cfg.Policy.SignatureLimit = &v
	}
	if cfg.Policy.Backoff == (BackoffConfig{}) {
		cfg.Policy.Backoff = defaultBackoffConfig()
	}
	cfg.LLM.Model = strings.TrimSpace(cfg.LLM.Model)
	cfg.LLM.BaseURL = strings.TrimSpace(cfg.LLM.BaseURL)
	cfg.LLM.APIKeyEnv = strings.TrimSpace(cfg.LLM.APIKeyEnv)
	cfg.Browser.BaseURL = strings.TrimSpace(cfg.Browser.BaseURL)
	cfg.Browser.APIKeyEnv = strings.TrimSpace(cfg.Browser.APIKeyEnv)
	cfg.Report.ArtifactIncludeGlobs = trimNonEmpty(cfg.Report.ArtifactIncludeGlobs)
}

func validateConfig(cfg *RunConfigFile) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	if cfg.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if cfg.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required")
	}
	if cfg.Browser.BaseURL == "" {
		return fmt.Errorf("browser.base_url is required")
	}
	if cfg.Browser.Kind != "" {
		if _, err := runtime.ParseBrowserKind(cfg.Browser.Kind); err != nil {
			return fmt.Errorf("browser.kind: %w", err)
		}
	}
	if *cfg.Policy.HMax < 0 {
		return fmt.Errorf("policy.h_max must be >= 0")
	}
	if *cfg.Policy.StepCeiling < 1 {
		return fmt.Errorf("policy.step_ceiling must be >= 1")
	}
	if *cfg.Policy.StageTimeoutMS < 0 {
		return fmt.Errorf("policy.stage_timeout_ms must be >= 0")
	}
	for name, v := range map[string]int{
		"policy.plan_retries":     *cfg.Policy.PlanRetries,
		"policy.generate_retries": *cfg.Policy.GenerateRetries,
		"policy.execute_retries":  *cfg.Policy.ExecuteRetries,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	if *cfg.Policy.SignatureLimit < 1 {
		return fmt.Errorf("policy.failure_signature_limit must be >= 1")
	}
	for _, g := range cfg.Report.ArtifactIncludeGlobs {
		if !doublestar.ValidatePattern(g) {
			return fmt.Errorf("report.artifact_include_globs: invalid pattern %q", g)
		}
	}
	return nil
}

// APIKey resolves the configured credential from the environment.
func (c LLMConfig) APIKey() (string, error) {
	return apiKeyFromEnv(c.APIKeyEnv, "llm.api_key_env")
}

func (c BrowserRuntimeConfig) APIKey() (string, error) {
	return apiKeyFromEnv(c.APIKeyEnv, "browser.api_key_env")
}

func apiKeyFromEnv(envName, field string) (string, error) {
	envName = strings.TrimSpace(envName)
	if envName == "" {
		return "", nil
	}
	v := strings.TrimSpace(os.Getenv(envName))
	if v == "" {
		return "", fmt.Errorf("%s: environment variable %s is not set", field, envName)
	}
	return v, nil
}

// BrowserConfig materializes the runtime browser settings from the file.
func (c BrowserRuntimeConfig) BrowserConfig() (runtime.BrowserConfig, error) {
	kind := runtime.BrowserChromium
	if c.Kind != "" {
		k, err := runtime.ParseBrowserKind(c.Kind)
		if err != nil {
			return runtime.BrowserConfig{}, err
		}
		kind = k
	}
	headless := true
	if c.Headless != nil {
		headless = *c.Headless
	}
	return runtime.BrowserConfig{
		Kind:      kind,
		Headless:  headless,
		Viewport:  c.Viewport,
		Proxy:     strings.TrimSpace(c.Proxy),
		TimeoutMS: c.TimeoutMS,
	}, nil
}

func trimNonEmpty(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
