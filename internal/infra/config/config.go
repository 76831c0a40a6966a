package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/glindberg2000/superagent/internal/domain"
)

// RestartBudget bounds automatic restarts within a rolling window.
type RestartBudget struct {
	MaxRestarts int           `yaml:"max_restarts"`
	Window      time.Duration `yaml:"window"`
}

// rawRestartBudget mirrors RestartBudget with string durations, as they
// appear in YAML ("60s", "5m").
type rawRestartBudget struct {
	MaxRestarts int    `yaml:"max_restarts"`
	Window      string `yaml:"window"`
}

// UnmarshalYAML parses duration strings into time.Duration.
func (b *RestartBudget) UnmarshalYAML(value *yaml.Node) error {
	var raw rawRestartBudget
	if err := decodeStrict(value, &raw); err != nil {
		return err
	}
	b.MaxRestarts = raw.MaxRestarts
	return parseDuration(raw.Window, "restart_budget.window", &b.Window)
}

// decodeStrict decodes a node with unknown keys rejected. Node.Decode
// does not carry the outer decoder's KnownFields setting.
func decodeStrict(value *yaml.Node, out any) error {
	data, err := yaml.Marshal(value)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(out)
}

// parseDuration stores the parsed duration in dst; empty input leaves
// dst untouched so defaults can apply.
func parseDuration(s, field string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fmt.Errorf("%w: %s: invalid duration %q", domain.ErrConfig, field, s)
	}
	*dst = d
	return nil
}

// GlobalConfig holds deployment-wide settings.
type GlobalConfig struct {
	GatewayBaseURL   string        `yaml:"gateway_base_url"`
	GatewayListen    string        `yaml:"gateway_listen"`
	ControlListen    string        `yaml:"control_listen"`
	MemoryDSN        string        `yaml:"memory_dsn"`
	EmbeddingModel   string        `yaml:"embedding_model"`
	EmbeddingDim     int           `yaml:"embedding_dimension"`
	EmbeddingBaseURL string        `yaml:"embedding_base_url"`
	LogRoot          string        `yaml:"log_root"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
	Network          string        `yaml:"container_network"`
	WorkerCommand    string        `yaml:"worker_command"`
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	StartupTimeout   time.Duration `yaml:"startup_timeout"`
	StopGrace        time.Duration `yaml:"stop_grace"`
	LLMTimeout       time.Duration `yaml:"llm_timeout"`
	EmbeddingTimeout time.Duration `yaml:"embedding_timeout"`
	GatewayTimeout   time.Duration `yaml:"gateway_timeout"`
	SimilarityFloor  float64       `yaml:"similarity_floor"`
	RetentionDays    int           `yaml:"retention_days"`
	StateEviction    time.Duration `yaml:"state_eviction"`
	RestartBudget    RestartBudget `yaml:"restart_budget"`
}

// rawGlobalConfig mirrors GlobalConfig with string durations.
type rawGlobalConfig struct {
	GatewayBaseURL   string        `yaml:"gateway_base_url"`
	GatewayListen    string        `yaml:"gateway_listen"`
	ControlListen    string        `yaml:"control_listen"`
	MemoryDSN        string        `yaml:"memory_dsn"`
	EmbeddingModel   string        `yaml:"embedding_model"`
	EmbeddingDim     int           `yaml:"embedding_dimension"`
	EmbeddingBaseURL string        `yaml:"embedding_base_url"`
	LogRoot          string        `yaml:"log_root"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
	Network          string        `yaml:"container_network"`
	WorkerCommand    string        `yaml:"worker_command"`
	ProbeInterval    string        `yaml:"probe_interval"`
	StartupTimeout   string        `yaml:"startup_timeout"`
	StopGrace        string        `yaml:"stop_grace"`
	LLMTimeout       string        `yaml:"llm_timeout"`
	EmbeddingTimeout string        `yaml:"embedding_timeout"`
	GatewayTimeout   string        `yaml:"gateway_timeout"`
	SimilarityFloor  float64       `yaml:"similarity_floor"`
	RetentionDays    int           `yaml:"retention_days"`
	StateEviction    string        `yaml:"state_eviction"`
	RestartBudget    RestartBudget `yaml:"restart_budget"`
}

// UnmarshalYAML parses duration strings into time.Duration fields.
func (g *GlobalConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw rawGlobalConfig
	if err := decodeStrict(value, &raw); err != nil {
		return err
	}

	g.GatewayBaseURL = raw.GatewayBaseURL
	g.GatewayListen = raw.GatewayListen
	g.ControlListen = raw.ControlListen
	g.MemoryDSN = raw.MemoryDSN
	g.EmbeddingModel = raw.EmbeddingModel
	g.EmbeddingDim = raw.EmbeddingDim
	g.EmbeddingBaseURL = raw.EmbeddingBaseURL
	g.LogRoot = raw.LogRoot
	g.LogLevel = raw.LogLevel
	g.LogFormat = raw.LogFormat
	g.Network = raw.Network
	g.WorkerCommand = raw.WorkerCommand
	g.SimilarityFloor = raw.SimilarityFloor
	g.RetentionDays = raw.RetentionDays
	g.RestartBudget = raw.RestartBudget

	for _, f := range []struct {
		src   string
		field string
		dst   *time.Duration
	}{
		{raw.ProbeInterval, "probe_interval", &g.ProbeInterval},
		{raw.StartupTimeout, "startup_timeout", &g.StartupTimeout},
		{raw.StopGrace, "stop_grace", &g.StopGrace},
		{raw.LLMTimeout, "llm_timeout", &g.LLMTimeout},
		{raw.EmbeddingTimeout, "embedding_timeout", &g.EmbeddingTimeout},
		{raw.GatewayTimeout, "gateway_timeout", &g.GatewayTimeout},
		{raw.StateEviction, "state_eviction", &g.StateEviction},
	} {
		if err := parseDuration(f.src, f.field, f.dst); err != nil {
			return err
		}
	}
	return nil
}

// Config is the top-level declarative document: the fleet, the globals,
// and the names of the secrets the fleet references.
type Config struct {
	Agents      map[string]domain.AgentSpec `yaml:"agents"`
	Global      GlobalConfig                `yaml:"global"`
	SecretsRefs []string                    `yaml:"secrets_refs"`
}

// Load reads, strictly decodes, defaults, and validates a configuration
// file. Unknown keys are rejected. The returned Config is immutable by
// convention: it is loaded once and shared by pointer with components.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrConfig, path, err)
	}
	return Parse(data)
}

// Parse decodes a configuration document from bytes.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", domain.ErrConfig, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	g := &c.Global
	if g.GatewayBaseURL == "" {
		g.GatewayBaseURL = "http://127.0.0.1:9091"
	}
	if g.GatewayListen == "" {
		g.GatewayListen = "127.0.0.1:9091"
	}
	if g.ControlListen == "" {
		g.ControlListen = "127.0.0.1:9090"
	}
	if g.EmbeddingModel == "" {
		g.EmbeddingModel = "text-embedding-3-small"
	}
	if g.EmbeddingDim == 0 {
		g.EmbeddingDim = 1536
	}
	if g.LogRoot == "" {
		g.LogRoot = "./logs"
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	if g.LogFormat == "" {
		g.LogFormat = "text"
	}
	if g.Network == "" {
		g.Network = "superagent"
	}
	if g.WorkerCommand == "" {
		g.WorkerCommand = "agentworker"
	}
	if g.ProbeInterval == 0 {
		g.ProbeInterval = 60 * time.Second
	}
	if g.StartupTimeout == 0 {
		g.StartupTimeout = 30 * time.Second
	}
	if g.StopGrace == 0 {
		g.StopGrace = 10 * time.Second
	}
	if g.LLMTimeout == 0 {
		g.LLMTimeout = 60 * time.Second
	}
	if g.EmbeddingTimeout == 0 {
		g.EmbeddingTimeout = 10 * time.Second
	}
	if g.GatewayTimeout == 0 {
		g.GatewayTimeout = 30 * time.Second
	}
	if g.SimilarityFloor == 0 {
		g.SimilarityFloor = 0.2
	}
	if g.StateEviction == 0 {
		g.StateEviction = 2 * time.Hour
	}
	if g.RestartBudget.MaxRestarts == 0 {
		g.RestartBudget.MaxRestarts = 3
	}
	if g.RestartBudget.Window == 0 {
		g.RestartBudget.Window = 60 * time.Second
	}

	for id, spec := range c.Agents {
		spec.ID = id
		if spec.Kind == "" {
			spec.Kind = domain.KindProcess
		}
		if spec.DisplayName == "" {
			spec.DisplayName = id
		}
		c.Agents[id] = spec
	}
}
