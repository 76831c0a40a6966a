package domain

import "time"

// AgentKind distinguishes how an agent is hosted.
type AgentKind string

const (
	KindProcess   AgentKind = "process"
	KindContainer AgentKind = "container"
)

// LLMConfig selects a provider and model for an agent.
type LLMConfig struct {
	Provider    string            `json:"provider"     yaml:"provider"`
	Model       string            `json:"model"        yaml:"model"`
	ExtraParams map[string]string `json:"extra_params,omitempty" yaml:"extra_params,omitempty"`
}

// BehaviorConfig tunes how an agent participates in conversations.
type BehaviorConfig struct {
	MaxContextMessages   int      `json:"max_context_messages"  yaml:"max_context_messages"`
	MaxTurnsPerThread    int      `json:"max_turns_per_thread"  yaml:"max_turns_per_thread"`
	ResponseDelaySeconds float64  `json:"response_delay_seconds" yaml:"response_delay_seconds"`
	IgnoreBots           bool     `json:"ignore_bots"           yaml:"ignore_bots"`
	BotAllowlist         []string `json:"bot_allowlist,omitempty"     yaml:"bot_allowlist,omitempty"`
	ChannelAllowlist     []string `json:"channel_allowlist,omitempty" yaml:"channel_allowlist,omitempty"`
	TriggerWords         []string `json:"trigger_words,omitempty"     yaml:"trigger_words,omitempty"`
	StartupChannel       string   `json:"startup_channel,omitempty"   yaml:"startup_channel,omitempty"`
	CreateThreads        bool     `json:"create_threads,omitempty"    yaml:"create_threads,omitempty"`
}

// MountSpec describes an extra bind mount for a container agent.
type MountSpec struct {
	HostPath  string `json:"host_path"  yaml:"host_path"`
	MountPath string `json:"mount_path" yaml:"mount_path"`
	ReadOnly  bool   `json:"read_only"  yaml:"read_only"`
}

// ResourcesConfig holds container-kind placement details.
// Process agents must not carry one.
type ResourcesConfig struct {
	Image              string            `json:"image"               yaml:"image"`
	WorkspaceHostPath  string            `json:"workspace_host_path" yaml:"workspace_host_path"`
	WorkspaceMountPath string            `json:"workspace_mount_path" yaml:"workspace_mount_path"`
	ExtraMounts        []MountSpec       `json:"extra_mounts,omitempty"  yaml:"extra_mounts,omitempty"`
	EnvOverrides       map[string]string `json:"env_overrides,omitempty" yaml:"env_overrides,omitempty"`
	Labels             map[string]string `json:"labels,omitempty"        yaml:"labels,omitempty"`
	RestartPolicy      string            `json:"restart_policy,omitempty" yaml:"restart_policy,omitempty"`
	PullIfMissing      bool              `json:"pull_if_missing,omitempty" yaml:"pull_if_missing,omitempty"`
	ProbeCommand       []string          `json:"probe_command,omitempty"  yaml:"probe_command,omitempty"`
}

// AgentSpec is the immutable, declared description of one agent.
type AgentSpec struct {
	ID                 string           `json:"id"                  yaml:"id"`
	Kind               AgentKind        `json:"kind"                yaml:"kind"`
	DisplayName        string           `json:"display_name"        yaml:"display_name"`
	Personality        string           `json:"personality"         yaml:"personality"`
	SystemPromptSuffix string           `json:"system_prompt_suffix,omitempty" yaml:"system_prompt_suffix,omitempty"`
	LLM                LLMConfig        `json:"llm"                 yaml:"llm"`
	DiscordTokenRef    string           `json:"discord_token_ref"   yaml:"discord_token_ref"`
	Behavior           BehaviorConfig   `json:"behavior"            yaml:"behavior"`
	Resources          *ResourcesConfig `json:"resources,omitempty" yaml:"resources,omitempty"`
	AutoDeploy         bool             `json:"auto_deploy"         yaml:"auto_deploy"`
}

// InstanceState is the lifecycle state of a deployed agent instance.
type InstanceState string

const (
	StateStarting  InstanceState = "starting"
	StateRunning   InstanceState = "running"
	StateStopping  InstanceState = "stopping"
	StateStopped   InstanceState = "stopped"
	StateCrashLoop InstanceState = "crash_loop"
	StateFailed    InstanceState = "failed"
)

// Terminal reports whether the state admits no further automatic transitions.
func (s InstanceState) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// InstanceStatus is the operator-visible snapshot of one instance.
type InstanceStatus struct {
	SpecID       string        `json:"spec_id"`
	State        InstanceState `json:"state"`
	StartedAt    time.Time     `json:"started_at,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastHealthAt time.Time     `json:"last_health_at,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	LastErrorAt  time.Time     `json:"last_error_at,omitempty"`
	Healthy      bool          `json:"healthy"`
}
