package domain

import "context"

// AgentProfile is a named persona record consumed by the completion
// service. Profiles are immutable once loaded; a registry reload swaps the
// whole snapshot atomically rather than mutating individual profiles.
type AgentProfile struct {
	Key          string            `json:"key"            yaml:"key"`
	DisplayName  string            `json:"display_name"   yaml:"display_name"`
	SystemPrompt string            `json:"system_prompt"  yaml:"system_prompt"`
	Provider     string            `json:"provider"       yaml:"provider"`
	Model        string            `json:"model"          yaml:"model"`
	ToolNames    []string          `json:"tools,omitempty"    yaml:"tools,omitempty"`
	Keywords     []string          `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Priority     int               `json:"priority,omitempty" yaml:"priority,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// RegistrySnapshot is an immutable view of the agent registry. In-flight
// turns hold one snapshot for their whole duration and never observe a
// half-updated registry.
type RegistrySnapshot struct {
	Version  uint64
	Profiles []AgentProfile // sorted by Priority desc, then Key
}

// Get returns the profile for key, or false.
func (s *RegistrySnapshot) Get(key string) (AgentProfile, bool) {
	for _, p := range s.Profiles {
		if p.Key == key {
			return p, true
		}
	}
	return AgentProfile{}, false
}

// Empty reports whether the snapshot holds no profiles.
func (s *RegistrySnapshot) Empty() bool {
	return s == nil || len(s.Profiles) == 0
}

// AgentRegistry is the external collaborator boundary for persona records.
// The orchestration core only consumes this read API and never inspects
// storage formats directly.
type AgentRegistry interface {
	// Snapshot returns the current immutable registry view.
	Snapshot() *RegistrySnapshot
	// Get returns the profile for key, or ErrNotFound.
	Get(key string) (AgentProfile, error)
	// Reload rebuilds the snapshot off the hot path and atomically
	// publishes it. Returns the new snapshot version.
	Reload(ctx context.Context) (uint64, error)
}
