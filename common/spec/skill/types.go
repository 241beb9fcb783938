// Package skill defines the skill manifest schema (v1).
//
// A skill is a containerised sub-agent task. Its manifest declares what the
// skill is allowed to do (a list of capabilities) and how its container is
// shaped. It never names secrets: the broker maps granted capabilities to
// credentials at proxy time, so the strongest thing a manifest can obtain is
// a short-lived scoped token covering its declared capability list.
package skill

import "github.com/bdobrica/sekisho/common/spec/capability"

// Version is the manifest schema version this package understands.
const Version = 1

// Network policies a skill container may request.
const (
	// NetworkBrokerOnly attaches the container to an internal network whose
	// only reachable egress endpoint is the broker.
	NetworkBrokerOnly = "broker-only"
	// NetworkNone attaches the container to a disconnected network.
	NetworkNone = "none"
)

// DefaultTimeoutSeconds bounds a skill run when the manifest does not say.
const DefaultTimeoutSeconds = 300

// Manifest is the root type for a skill manifest document
// (skill.yaml / skill.yml / skill.json).
type Manifest struct {
	// Version must be 1.
	Version int `yaml:"version" json:"version"`

	// Name is the kebab-case skill identifier (^[a-z][a-z0-9-]*$).
	Name string `yaml:"name" json:"name"`

	// Description is a human-readable summary, at most 200 characters.
	Description string `yaml:"description" json:"description"`

	// Emoji is an optional display glyph.
	Emoji string `yaml:"emoji,omitempty" json:"emoji,omitempty"`

	// Author is optional attribution.
	Author string `yaml:"author,omitempty" json:"author,omitempty"`

	// Capabilities lists what the skill may do, in wire form
	// ("provider/endpoint" or "custom/<key>"). At least one is required.
	Capabilities []string `yaml:"capabilities" json:"capabilities"`

	// Container shapes the sandbox. Optional; defaults apply.
	Container *Container `yaml:"container,omitempty" json:"container,omitempty"`

	// OS restricts the host platforms the skill supports (GOOS names).
	OS []string `yaml:"os,omitempty" json:"os,omitempty"`

	// Always marks the skill as eligible for every session.
	Always bool `yaml:"always,omitempty" json:"always,omitempty"`

	// SkillMdPath overrides the default SKILL.md instructions location,
	// relative to the manifest directory.
	SkillMdPath string `yaml:"skillMdPath,omitempty" json:"skillMdPath,omitempty"`

	// AllowDegraded permits the run to proceed without a scoped token when
	// the broker is unreachable at mint time. The container then carries no
	// SEKS_AGENT_TOKEN and cannot call the broker. Default false: mint
	// failure aborts the run.
	AllowDegraded bool `yaml:"allowDegraded,omitempty" json:"allowDegraded,omitempty"`

	// Instructions is the SKILL.md content, populated by Load when the
	// sibling file exists. Not part of the manifest document itself.
	Instructions string `yaml:"-" json:"-"`
}

// Container configures the skill sandbox.
type Container struct {
	// Image is the container image. Empty selects the default runner image.
	Image string `yaml:"image,omitempty" json:"image,omitempty"`

	// MemoryLimit is a Docker-style size string, e.g. "512m".
	MemoryLimit string `yaml:"memoryLimit,omitempty" json:"memoryLimit,omitempty"`

	// CPULimit is a fractional CPU count, e.g. "0.5".
	CPULimit string `yaml:"cpuLimit,omitempty" json:"cpuLimit,omitempty"`

	// TimeoutSeconds bounds the run. 0 means DefaultTimeoutSeconds.
	TimeoutSeconds int `yaml:"timeoutSeconds,omitempty" json:"timeoutSeconds,omitempty"`

	// Network is the network policy: "broker-only" (default) or "none".
	Network string `yaml:"network,omitempty" json:"network,omitempty"`

	// Env holds extra environment variables for the container.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// CapabilitySet parses the declared capabilities. Call after Validate.
func (m *Manifest) CapabilitySet() (capability.Set, error) {
	return capability.ParseSet(m.Capabilities)
}

// EffectiveTimeoutSeconds returns the run timeout with defaults applied.
func (m *Manifest) EffectiveTimeoutSeconds() int {
	if m.Container != nil && m.Container.TimeoutSeconds > 0 {
		return m.Container.TimeoutSeconds
	}
	return DefaultTimeoutSeconds
}

// EffectiveNetwork returns the network policy with defaults applied.
func (m *Manifest) EffectiveNetwork() string {
	if m.Container != nil && m.Container.Network != "" {
		return m.Container.Network
	}
	return NetworkBrokerOnly
}
