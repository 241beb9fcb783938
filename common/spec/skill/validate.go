package skill

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bdobrica/sekisho/common/spec/capability"
)

// maxDescriptionLen is the longest accepted description.
const maxDescriptionLen = 200

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// Validate checks a Manifest for structural correctness without executing it.
// It returns the first validation error encountered, or nil if valid.
func Validate(m *Manifest) error {
	if m == nil {
		return fmt.Errorf("manifest must not be nil")
	}

	if m.Version != Version {
		return fmt.Errorf("version must be %d, got %d", Version, m.Version)
	}

	if !namePattern.MatchString(m.Name) {
		return fmt.Errorf("name %q must match %s", m.Name, namePattern.String())
	}

	if strings.TrimSpace(m.Description) == "" {
		return fmt.Errorf("description must not be empty")
	}
	if len(m.Description) > maxDescriptionLen {
		return fmt.Errorf("description exceeds %d characters", maxDescriptionLen)
	}

	if len(m.Capabilities) == 0 {
		return fmt.Errorf("capabilities must not be empty")
	}
	if _, err := capability.ParseSet(m.Capabilities); err != nil {
		return err
	}

	if m.Container != nil {
		if err := validateContainer(m.Container); err != nil {
			return fmt.Errorf("container: %w", err)
		}
	}

	if strings.Contains(m.SkillMdPath, "..") {
		return fmt.Errorf("skillMdPath must not traverse out of the skill directory")
	}

	return nil
}

func validateContainer(c *Container) error {
	switch c.Network {
	case "", NetworkBrokerOnly, NetworkNone:
	default:
		return fmt.Errorf("network must be %q or %q, got %q", NetworkBrokerOnly, NetworkNone, c.Network)
	}

	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("timeoutSeconds must be >= 0")
	}

	for k := range c.Env {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("env keys must not be empty")
		}
		if strings.HasPrefix(k, "SEKS_") {
			return fmt.Errorf("env key %q collides with the reserved SEKS_ namespace", k)
		}
	}

	return nil
}
