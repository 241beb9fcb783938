// Package capability defines the grant unit shared by the broker, the token
// issuer, and skill manifests.
//
// A capability names something an agent may do without naming the credential
// behind it:
//
//	anthropic/messages.create   invoke a provider endpoint via the proxy
//	custom/deploy-webhook       fetch a named free-form secret
//
// The broker alone maps a capability to the secret fields it requires.
package capability

import (
	"fmt"
	"regexp"
	"strings"
)

// CustomProvider is the reserved provider name for free-form secrets.
const CustomProvider = "custom"

var (
	providerPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
	endpointPattern = regexp.MustCompile(`^[a-z][a-z0-9._-]*$`)
)

// Capability is a tagged variant: either an API endpoint grant
// (Provider+Endpoint) or a custom secret grant (CustomKey).
type Capability struct {
	// Provider is the upstream provider slug for API grants.
	Provider string
	// Endpoint is the provider-defined operation name for API grants.
	Endpoint string
	// CustomKey is the secret slug for custom grants. Mutually exclusive
	// with Provider/Endpoint.
	CustomKey string
}

// Parse decodes the wire form "provider/endpoint" or "custom/<key>".
func Parse(s string) (Capability, error) {
	s = strings.TrimSpace(s)
	head, rest, ok := strings.Cut(s, "/")
	if !ok || head == "" || rest == "" {
		return Capability{}, fmt.Errorf("capability %q: expected provider/endpoint or custom/<key>", s)
	}

	if head == CustomProvider {
		if !endpointPattern.MatchString(rest) {
			return Capability{}, fmt.Errorf("capability %q: invalid custom key", s)
		}
		return Capability{CustomKey: rest}, nil
	}

	if !providerPattern.MatchString(head) {
		return Capability{}, fmt.Errorf("capability %q: invalid provider", s)
	}
	if !endpointPattern.MatchString(rest) {
		return Capability{}, fmt.Errorf("capability %q: invalid endpoint", s)
	}
	return Capability{Provider: head, Endpoint: rest}, nil
}

// MustParse is Parse for static declarations; it panics on malformed input.
func MustParse(s string) Capability {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

// IsCustom reports whether this is a custom secret grant.
func (c Capability) IsCustom() bool {
	return c.CustomKey != ""
}

// String renders the wire form.
func (c Capability) String() string {
	if c.IsCustom() {
		return CustomProvider + "/" + c.CustomKey
	}
	return c.Provider + "/" + c.Endpoint
}

// Set is an unordered collection of capabilities.
type Set []Capability

// ParseSet parses a list of wire-form capabilities, rejecting duplicates.
func ParseSet(raw []string) (Set, error) {
	set := make(Set, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for i, s := range raw {
		c, err := Parse(s)
		if err != nil {
			return nil, fmt.Errorf("capabilities[%d]: %w", i, err)
		}
		key := c.String()
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("capabilities[%d]: duplicate %q", i, key)
		}
		seen[key] = struct{}{}
		set = append(set, c)
	}
	return set, nil
}

// Contains reports whether the set holds exactly c.
func (s Set) Contains(c Capability) bool {
	for _, have := range s {
		if have == c {
			return true
		}
	}
	return false
}

// SubsetOf reports whether every capability in s is present in other.
func (s Set) SubsetOf(other Set) bool {
	for _, c := range s {
		if !other.Contains(c) {
			return false
		}
	}
	return true
}

// Strings renders the set in wire form.
func (s Set) Strings() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = c.String()
	}
	return out
}
