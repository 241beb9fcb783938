// Package route holds the provider routing table: which upstream each
// provider maps to, which hosts that upstream may resolve to, which endpoint
// paths correspond to which capabilities, and where each secret field gets
// injected. The table loads from YAML at startup and replaces atomically on
// reload, so in-flight requests always observe a complete table.
package route

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/sekisho/common/spec/capability"
)

// InjectLocation says where a secret value lands in the upstream request.
type InjectLocation string

const (
	InjectHeader InjectLocation = "header"
	InjectQuery  InjectLocation = "query"
	InjectPath   InjectLocation = "path"
	InjectBody   InjectLocation = "body"
)

// Sentinel errors for table lookups.
var (
	// ErrUnknownProvider is returned when the provider has no routing entry.
	ErrUnknownProvider = errors.New("route: unknown provider")
	// ErrNoEndpoint is returned when method+path match no declared endpoint.
	ErrNoEndpoint = errors.New("route: no endpoint for method and path")
	// ErrHostNotAllowed is returned when the resolved upstream host is
	// outside the provider's allowlist. This is an internal invariant
	// violation: the table's own base_url must satisfy its own allowlist.
	ErrHostNotAllowed = errors.New("route: upstream host not in allowlist")
)

// SecretInjection describes one secret field and its injection point.
type SecretInjection struct {
	// Field names the secret within the provider, e.g. "api_key".
	Field string `yaml:"field"`
	// Location is one of header, query, path, body.
	Location InjectLocation `yaml:"location"`
	// Name is the header name, query parameter, body field, or path
	// placeholder (matched as "{name}" inside the upstream path).
	Name string `yaml:"name"`
	// Format wraps the value; "{secret}" marks the insertion point. Empty
	// means the bare value. Example: "Bearer {secret}".
	Format string `yaml:"format,omitempty"`
}

// Render applies Format to a secret value.
func (si SecretInjection) Render(value string) string {
	if si.Format == "" {
		return value
	}
	return strings.ReplaceAll(si.Format, "{secret}", value)
}

// Endpoint maps one method+path shape to a capability endpoint name.
type Endpoint struct {
	// Name is the capability endpoint, e.g. "messages.create".
	Name   string `yaml:"name"`
	Method string `yaml:"method"`
	// Path is the upstream path, exact, or a prefix when it ends in "/*".
	Path string `yaml:"path"`
}

func (e Endpoint) matches(method, path string) bool {
	if !strings.EqualFold(e.Method, method) {
		return false
	}
	if p, ok := strings.CutSuffix(e.Path, "/*"); ok {
		return path == p || strings.HasPrefix(path, p+"/")
	}
	return path == e.Path
}

// Provider is one routing entry.
type Provider struct {
	Name         string            `yaml:"-"`
	BaseURL      string            `yaml:"base_url"`
	AllowedHosts []string          `yaml:"allowed_hosts"`
	Endpoints    []Endpoint        `yaml:"endpoints"`
	Secrets      []SecretInjection `yaml:"secrets"`
	// ChannelTokenField names the secret field handed out raw through the
	// channel-token endpoint. Empty means this provider has no channel token.
	ChannelTokenField string `yaml:"channel_token_field,omitempty"`

	base *url.URL
}

// Capability resolves method+path to the capability an agent must hold.
// Paths with dot-dot segments never resolve, so a traversal cannot reach the
// upstream join even when the caller bypasses mux path cleaning.
func (p *Provider) Capability(method, path string) (capability.Capability, error) {
	if hasDotDot(path) {
		return capability.Capability{}, fmt.Errorf("%w: %s %s on %s", ErrNoEndpoint, method, path, p.Name)
	}
	for _, e := range p.Endpoints {
		if e.matches(method, path) {
			return capability.Capability{Provider: p.Name, Endpoint: e.Name}, nil
		}
	}
	return capability.Capability{}, fmt.Errorf("%w: %s %s on %s", ErrNoEndpoint, method, path, p.Name)
}

// UpstreamURL joins the base URL with the agent-supplied rest path and query,
// then re-checks the resulting host against the allowlist.
func (p *Provider) UpstreamURL(rest, rawQuery string) (*url.URL, error) {
	u := *p.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(rest, "/")
	u.RawQuery = rawQuery
	if !p.HostAllowed(u.Hostname()) {
		return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, u.Hostname())
	}
	return &u, nil
}

func hasDotDot(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// HostAllowed checks host against the allowlist. A "*.example.com" pattern
// matches exactly one extra label; the apex needs its own "example.com"
// entry.
func (p *Provider) HostAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, entry := range p.AllowedHosts {
		entry = strings.ToLower(entry)
		if suffix, ok := strings.CutPrefix(entry, "*."); ok {
			label, rest, found := strings.Cut(host, ".")
			if found && rest == suffix && label != "" {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}

type tableConfig struct {
	Providers map[string]*Provider `yaml:"providers"`
}

// Table is the full routing table. Lookups go through an atomic pointer so a
// reload swaps the whole table at once.
type Table struct {
	current atomic.Pointer[map[string]*Provider]
}

// NewTable returns an empty table.
func NewTable() *Table {
	t := &Table{}
	empty := map[string]*Provider{}
	t.current.Store(&empty)
	return t
}

// LoadFile reads, validates, and atomically installs a routing table.
func (t *Table) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("route: read table: %w", err)
	}
	return t.Load(data)
}

// Load parses YAML and atomically installs the table. On any validation
// error the previous table stays in effect.
func (t *Table) Load(data []byte) error {
	var cfg tableConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("route: parse table: %w", err)
	}

	providers := make(map[string]*Provider, len(cfg.Providers))
	for name, p := range cfg.Providers {
		if p == nil {
			return fmt.Errorf("route: provider %q: empty entry", name)
		}
		p.Name = name
		if err := p.validate(); err != nil {
			return fmt.Errorf("route: provider %q: %w", name, err)
		}
		providers[name] = p
	}

	t.current.Store(&providers)
	return nil
}

func (p *Provider) validate() error {
	base, err := url.Parse(p.BaseURL)
	if err != nil {
		return fmt.Errorf("base_url: %w", err)
	}
	if base.Scheme != "https" && base.Scheme != "http" {
		return fmt.Errorf("base_url scheme %q not http(s)", base.Scheme)
	}
	if base.Host == "" {
		return errors.New("base_url has no host")
	}
	if len(p.AllowedHosts) == 0 {
		return errors.New("allowed_hosts is empty")
	}
	p.base = base
	if !p.HostAllowed(base.Hostname()) {
		return fmt.Errorf("base_url host %q not in its own allowed_hosts", base.Hostname())
	}
	for _, e := range p.Endpoints {
		if e.Name == "" || e.Method == "" || !strings.HasPrefix(e.Path, "/") {
			return fmt.Errorf("endpoint %+v incomplete", e)
		}
		if _, err := capability.Parse(p.Name + "/" + e.Name); err != nil {
			return fmt.Errorf("endpoint %q: %w", e.Name, err)
		}
	}
	for _, si := range p.Secrets {
		switch si.Location {
		case InjectHeader, InjectQuery, InjectPath, InjectBody:
		default:
			return fmt.Errorf("secret %q: bad location %q", si.Field, si.Location)
		}
		if si.Field == "" || si.Name == "" {
			return fmt.Errorf("secret injection needs field and name: %+v", si)
		}
	}
	return nil
}

// Provider returns the routing entry for a provider name.
func (t *Table) Provider(name string) (*Provider, error) {
	providers := *t.current.Load()
	p, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Providers returns the names of all routed providers, for diagnostics.
func (t *Table) Providers() []string {
	providers := *t.current.Load()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	return names
}
