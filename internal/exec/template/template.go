// Package template implements the command-template registry and its argv
// builder.
//
// The central invariant: an agent-supplied parameter value becomes exactly
// one argv element or no element at all. Values are never concatenated into
// a literal token and never pass through a shell, so no quoting trick can
// change the command being run.
package template

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// ParamType enumerates validated parameter kinds.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeURL     ParamType = "url"
	TypePath    ParamType = "path"
)

// Classification mirrors the classifier's classes for template risk.
type Classification string

const (
	ClassSafe      Classification = "safe"
	ClassSensitive Classification = "sensitive"
	ClassDangerous Classification = "dangerous"
)

// Validation and lookup errors, matchable with errors.Is.
var (
	ErrUnknownTemplate    = errors.New("template: unknown template")
	ErrMissingParam       = errors.New("template: missing required param")
	ErrParamType          = errors.New("template: param type invalid")
	ErrParamTooLong       = errors.New("template: param too long")
	ErrParamPattern       = errors.New("template: param pattern mismatch")
	ErrParamNotAllowed    = errors.New("template: param not in allowlist")
	ErrParamShellMetachar = errors.New("template: param contains shell metacharacter")
	ErrDuplicateTemplate  = errors.New("template: already registered")
)

// pathMetachars are the bytes a path parameter may never contain.
const pathMetachars = ";&|`$(){}\n\r\x00"

// ParamSpec declares one template parameter.
type ParamSpec struct {
	Name     string    `yaml:"name"`
	Type     ParamType `yaml:"type"`
	Required bool      `yaml:"required"`
	// Default applies when the invocation omits the param. A required param
	// with a default is satisfied by the default.
	Default    string   `yaml:"default,omitempty"`
	HasDefault bool     `yaml:"hasDefault,omitempty"`
	MaxLength  int      `yaml:"maxLength,omitempty"`
	Pattern    string   `yaml:"pattern,omitempty"`
	Allowlist  []string `yaml:"allowlist,omitempty"`
	// Min/Max bound number params.
	Min *float64 `yaml:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty"`
	// HostAllowlist restricts url params; AllowIP permits raw IPv4 hosts.
	HostAllowlist []string `yaml:"hostAllowlist,omitempty"`
	AllowIP       bool     `yaml:"allowIP,omitempty"`
	// BaseDir confines path params beneath a directory when set.
	BaseDir string `yaml:"baseDir,omitempty"`

	re *regexp.Regexp
}

// Template is an immutable registered command template.
type Template struct {
	ID string `yaml:"id"`
	// Argv is the pattern: literal tokens plus standalone "{name}" tokens.
	Argv           []string       `yaml:"argv"`
	Params         []ParamSpec    `yaml:"params,omitempty"`
	Classification Classification `yaml:"classification"`
	AutoApprove    bool           `yaml:"autoApprove,omitempty"`
	// Description is operator documentation, never shown to upstreams.
	Description string `yaml:"description,omitempty"`
}

// param looks up a declared ParamSpec by name.
func (t *Template) param(name string) *ParamSpec {
	for i := range t.Params {
		if t.Params[i].Name == name {
			return &t.Params[i]
		}
	}
	return nil
}

// validate checks the template shape at registration time.
func (t *Template) validate() error {
	if t.ID == "" {
		return errors.New("template: empty id")
	}
	if len(t.Argv) == 0 {
		return fmt.Errorf("template %q: empty argv", t.ID)
	}
	switch t.Classification {
	case ClassSafe, ClassSensitive, ClassDangerous:
	default:
		return fmt.Errorf("template %q: bad classification %q", t.ID, t.Classification)
	}
	declared := map[string]bool{}
	for i := range t.Params {
		p := &t.Params[i]
		if p.Name == "" {
			return fmt.Errorf("template %q: unnamed param", t.ID)
		}
		if declared[p.Name] {
			return fmt.Errorf("template %q: duplicate param %q", t.ID, p.Name)
		}
		declared[p.Name] = true
		switch p.Type {
		case TypeString, TypeNumber, TypeBoolean, TypeURL, TypePath:
		default:
			return fmt.Errorf("template %q: param %q: bad type %q", t.ID, p.Name, p.Type)
		}
		if p.Pattern != "" {
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				return fmt.Errorf("template %q: param %q: %w", t.ID, p.Name, err)
			}
			p.re = re
		}
	}
	// Placeholders must be whole tokens and must name declared params.
	for _, tok := range t.Argv {
		name, ok := placeholderName(tok)
		if ok {
			if !declared[name] {
				return fmt.Errorf("template %q: placeholder {%s} has no param spec", t.ID, name)
			}
			continue
		}
		if strings.Contains(tok, "{") && strings.Contains(tok, "}") {
			return fmt.Errorf("template %q: token %q mixes literal text with a placeholder", t.ID, tok)
		}
	}
	return nil
}

// placeholderName extracts name from a token that is exactly "{name}".
func placeholderName(tok string) (string, bool) {
	if len(tok) > 2 && tok[0] == '{' && tok[len(tok)-1] == '}' {
		inner := tok[1 : len(tok)-1]
		if !strings.ContainsAny(inner, "{}") {
			return inner, true
		}
	}
	return "", false
}

// Registry holds registered templates. Templates are immutable once
// registered; re-registration of an id fails.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewRegistry returns a registry seeded with the built-in templates.
func NewRegistry() *Registry {
	r := &Registry{templates: make(map[string]*Template)}
	for _, t := range builtins() {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Register validates and stores a template.
func (r *Registry) Register(t *Template) error {
	if err := t.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.templates[t.ID]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateTemplate, t.ID)
	}
	r.templates[t.ID] = t
	return nil
}

// Get returns the template for id.
func (r *Registry) Get(id string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, id)
	}
	return t, nil
}

// List returns every registered template id, unordered.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.templates))
	for id := range r.templates {
		ids = append(ids, id)
	}
	return ids
}

// Invocation is the wire-form request: template id plus raw param values.
type Invocation struct {
	Template string         `json:"template"`
	Params   map[string]any `json:"params"`
}

// BuildArgv resolves an invocation to a concrete argv.
func (r *Registry) BuildArgv(inv Invocation) ([]string, *Template, error) {
	t, err := r.Get(inv.Template)
	if err != nil {
		return nil, nil, err
	}

	// Required params must be supplied (or defaulted) even when their
	// placeholder would be dropped.
	for i := range t.Params {
		p := &t.Params[i]
		if !p.Required {
			continue
		}
		if _, supplied := inv.Params[p.Name]; !supplied && !p.HasDefault {
			return nil, t, fmt.Errorf("%w: %q", ErrMissingParam, p.Name)
		}
	}

	argv := make([]string, 0, len(t.Argv))
	for _, tok := range t.Argv {
		name, ok := placeholderName(tok)
		if !ok {
			argv = append(argv, tok)
			continue
		}
		p := t.param(name)

		raw, supplied := inv.Params[name]
		if !supplied {
			if p.HasDefault {
				raw = p.Default
			} else {
				// Optional and absent: the token disappears entirely.
				continue
			}
		}

		value, err := validateParam(p, raw)
		if err != nil {
			return nil, t, err
		}
		argv = append(argv, value)
	}
	return argv, t, nil
}

// validateParam checks raw against the spec and returns its stringified
// form.
func validateParam(p *ParamSpec, raw any) (string, error) {
	switch p.Type {
	case TypeString:
		s, ok := raw.(string)
		if !ok {
			return "", fmt.Errorf("%w: %q must be a string", ErrParamType, p.Name)
		}
		if p.MaxLength > 0 && len(s) > p.MaxLength {
			return "", fmt.Errorf("%w: %q exceeds %d bytes", ErrParamTooLong, p.Name, p.MaxLength)
		}
		if p.re != nil && !p.re.MatchString(s) {
			return "", fmt.Errorf("%w: %q", ErrParamPattern, p.Name)
		}
		if len(p.Allowlist) > 0 && !contains(p.Allowlist, s) {
			return "", fmt.Errorf("%w: %q", ErrParamNotAllowed, p.Name)
		}
		return s, nil

	case TypeNumber:
		f, err := toFloat(raw)
		if err != nil {
			return "", fmt.Errorf("%w: %q must be a finite number", ErrParamType, p.Name)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return "", fmt.Errorf("%w: %q must be a finite number", ErrParamType, p.Name)
		}
		if p.Min != nil && f < *p.Min {
			return "", fmt.Errorf("%w: %q below minimum", ErrParamNotAllowed, p.Name)
		}
		if p.Max != nil && f > *p.Max {
			return "", fmt.Errorf("%w: %q above maximum", ErrParamNotAllowed, p.Name)
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil

	case TypeBoolean:
		switch v := raw.(type) {
		case bool:
			return strconv.FormatBool(v), nil
		case string:
			if v == "true" || v == "false" {
				return v, nil
			}
		}
		return "", fmt.Errorf("%w: %q must be true or false", ErrParamType, p.Name)

	case TypeURL:
		s, ok := raw.(string)
		if !ok {
			return "", fmt.Errorf("%w: %q must be a URL string", ErrParamType, p.Name)
		}
		return validateURL(p, s)

	case TypePath:
		s, ok := raw.(string)
		if !ok {
			return "", fmt.Errorf("%w: %q must be a path string", ErrParamType, p.Name)
		}
		return validatePath(p, s)
	}
	return "", fmt.Errorf("%w: %q has unknown type", ErrParamType, p.Name)
}

func validateURL(p *ParamSpec, s string) (string, error) {
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q is not a URL", ErrParamType, p.Name)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: %q scheme must be http(s)", ErrParamNotAllowed, p.Name)
	}
	if u.User != nil {
		return "", fmt.Errorf("%w: %q must not carry userinfo", ErrParamNotAllowed, p.Name)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrParamType, p.Name)
	}
	if strings.Contains(host, ":") {
		// IPv6 literal
		return "", fmt.Errorf("%w: %q IPv6 hosts not allowed", ErrParamNotAllowed, p.Name)
	}
	if net.ParseIP(host) != nil && !p.AllowIP {
		return "", fmt.Errorf("%w: %q raw IP hosts not allowed", ErrParamNotAllowed, p.Name)
	}
	if len(p.HostAllowlist) > 0 && !contains(p.HostAllowlist, strings.ToLower(host)) {
		return "", fmt.Errorf("%w: %q host not in allowlist", ErrParamNotAllowed, p.Name)
	}
	return s, nil
}

func validatePath(p *ParamSpec, s string) (string, error) {
	if strings.ContainsAny(s, pathMetachars) {
		return "", fmt.Errorf("%w: %q", ErrParamShellMetachar, p.Name)
	}
	if p.MaxLength > 0 && len(s) > p.MaxLength {
		return "", fmt.Errorf("%w: %q exceeds %d bytes", ErrParamTooLong, p.Name, p.MaxLength)
	}
	if p.BaseDir != "" {
		for _, part := range strings.Split(s, "/") {
			if part == ".." {
				return "", fmt.Errorf("%w: %q escapes its base directory", ErrParamNotAllowed, p.Name)
			}
		}
		if strings.HasPrefix(s, "/") {
			return "", fmt.Errorf("%w: %q must be relative to %s", ErrParamNotAllowed, p.Name, p.BaseDir)
		}
	}
	return s, nil
}

func toFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(v, 64)
	}
	return 0, errors.New("not a number")
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
