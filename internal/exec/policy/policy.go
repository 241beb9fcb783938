// Package policy decides whether an execution request runs, runs after
// approval, or is refused. It combines the template registry's declared
// classification with the classifier's verdict on arbitrary command lines.
package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bdobrica/sekisho/internal/exec/classify"
	"github.com/bdobrica/sekisho/internal/exec/template"
)

// Mode is the policy profile.
type Mode string

const (
	Strict     Mode = "strict"
	Moderate   Mode = "moderate"
	Permissive Mode = "permissive"
)

// ParseMode validates a profile name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case Strict, Moderate, Permissive:
		return Mode(s), nil
	}
	return "", fmt.Errorf("policy: unknown mode %q", s)
}

// Request is one execution request: either a template invocation or an
// arbitrary command line, never both.
type Request struct {
	Invocation *template.Invocation
	Command    string
	// Approved is set when an operator has explicitly approved this request.
	Approved bool
}

// Decision is the evaluation result.
type Decision struct {
	Allowed bool
	// Mode is how the request was admitted: "template", "allowlist", or
	// "denied".
	Mode             string
	RequiresApproval bool
	// Argv is populated for allowed template requests.
	Argv   []string
	Reason string
	// SuggestedTemplate names a registered template whose command head
	// matches a denied arbitrary command.
	SuggestedTemplate string
}

// Engine evaluates requests against one profile.
type Engine struct {
	templates *template.Registry
	mode      Mode
}

// New returns an Engine for the given registry and profile.
func New(templates *template.Registry, mode Mode) *Engine {
	return &Engine{templates: templates, mode: mode}
}

// Evaluate applies the profile to one request.
func (e *Engine) Evaluate(req Request) Decision {
	if req.Invocation != nil {
		return e.evaluateTemplate(req)
	}
	return e.evaluateArbitrary(req)
}

func (e *Engine) evaluateTemplate(req Request) Decision {
	argv, tpl, err := e.templates.BuildArgv(*req.Invocation)
	if err != nil {
		reason := "validation_failed"
		if errors.Is(err, template.ErrUnknownTemplate) {
			reason = "unknown_template"
		}
		return Decision{Mode: "denied", Reason: reason + ": " + err.Error()}
	}

	// Safe auto-approve templates run in every profile without approval.
	if tpl.AutoApprove && tpl.Classification == template.ClassSafe {
		return Decision{Allowed: true, Mode: "template", Argv: argv}
	}

	switch e.mode {
	case Strict:
		// Everything that is not safe auto-approve needs an approval.
		if req.Approved {
			return Decision{Allowed: true, Mode: "template", Argv: argv}
		}
		return Decision{Mode: "template", RequiresApproval: true, Reason: "approval_required"}

	case Moderate:
		if tpl.Classification == template.ClassSafe {
			return Decision{Allowed: true, Mode: "template", Argv: argv}
		}
		if req.Approved {
			return Decision{Allowed: true, Mode: "template", Argv: argv}
		}
		return Decision{Mode: "template", RequiresApproval: true, Reason: "approval_required"}

	default: // Permissive
		if tpl.Classification == template.ClassDangerous {
			return Decision{Mode: "denied", Reason: "dangerous_template"}
		}
		return Decision{Allowed: true, Mode: "template", Argv: argv}
	}
}

func (e *Engine) evaluateArbitrary(req Request) Decision {
	class := classify.Classify(req.Command)

	switch e.mode {
	case Strict:
		return Decision{
			Mode:              "denied",
			Reason:            "arbitrary_commands_disabled",
			SuggestedTemplate: e.suggest(req.Command),
		}

	case Moderate:
		switch class {
		case classify.Dangerous:
			return Decision{
				Mode:              "denied",
				Reason:            "dangerous_command",
				SuggestedTemplate: e.suggest(req.Command),
			}
		case classify.Suspicious:
			if req.Approved {
				return Decision{Allowed: true, Mode: "allowlist"}
			}
			return Decision{Mode: "allowlist", RequiresApproval: true, Reason: "approval_required"}
		default:
			return Decision{Allowed: true, Mode: "allowlist"}
		}

	default: // Permissive
		if class == classify.Dangerous {
			return Decision{
				Mode:              "denied",
				Reason:            "dangerous_command",
				SuggestedTemplate: e.suggest(req.Command),
			}
		}
		return Decision{Allowed: true, Mode: "allowlist"}
	}
}

// suggest finds a registered template whose argv head matches the command's
// first token, so a denial can point at the sanctioned equivalent.
func (e *Engine) suggest(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	head := fields[0]
	// Prefer a two-token match (e.g. "git status") over a bare head match.
	var headMatch string
	for _, id := range e.templates.List() {
		tpl, err := e.templates.Get(id)
		if err != nil || len(tpl.Argv) == 0 {
			continue
		}
		if tpl.Argv[0] != head {
			continue
		}
		if len(fields) > 1 && len(tpl.Argv) > 1 && tpl.Argv[1] == fields[1] {
			return id
		}
		if headMatch == "" {
			headMatch = id
		}
	}
	return headMatch
}
