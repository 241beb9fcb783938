package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/sekisho/common/scrub"
	"github.com/bdobrica/sekisho/internal/broker/audit"
	"github.com/bdobrica/sekisho/internal/broker/token"
	"github.com/bdobrica/sekisho/internal/exec/policy"
	"github.com/bdobrica/sekisho/internal/exec/secure"
	"github.com/bdobrica/sekisho/internal/exec/template"
)

// ExecService is the command-execution surface: policy-gated template
// invocations and arbitrary commands, spawned without a shell.
type ExecService struct {
	Policy *policy.Engine
	Scrub  *scrub.Registry
	Audit  audit.Recorder
	// Dir is the working directory commands run in.
	Dir string
	// Timeout bounds one execution. Default 60s.
	Timeout time.Duration
}

// EnableExec mounts POST /v1/exec. Approval cannot be carried by the agent's
// own request; an approved re-submission comes through operator tooling.
func (s *Server) EnableExec(svc *ExecService) {
	if svc.Audit == nil {
		svc.Audit = audit.Discard
	}
	if svc.Timeout <= 0 {
		svc.Timeout = 60 * time.Second
	}
	s.exec = svc
	s.mux.Handle("POST /v1/exec", s.authed(s.handleExec))
}

type execRequest struct {
	// Template invocation form.
	Template string         `json:"template,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	// Arbitrary command form, mutually exclusive with Template.
	Command string `json:"command,omitempty"`
}

type execResponse struct {
	Allowed           bool   `json:"allowed"`
	RequiresApproval  bool   `json:"requires_approval,omitempty"`
	Reason            string `json:"reason,omitempty"`
	SuggestedTemplate string `json:"suggested_template,omitempty"`
	ExitCode          int    `json:"exit_code,omitempty"`
	Stdout            string `json:"stdout,omitempty"`
	Stderr            string `json:"stderr,omitempty"`
	TimedOut          bool   `json:"timed_out,omitempty"`
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request, id *token.Identity) {
	ctx := r.Context()
	svc := s.exec

	var req execRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return
	}
	if (req.Template == "") == (req.Command == "") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return
	}

	preq := policy.Request{Command: req.Command}
	subject := req.Command
	if req.Template != "" {
		preq = policy.Request{Invocation: &template.Invocation{Template: req.Template, Params: req.Params}}
		subject = req.Template
	}

	decision := svc.Policy.Evaluate(preq)
	if !decision.Allowed {
		outcome := "denied"
		if decision.RequiresApproval {
			outcome = "approval_required"
		}
		svc.Audit.Record(ctx, audit.Event{
			AgentID: id.AgentID,
			Kind:    audit.KindDeny,
			Subject: subject,
			Outcome: outcome,
			Error:   decision.Reason,
		})
		writeJSON(w, http.StatusForbidden, execResponse{
			RequiresApproval:  decision.RequiresApproval,
			Reason:            decision.Reason,
			SuggestedTemplate: decision.SuggestedTemplate,
		})
		return
	}

	argv := decision.Argv
	if len(argv) == 0 {
		// Arbitrary command admitted by policy: tokenised here, still no
		// shell.
		var splitErr error
		argv, splitErr = splitCommand(req.Command)
		if splitErr != nil || len(argv) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
			return
		}
	}

	res, err := secure.Run(ctx, svc.Scrub, secure.Options{
		Argv:    argv,
		Dir:     svc.Dir,
		Timeout: svc.Timeout,
	})
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	svc.Audit.Record(ctx, audit.Event{
		AgentID: id.AgentID,
		Kind:    audit.KindExec,
		Subject: subject,
		Outcome: execOutcome(res),
		Detail: map[string]any{
			"mode":        decision.Mode,
			"exit_code":   res.ExitCode,
			"duration_ms": res.Duration.Milliseconds(),
		},
	})
	writeJSON(w, http.StatusOK, execResponse{
		Allowed:  true,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		TimedOut: res.TimedOut,
	})
}

// splitCommand tokenises a policy-admitted arbitrary command. Whitespace
// separates arguments; matched single or double quotes group one argument and
// are stripped, so `grep 'pat tern' file` reaches the child as three argv
// elements without quote characters. No other shell semantics apply; the
// classifier has already refused substitution and metacharacter forms.
func splitCommand(command string) ([]string, error) {
	var argv []string
	var cur strings.Builder
	inArg := false
	var quote byte
	for i := 0; i < len(command); i++ {
		c := command[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inArg = true
		case c == ' ' || c == '\t':
			if inArg {
				argv = append(argv, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteByte(c)
			inArg = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unbalanced %c quote", quote)
	}
	if inArg {
		argv = append(argv, cur.String())
	}
	return argv, nil
}

func execOutcome(res *secure.Result) string {
	switch {
	case res.TimedOut:
		return "timeout"
	case res.ExitCode != 0:
		return "error"
	}
	return "ok"
}
