// Package runner executes skills: either as a local dry-run descriptor or
// inside a sandboxed container wired to the broker.
//
// The container contract: the skill receives SEKS_BROKER_URL,
// SEKS_AGENT_TOKEN (a scoped token covering exactly its declared
// capabilities), SEKS_SKILL_NAME, and SEKS_SKILL_TASK, plus any extra env
// from its manifest. The scoped token is the skill's only credential; its
// TTL matches the run timeout, so a leaked token outlives the run by
// nothing.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/bdobrica/sekisho/common/scrub"
	"github.com/bdobrica/sekisho/common/spec/skill"
	"github.com/bdobrica/sekisho/internal/broker/audit"
	skillruntime "github.com/bdobrica/sekisho/internal/skill/runtime"
)

// Mode selects how a skill runs.
type Mode string

const (
	// ModeLocal returns a deterministic descriptor without any container,
	// secret access, or network. Development only.
	ModeLocal Mode = "local"
	// ModeContainer runs the skill in its sandbox.
	ModeContainer Mode = "container"
)

// DefaultImage is the runner image used when a manifest declares none.
const DefaultImage = "ghcr.io/bdobrica/sekisho-skill-runner:latest"

// maxScopedTTL mirrors the broker's scoped token ceiling; requesting more
// would only earn a rejection.
const maxScopedTTL = 15 * time.Minute

// Errors the caller can branch on.
var (
	// ErrContainerUnavailable means the container backend cannot be reached.
	ErrContainerUnavailable = errors.New("runner: container backend unavailable")
	// ErrUnsupportedOS means the manifest's os list excludes this host.
	ErrUnsupportedOS = errors.New("runner: skill does not support this os")
	// ErrDegradedRefused means the scoped token mint failed and the manifest
	// did not opt into degraded execution.
	ErrDegradedRefused = errors.New("runner: scoped token mint failed and degraded mode not allowed")
)

// Env var names of the container contract.
const (
	EnvBrokerURL  = "SEKS_BROKER_URL"
	EnvAgentToken = "SEKS_AGENT_TOKEN"
	EnvSkillName  = "SEKS_SKILL_NAME"
	EnvSkillTask  = "SEKS_SKILL_TASK"
)

// Result is the outcome of one skill run.
type Result struct {
	OK         bool
	RunID      string
	Output     string
	Error      string
	DurationMS int64
	TimedOut   bool
	// Degraded is true when the run proceeded without a scoped token.
	Degraded bool
	// Capabilities echoes the declared capability list of the skill.
	Capabilities []string
}

// Runner executes skills.
type Runner struct {
	runtime skillruntime.Runtime
	broker  *BrokerClient
	scrub   *scrub.Registry
	audit   audit.Recorder
	// brokerURLInContainer is the broker address as seen from inside the
	// skill network, which usually differs from the host-side BaseURL.
	brokerURLInContainer string
}

// New wires a Runner. brokerURLInContainer may equal broker.BaseURL when the
// broker is reachable under one address from both sides.
func New(rt skillruntime.Runtime, broker *BrokerClient, brokerURLInContainer string, reg *scrub.Registry, recorder audit.Recorder) *Runner {
	if recorder == nil {
		recorder = audit.Discard
	}
	if brokerURLInContainer == "" && broker != nil {
		brokerURLInContainer = broker.BaseURL
	}
	return &Runner{
		runtime:              rt,
		broker:               broker,
		scrub:                reg,
		audit:                recorder,
		brokerURLInContainer: brokerURLInContainer,
	}
}

// Run executes one skill.
func (r *Runner) Run(ctx context.Context, manifest *skill.Manifest, task, agentToken string, mode Mode) (*Result, error) {
	if err := checkOS(manifest); err != nil {
		return nil, err
	}

	switch mode {
	case ModeLocal:
		return r.runLocal(manifest, task), nil
	case ModeContainer:
		return r.runContainer(ctx, manifest, task, agentToken)
	default:
		return nil, fmt.Errorf("runner: unknown mode %q", mode)
	}
}

// runLocal is the development path: no container, no secrets, no network.
func (r *Runner) runLocal(manifest *skill.Manifest, task string) *Result {
	var b strings.Builder
	fmt.Fprintf(&b, "skill: %s\n", manifest.Name)
	fmt.Fprintf(&b, "task: %s\n", task)
	fmt.Fprintf(&b, "capabilities: %s\n", strings.Join(manifest.Capabilities, ", "))
	if manifest.Instructions != "" {
		fmt.Fprintf(&b, "instructions:\n%s\n", manifest.Instructions)
	}
	return &Result{
		OK:           true,
		RunID:        "local_" + uuid.NewString(),
		Output:       b.String(),
		Capabilities: manifest.Capabilities,
	}
}

func (r *Runner) runContainer(ctx context.Context, manifest *skill.Manifest, task, agentToken string) (*Result, error) {
	if err := r.runtime.Available(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContainerUnavailable, err)
	}

	timeout := time.Duration(manifest.EffectiveTimeoutSeconds()) * time.Second

	// The scoped token's TTL tracks the run timeout so the credential dies
	// with the run.
	ttl := timeout
	if ttl > maxScopedTTL {
		ttl = maxScopedTTL
	}

	env := map[string]string{
		EnvBrokerURL: r.brokerURLInContainer,
		EnvSkillName: manifest.Name,
		EnvSkillTask: task,
	}
	if manifest.Container != nil {
		for k, v := range manifest.Container.Env {
			env[k] = v
		}
	}

	degraded := false
	runID := ""
	grant, err := r.broker.MintScoped(ctx, agentToken, manifest.Name, manifest.Capabilities, ttl)
	switch {
	case err == nil:
		env[EnvAgentToken] = grant.Token
		runID = grant.SkillRunID
		// The scoped token must never surface in logs or skill output.
		r.scrub.Register("scoped_"+manifest.Name, grant.Token)
	case manifest.AllowDegraded:
		degraded = true
		runID = "run_" + uuid.NewString()
		r.audit.Record(ctx, audit.Event{
			Kind:    audit.KindSkillRun,
			Subject: manifest.Name,
			Outcome: "degraded",
			Error:   r.scrub.Scrub(err.Error()),
			Detail:  map[string]any{"skill_run_id": runID},
		})
	default:
		return nil, fmt.Errorf("%w: %v", ErrDegradedRefused, err)
	}

	networkName := skillruntime.BrokerNetwork
	if manifest.EffectiveNetwork() == skill.NetworkNone {
		networkName = skillruntime.IsolatedNetwork
	}
	if err := r.runtime.EnsureNetwork(ctx, networkName); err != nil {
		return nil, fmt.Errorf("runner: ensure network: %w", err)
	}

	spec := skillruntime.RunSpec{
		RunID:     runID,
		SkillName: manifest.Name,
		Image:     DefaultImage,
		Env:       env,
		Network:   networkName,
		Timeout:   timeout,
	}
	if manifest.Container != nil {
		if manifest.Container.Image != "" {
			spec.Image = manifest.Container.Image
		}
		if manifest.Container.MemoryLimit != "" {
			mem, err := units.RAMInBytes(manifest.Container.MemoryLimit)
			if err != nil {
				return nil, fmt.Errorf("runner: memory limit %q: %w", manifest.Container.MemoryLimit, err)
			}
			spec.MemoryBytes = mem
		}
		if manifest.Container.CPULimit != "" {
			cpus, err := strconv.ParseFloat(manifest.Container.CPULimit, 64)
			if err != nil || cpus <= 0 {
				return nil, fmt.Errorf("runner: cpu limit %q invalid", manifest.Container.CPULimit)
			}
			spec.NanoCPUs = int64(cpus * 1e9)
		}
	}

	start := time.Now()
	handle, err := r.runtime.Start(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("runner: start container: %w", err)
	}
	defer r.runtime.Remove(context.WithoutCancel(ctx), handle)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := &Result{RunID: runID, Degraded: degraded, Capabilities: manifest.Capabilities}
	wait, err := r.runtime.Wait(waitCtx, handle)
	if errors.Is(err, context.DeadlineExceeded) {
		res.TimedOut = true
		if killErr := r.runtime.Kill(context.WithoutCancel(ctx), handle); killErr != nil {
			res.Error = "timeout; kill failed: " + killErr.Error()
		} else {
			res.Error = "timeout"
		}
	} else if err != nil {
		return nil, fmt.Errorf("runner: wait: %w", err)
	} else {
		res.OK = wait.ExitCode == 0
		if wait.Error != "" {
			res.Error = wait.Error
		} else if !res.OK {
			res.Error = fmt.Sprintf("exit code %d", wait.ExitCode)
		}
	}
	res.DurationMS = time.Since(start).Milliseconds()

	stdout, stderr, logErr := r.runtime.Logs(context.WithoutCancel(ctx), handle)
	if logErr == nil {
		res.Output = r.scrub.Scrub(stdout)
		if stderr != "" {
			if res.Error != "" {
				res.Error += "; "
			}
			res.Error += r.scrub.Scrub(stderr)
		}
	}

	outcome := "ok"
	switch {
	case res.TimedOut:
		outcome = "timeout"
	case !res.OK:
		outcome = "error"
	case degraded:
		outcome = "degraded"
	}
	r.audit.Record(ctx, audit.Event{
		Kind:    audit.KindSkillRun,
		Subject: manifest.Name,
		Outcome: outcome,
		Detail: map[string]any{
			"skill_run_id": runID,
			"duration_ms":  res.DurationMS,
			"degraded":     degraded,
			"network":      networkName,
		},
	})
	return res, nil
}

// checkOS enforces the manifest's os list against the host.
func checkOS(manifest *skill.Manifest) error {
	if len(manifest.OS) == 0 {
		return nil
	}
	for _, os := range manifest.OS {
		if strings.EqualFold(os, runtime.GOOS) {
			return nil
		}
	}
	return fmt.Errorf("%w: need one of %v, host is %s", ErrUnsupportedOS, manifest.OS, runtime.GOOS)
}
