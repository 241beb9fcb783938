// Package secure spawns validated argv vectors directly, with no shell in
// between, a sanitised environment, and scrubbed output.
//
// # Threat model
//
// The argv reaching this package has already been built by the template
// layer or admitted by policy; this package's job is containment of the
// child process itself: it must not inherit credential-bearing environment
// variables, must not outlive its deadline, and must not leak registered
// secrets through stdout/stderr.
package secure

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/bdobrica/sekisho/common/scrub"
)

// maxCapturedOutput bounds each of stdout and stderr.
const maxCapturedOutput = 1 << 20

// killGrace is how long a child gets between SIGTERM and SIGKILL.
const killGrace = 5 * time.Second

// ErrEmptyArgv rejects a run request with no command.
var ErrEmptyArgv = errors.New("secure: argv must have at least one element")

// strippedEnvVars are removed by name: dynamic-linker knobs, interpreter
// overrides, and shell initialisation hooks.
var strippedEnvVars = map[string]struct{}{
	"LD_PRELOAD":      {},
	"LD_LIBRARY_PATH": {},
	"LD_AUDIT":        {},
	"NODE_OPTIONS":    {},
	"NODE_PATH":       {},
	"PYTHONPATH":      {},
	"PYTHONHOME":      {},
	"PERL5LIB":        {},
	"RUBYLIB":         {},
	"BASH_ENV":        {},
	"ENV":             {},
	"GCONV_PATH":      {},
	"IFS":             {},
	"SSLKEYLOGFILE":   {},
}

var strippedEnvPrefixes = []string{"DYLD_", "SECRET_", "API_", "AUTH_"}

var strippedEnvSuffixes = []string{"_KEY", "_SECRET", "_TOKEN", "_PASSWORD"}

// Options describes one execution.
type Options struct {
	Argv []string
	Dir  string
	// Env is overlaid on the sanitised parent environment. Overlay values
	// are subject to the same name filter.
	Env map[string]string
	// Timeout bounds the child's lifetime. Zero means no limit beyond ctx.
	Timeout time.Duration
}

// Result is the terminal state of one execution. A non-zero exit is not an
// error.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// Run executes argv directly. The returned error covers spawn failures only;
// command failure is expressed through Result.ExitCode.
func Run(ctx context.Context, reg *scrub.Registry, opts Options) (*Result, error) {
	if len(opts.Argv) == 0 {
		return nil, ErrEmptyArgv
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = SanitizeEnv(mergeEnv(os.Environ(), opts.Env))
	// Stdin stays nil: the child reads from the null device, never from the
	// broker process's stdin.
	var stdout, stderr boundedBuffer
	stdout.limit = maxCapturedOutput
	stderr.limit = maxCapturedOutput
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Graceful stop on deadline: SIGTERM first, SIGKILL after the grace.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	res := &Result{
		Stdout:   reg.Scrub(stdout.String()),
		Stderr:   reg.Scrub(stderr.String()),
		Duration: duration,
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case res.TimedOut:
		res.ExitCode = -1
	default:
		return nil, err
	}
	return res, nil
}

// SanitizeEnv filters a KEY=VALUE environment list, dropping dynamic-linker
// and interpreter overrides plus anything that looks like a credential.
func SanitizeEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || envVarBlocked(strings.ToUpper(name)) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func envVarBlocked(name string) bool {
	if _, hit := strippedEnvVars[name]; hit {
		return true
	}
	for _, p := range strippedEnvPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	for _, s := range strippedEnvSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// mergeEnv overlays explicit vars on the parent environment, overriding
// duplicates by name.
func mergeEnv(parent []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return parent
	}
	merged := make(map[string]string, len(parent)+len(overlay))
	order := make([]string, 0, len(parent)+len(overlay))
	for _, kv := range parent {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, seen := merged[name]; !seen {
			order = append(order, name)
		}
		merged[name] = value
	}
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, seen := merged[k]; !seen {
			order = append(order, k)
		}
		merged[k] = overlay[k]
	}
	out := make([]string, 0, len(order))
	for _, name := range order {
		out = append(out, name+"="+merged[name])
	}
	return out
}

// boundedBuffer keeps the first limit bytes and drops the rest.
type boundedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	// Report full consumption so the child never sees a write error.
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	return b.buf.String()
}
