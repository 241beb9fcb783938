// Package audit defines the append-only audit event model and the Recorder
// used by every enforcement path.
//
// Recording never fails into the calling path: sink errors are logged and
// dropped so that a wedged audit store cannot take the broker down with it.
// Consumers that need stronger delivery guarantees (OTEL exporters, external
// storage) attach their own sinks downstream of the store.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/bdobrica/sekisho/common/trace"
)

// Kind classifies an audit event.
type Kind string

const (
	KindSecretAccess Kind = "secret_access"
	KindProxyCall    Kind = "proxy_call"
	KindExec         Kind = "exec"
	KindSkillRun     Kind = "skill_run"
	KindTokenMint    Kind = "token_mint"
	KindTokenVerify  Kind = "token_verify"
	KindDeny         Kind = "deny"
	KindScrubError   Kind = "scrub_error"
)

// Event is one append-only audit record. Secret values never appear here,
// only their stable digests (crypto.SecretDigest).
type Event struct {
	Timestamp     time.Time
	CorrelationID string
	AgentID       string
	Kind          Kind
	// Subject names what was acted on: a capability, a template id, an
	// upstream URL path, a skill name.
	Subject string
	// Outcome is the terminal result: "ok", "denied", "error", "cancelled",
	// "timeout", "degraded".
	Outcome string
	Error   string
	// Detail carries structured extras (status codes, byte counts, digests).
	Detail map[string]any
}

// Recorder accepts audit events. Implementations must be safe for concurrent
// use and must not propagate failures to callers.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// Sink is the persistence interface the store satisfies.
type Sink interface {
	WriteAudit(ctx context.Context, ev Event) error
}

// Log is the standard Recorder: it stamps events and forwards them to a Sink.
type Log struct {
	sink Sink
}

// New returns a Log writing to sink.
func New(sink Sink) *Log {
	return &Log{sink: sink}
}

// Record stamps the event with the wall clock and the context's correlation
// ID (unless already set) and writes it. Errors are logged, never returned.
func (l *Log) Record(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = trace.FromContext(ctx)
	}
	// Audit writes must survive caller cancellation: the request that was
	// cancelled is exactly the one that needs a record.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.sink.WriteAudit(writeCtx, ev); err != nil {
		slog.Error("audit: write failed", "kind", ev.Kind, "agent", ev.AgentID, "err", err)
	}
}

// Discard is a Recorder that drops everything. Useful as a default in tests.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(context.Context, Event) {}
