package secure

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/sekisho/common/scrub"
)

func TestRun_CapturesOutputAndExitCode(t *testing.T) {
	reg := scrub.New()

	res, err := Run(context.Background(), reg, Options{Argv: []string{"echo", "hello"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) != "hello" {
		t.Fatalf("got %+v", res)
	}

	// Non-zero exit is a result, not an error.
	res, err = Run(context.Background(), reg, Options{Argv: []string{"false"}})
	if err != nil {
		t.Fatalf("run false: %v", err)
	}
	if res.ExitCode != 1 {
		t.Fatalf("exit code %d", res.ExitCode)
	}
}

func TestRun_EmptyArgvRejected(t *testing.T) {
	if _, err := Run(context.Background(), scrub.New(), Options{}); err != ErrEmptyArgv {
		t.Fatalf("got %v", err)
	}
}

func TestRun_ScrubsOutput(t *testing.T) {
	reg := scrub.New()
	reg.Register("anthropic_api_key", "sk-ant-SECRETVALUE")

	res, err := Run(context.Background(), reg, Options{
		Argv: []string{"echo", "the key is sk-ant-SECRETVALUE ok"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Contains(res.Stdout, "sk-ant-SECRETVALUE") {
		t.Fatal("secret leaked through stdout")
	}
	if !strings.Contains(res.Stdout, "<secret:anthropic_api_key>") {
		t.Fatalf("expected marker, got %q", res.Stdout)
	}
}

func TestRun_ArgvElementsNeverReinterpreted(t *testing.T) {
	reg := scrub.New()

	// The hostile string is one argv element; echo prints it verbatim
	// because no shell ever sees it.
	res, err := Run(context.Background(), reg, Options{
		Argv: []string{"echo", "fix; rm -rf /"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "fix; rm -rf /" {
		t.Fatalf("got %q", res.Stdout)
	}
}

func TestRun_Timeout(t *testing.T) {
	reg := scrub.New()

	start := time.Now()
	res, err := Run(context.Background(), reg, Options{
		Argv:    []string{"sleep", "30"},
		Timeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("kill took too long: %v", elapsed)
	}
}

func TestRun_StdinIsNullDevice(t *testing.T) {
	reg := scrub.New()

	// cat must see immediate EOF, not block on the parent's stdin.
	res, err := Run(context.Background(), reg, Options{
		Argv:    []string{"cat"},
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.TimedOut || res.ExitCode != 0 || res.Stdout != "" {
		t.Fatalf("got %+v", res)
	}
}

func TestRun_EnvironmentSanitised(t *testing.T) {
	reg := scrub.New()

	res, err := Run(context.Background(), reg, Options{
		Argv: []string{"env"},
		Env: map[string]string{
			"MY_API_KEY":     "super-secret",
			"GITHUB_TOKEN":   "ghp_x",
			"DB_PASSWORD":    "pw",
			"SECRET_VALUE":   "sv",
			"API_BASE":       "x",
			"AUTH_HEADER":    "y",
			"LD_PRELOAD":     "/tmp/evil.so",
			"NODE_OPTIONS":   "--require evil",
			"PYTHONPATH":     "/tmp/evil",
			"HARMLESS_VALUE": "keep-me",
		},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, banned := range []string{"MY_API_KEY", "GITHUB_TOKEN", "DB_PASSWORD", "SECRET_VALUE", "API_BASE", "AUTH_HEADER", "LD_PRELOAD", "NODE_OPTIONS", "PYTHONPATH"} {
		if strings.Contains(res.Stdout, banned+"=") {
			t.Errorf("%s leaked into child environment", banned)
		}
	}
	if !strings.Contains(res.Stdout, "HARMLESS_VALUE=keep-me") {
		t.Error("harmless overlay variable was dropped")
	}
}

func TestSanitizeEnv(t *testing.T) {
	in := []string{
		"PATH=/usr/bin",
		"HOME=/home/u",
		"AWS_SECRET_ACCESS_KEY=x",
		"STRIPE_TOKEN=x",
		"DYLD_INSERT_LIBRARIES=x",
		"BASH_ENV=x",
		"IFS=x",
		"lowercase_token=x",
	}
	out := SanitizeEnv(in)
	joined := strings.Join(out, "\n")
	for _, keep := range []string{"PATH=", "HOME="} {
		if !strings.Contains(joined, keep) {
			t.Errorf("%s dropped", keep)
		}
	}
	for _, drop := range []string{"AWS_SECRET_ACCESS_KEY", "STRIPE_TOKEN", "DYLD_INSERT_LIBRARIES", "BASH_ENV", "IFS", "lowercase_token"} {
		if strings.Contains(joined, drop) {
			t.Errorf("%s kept", drop)
		}
	}
}
