package scrub_test

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/bdobrica/sekisho/common/scrub"
)

func TestScrub_RawValue(t *testing.T) {
	r := scrub.New()
	r.Register("anthropic_api_key", "sk-ant-SECRETVALUE")

	got := r.Scrub("header was x-api-key: sk-ant-SECRETVALUE end")
	want := "header was x-api-key: <secret:anthropic_api_key> end"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestScrub_CaseInsensitive(t *testing.T) {
	r := scrub.New()
	r.Register("tok", "AbCdEfGh123")

	got := r.Scrub("leaked ABCDEFGH123 and abcdefgh123")
	if strings.Contains(strings.ToLower(got), "abcdefgh123") {
		t.Fatalf("case variant survived scrubbing: %q", got)
	}
	if strings.Count(got, "<secret:tok>") != 2 {
		t.Fatalf("expected two markers, got %q", got)
	}
}

func TestScrub_EncodedVariants(t *testing.T) {
	secret := "sk-ant-SECRETVALUE"
	r := scrub.New()
	r.Register("key", secret)

	b64 := base64.StdEncoding.EncodeToString([]byte(secret))
	hx := hex.EncodeToString([]byte(secret))

	got := r.Scrub("b64=" + b64 + " hex=" + hx)
	if strings.Contains(got, b64) {
		t.Errorf("base64 form survived: %q", got)
	}
	if strings.Contains(got, hx) {
		t.Errorf("hex form survived: %q", got)
	}
	if !strings.Contains(got, "<secret:key:base64>") {
		t.Errorf("missing base64 marker in %q", got)
	}
	if !strings.Contains(got, "<secret:key:hex>") {
		t.Errorf("missing hex marker in %q", got)
	}
}

func TestScrub_URLEncodedVariant(t *testing.T) {
	secret := "pa ss+word/1"
	r := scrub.New()
	r.Register("pw", secret)

	escaped := "pa+ss%2Bword%2F1"
	got := r.Scrub("q=" + escaped)
	if strings.Contains(got, escaped) {
		t.Fatalf("url-encoded form survived: %q", got)
	}
}

func TestScrub_Idempotent(t *testing.T) {
	r := scrub.New()
	r.Register("a", "first-secret-value")
	r.Register("b", "second-secret-value")

	in := "first-secret-value then second-secret-value then FIRST-SECRET-VALUE"
	once := r.Scrub(in)
	twice := r.Scrub(once)
	if once != twice {
		t.Fatalf("scrub not idempotent:\nonce:  %q\ntwice: %q", once, twice)
	}
}

func TestScrub_IdempotentWhenValueIsMarkerSubstring(t *testing.T) {
	// A value that is a substring of the marker text itself must not let a
	// second pass rewrite markers emitted by the first.
	r := scrub.New()
	r.Register("pw", "secret")

	once := r.Scrub("my secret")
	if once != "my <secret:pw>" {
		t.Fatalf("first pass: %q", once)
	}
	twice := r.Scrub(once)
	if twice != once {
		t.Fatalf("scrub not idempotent:\nonce:  %q\ntwice: %q", once, twice)
	}
}

func TestScrub_MarkerPassesThroughAtomically(t *testing.T) {
	r := scrub.New()
	r.Register("tok", "secret")

	in := "seen <secret:other:base64> and a live secret"
	got := r.Scrub(in)
	if !strings.Contains(got, "<secret:other:base64>") {
		t.Fatalf("existing marker rewritten: %q", got)
	}
	if !strings.Contains(got, "seen <secret:other:base64> and a live <secret:tok>") {
		t.Fatalf("live value survived or output mangled: %q", got)
	}
	if again := r.Scrub(got); again != got {
		t.Fatalf("not a fixed point:\nonce:  %q\ntwice: %q", got, again)
	}
}

func TestScrub_LongestVariantFirst(t *testing.T) {
	// A value that is a prefix of another must not split the longer match and
	// leave a recognisable tail behind.
	r := scrub.New()
	r.Register("short", "tok123")
	r.Register("long", "tok123456789")

	got := r.Scrub("value=tok123456789")
	if strings.Contains(got, "456789") {
		t.Fatalf("tail of longer secret survived: %q", got)
	}
	if !strings.Contains(got, "<secret:long>") {
		t.Fatalf("expected long marker, got %q", got)
	}
}

func TestRegister_SkipsShortValues(t *testing.T) {
	r := scrub.New()
	r.Register("x", "a")

	in := "a is a common letter"
	if got := r.Scrub(in); got != in {
		t.Fatalf("single-char value should not be registered; got %q", got)
	}
}

func TestScrub_EmptyRegistryPassthrough(t *testing.T) {
	r := scrub.New()
	in := "nothing registered here"
	if got := r.Scrub(in); got != in {
		t.Fatalf("expected passthrough, got %q", got)
	}
}

func TestRegister_NormalisesLabel(t *testing.T) {
	r := scrub.New()
	r.Register("anthropic.api key", "sk-ant-xyz-0123456789")

	got := r.Scrub("sk-ant-xyz-0123456789")
	if !strings.Contains(got, "<secret:anthropic_api_key>") {
		t.Fatalf("label not normalised: %q", got)
	}
}

func TestSnapshot_ReturnsLabelsNotValues(t *testing.T) {
	r := scrub.New()
	r.Register("discord_bot_token", "very-secret-token-value")
	r.RegisterAgentMarker("a1", "marker-value-123")

	labels := r.Snapshot()
	joined := strings.Join(labels, ",")
	if strings.Contains(joined, "very-secret-token-value") {
		t.Fatal("snapshot leaked a value")
	}
	want := map[string]bool{"discord_bot_token": false, "agent_a1": false}
	for _, l := range labels {
		if _, ok := want[l]; ok {
			want[l] = true
		}
	}
	for l, seen := range want {
		if !seen {
			t.Errorf("missing label %q in snapshot %v", l, labels)
		}
	}
}

func TestClear(t *testing.T) {
	r := scrub.New()
	r.Register("k", "some-secret-value")
	r.Clear()

	in := "some-secret-value"
	if got := r.Scrub(in); got != in {
		t.Fatalf("expected passthrough after Clear, got %q", got)
	}
}
