package capability_test

import (
	"testing"

	"github.com/bdobrica/sekisho/common/spec/capability"
)

func TestParse_API(t *testing.T) {
	c, err := capability.Parse("anthropic/messages.create")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Provider != "anthropic" || c.Endpoint != "messages.create" {
		t.Fatalf("unexpected capability: %+v", c)
	}
	if c.IsCustom() {
		t.Fatal("API capability reported as custom")
	}
	if c.String() != "anthropic/messages.create" {
		t.Fatalf("round trip: %q", c.String())
	}
}

func TestParse_Custom(t *testing.T) {
	c, err := capability.Parse("custom/deploy-webhook")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !c.IsCustom() || c.CustomKey != "deploy-webhook" {
		t.Fatalf("unexpected capability: %+v", c)
	}
	if c.String() != "custom/deploy-webhook" {
		t.Fatalf("round trip: %q", c.String())
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, bad := range []string{
		"",
		"anthropic",
		"/messages.create",
		"anthropic/",
		"Anthropic/messages.create",
		"anthropic/Messages.Create",
		"custom/",
		"anthropic/messages create",
	} {
		if _, err := capability.Parse(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestParseSet_RejectsDuplicates(t *testing.T) {
	_, err := capability.ParseSet([]string{
		"anthropic/messages.create",
		"anthropic/messages.create",
	})
	if err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestSet_SubsetOf(t *testing.T) {
	grants, err := capability.ParseSet([]string{
		"anthropic/messages.create",
		"discord/messages.send",
		"custom/deploy-webhook",
	})
	if err != nil {
		t.Fatalf("parse grants: %v", err)
	}

	sub := capability.Set{capability.MustParse("discord/messages.send")}
	if !sub.SubsetOf(grants) {
		t.Fatal("expected subset")
	}

	other := capability.Set{capability.MustParse("openai/chat.completions")}
	if other.SubsetOf(grants) {
		t.Fatal("expected not subset")
	}
}
