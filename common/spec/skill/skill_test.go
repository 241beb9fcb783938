package skill_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bdobrica/sekisho/common/spec/skill"
)

const validYAML = `
version: 1
name: release-notes
description: Summarise merged pull requests into release notes.
capabilities:
  - anthropic/messages.create
  - custom/github-token
container:
  image: ghcr.io/bdobrica/sekisho-runner:latest
  memoryLimit: 512m
  cpuLimit: "0.5"
  timeoutSeconds: 120
  network: broker-only
  env:
    RELEASE_CHANNEL: stable
`

func TestParseYAML_Valid(t *testing.T) {
	m, err := skill.ParseYAML([]byte(validYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Name != "release-notes" {
		t.Errorf("name: %q", m.Name)
	}
	caps, err := m.CapabilitySet()
	if err != nil {
		t.Fatalf("capability set: %v", err)
	}
	if len(caps) != 2 {
		t.Fatalf("expected 2 capabilities, got %d", len(caps))
	}
	if m.EffectiveTimeoutSeconds() != 120 {
		t.Errorf("timeout: %d", m.EffectiveTimeoutSeconds())
	}
	if m.EffectiveNetwork() != skill.NetworkBrokerOnly {
		t.Errorf("network: %q", m.EffectiveNetwork())
	}
}

func TestParseYAML_Defaults(t *testing.T) {
	m, err := skill.ParseYAML([]byte(`
version: 1
name: minimal
description: A minimal skill.
capabilities: [anthropic/messages.create]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.EffectiveTimeoutSeconds() != skill.DefaultTimeoutSeconds {
		t.Errorf("default timeout: %d", m.EffectiveTimeoutSeconds())
	}
	if m.EffectiveNetwork() != skill.NetworkBrokerOnly {
		t.Errorf("default network: %q", m.EffectiveNetwork())
	}
	if m.AllowDegraded {
		t.Error("allowDegraded should default to false")
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"bad version", "version: 2\nname: a\ndescription: d\ncapabilities: [x/y]", "version"},
		{"bad name", "version: 1\nname: Bad_Name\ndescription: d\ncapabilities: [x/y]", "name"},
		{"no description", "version: 1\nname: ok\ndescription: \"\"\ncapabilities: [x/y]", "description"},
		{"no capabilities", "version: 1\nname: ok\ndescription: d\ncapabilities: []", "capabilities"},
		{"bad capability", "version: 1\nname: ok\ndescription: d\ncapabilities: [notacap]", "capab"},
		{"bad network", "version: 1\nname: ok\ndescription: d\ncapabilities: [x/y]\ncontainer: {network: full}", "network"},
		{"reserved env", "version: 1\nname: ok\ndescription: d\ncapabilities: [x/y]\ncontainer: {env: {SEKS_AGENT_TOKEN: x}}", "SEKS_"},
		{"md traversal", "version: 1\nname: ok\ndescription: d\ncapabilities: [x/y]\nskillMdPath: ../../etc/passwd", "traverse"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := skill.ParseYAML([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestValidate_DescriptionLength(t *testing.T) {
	long := strings.Repeat("x", 201)
	_, err := skill.ParseYAML([]byte("version: 1\nname: ok\ndescription: " + long + "\ncapabilities: [x/y]"))
	if err == nil {
		t.Fatal("expected error for 201-char description")
	}

	exact := strings.Repeat("x", 200)
	if _, err := skill.ParseYAML([]byte("version: 1\nname: ok\ndescription: " + exact + "\ncapabilities: [x/y]")); err != nil {
		t.Fatalf("200-char description should be accepted: %v", err)
	}
}

func TestParseJSON_SchemaEnforced(t *testing.T) {
	good := `{"version":1,"name":"jsonskill","description":"d","capabilities":["anthropic/messages.create"]}`
	if _, err := skill.ParseJSON([]byte(good)); err != nil {
		t.Fatalf("valid json rejected: %v", err)
	}

	unknownField := `{"version":1,"name":"jsonskill","description":"d","capabilities":["anthropic/messages.create"],"mounts":["/"]}`
	if _, err := skill.ParseJSON([]byte(unknownField)); err == nil {
		t.Fatal("schema should reject unknown fields")
	}

	missingCaps := `{"version":1,"name":"jsonskill","description":"d"}`
	if _, err := skill.ParseJSON([]byte(missingCaps)); err == nil {
		t.Fatal("schema should require capabilities")
	}
}

func TestLoad_DiscoveryOrderAndInstructions(t *testing.T) {
	dir := t.TempDir()

	// Both yaml and json present: yaml wins.
	writeFile(t, dir, "skill.yaml", validYAML)
	writeFile(t, dir, "skill.json", `{"version":1,"name":"loser","description":"d","capabilities":["x/y"]}`)
	writeFile(t, dir, "SKILL.md", "# Release notes\nDo the thing.")

	m, err := skill.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Name != "release-notes" {
		t.Fatalf("discovery order broken, loaded %q", m.Name)
	}
	if !strings.Contains(m.Instructions, "Do the thing.") {
		t.Fatalf("instructions not attached: %q", m.Instructions)
	}
}

func TestLoad_CustomInstructionsPath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "skill.yaml", `
version: 1
name: docs
description: d
capabilities: [anthropic/messages.create]
skillMdPath: docs/HOWTO.md
`)
	if err := os.MkdirAll(filepath.Join(dir, "docs"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "docs/HOWTO.md", "custom instructions")

	m, err := skill.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Instructions != "custom instructions" {
		t.Fatalf("instructions: %q", m.Instructions)
	}
}

func TestLoad_MissingManifest(t *testing.T) {
	if _, err := skill.Load(t.TempDir()); err == nil {
		t.Fatal("expected error for empty dir")
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
