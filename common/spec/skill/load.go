package skill

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaFS embed.FS

// manifestNames is the manifest discovery order inside a skill directory.
// First found wins.
var manifestNames = []string{"skill.yaml", "skill.yml", "skill.json"}

// defaultInstructionsName is the sibling file carrying human/agent-readable
// instructions when skillMdPath is not set.
const defaultInstructionsName = "SKILL.md"

// compiled JSON Schema, built once at init from the embedded document.
var manifestSchema = func() *jsonschema.Schema {
	data, err := schemaFS.ReadFile("schema.json")
	if err != nil {
		panic("skill: read embedded schema: " + err.Error())
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", bytes.NewReader(data)); err != nil {
		panic("skill: add schema resource: " + err.Error())
	}
	s, err := c.Compile("schema.json")
	if err != nil {
		panic("skill: compile schema: " + err.Error())
	}
	return s
}()

// ParseYAML decodes and validates a YAML manifest document.
func ParseYAML(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("skill manifest parse: %w", err)
	}
	if err := Validate(&m); err != nil {
		return nil, fmt.Errorf("invalid skill manifest: %w", err)
	}
	return &m, nil
}

// ParseJSON decodes a JSON manifest document, checking it against the
// embedded JSON Schema before the structural Validate pass.
func ParseJSON(data []byte) (*Manifest, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("skill manifest parse: %w", err)
	}
	if err := manifestSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("skill manifest schema: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("skill manifest decode: %w", err)
	}
	if err := Validate(&m); err != nil {
		return nil, fmt.Errorf("invalid skill manifest: %w", err)
	}
	return &m, nil
}

// Load discovers and parses the manifest in dir (skill.yaml, then skill.yml,
// then skill.json) and attaches the SKILL.md instructions when present.
func Load(dir string) (*Manifest, error) {
	var (
		m    *Manifest
		err  error
		seen string
	)
	for _, name := range manifestNames {
		path := filepath.Join(dir, name)
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			continue
		}
		seen = name
		if filepath.Ext(name) == ".json" {
			m, err = ParseJSON(data)
		} else {
			m, err = ParseYAML(data)
		}
		break
	}
	if seen == "" {
		return nil, fmt.Errorf("no skill manifest found in %s", dir)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", seen, err)
	}

	mdName := m.SkillMdPath
	if mdName == "" {
		mdName = defaultInstructionsName
	}
	if data, readErr := os.ReadFile(filepath.Join(dir, mdName)); readErr == nil {
		m.Instructions = string(data)
	}

	return m, nil
}
