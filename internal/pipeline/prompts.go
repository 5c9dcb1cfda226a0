package pipeline

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"scriptforge/backend/internal/services"
	"scriptforge/backend/pkg/models"
)

//go:embed prompts.yaml
var defaultPromptsYAML []byte

const (
	maxFindings = 8
	maxTags     = 12
)

// Prompt is one named prompt template.
type Prompt struct {
	System      string  `yaml:"system"`
	Temperature float64 `yaml:"temperature"`
	Template    string  `yaml:"template"`

	tmpl *template.Template
}

// Prompts is the set of templates used by the AI-backed stages.
type Prompts struct {
	Research Prompt `yaml:"research"`
	Generate Prompt `yaml:"generate"`
	Enrich   Prompt `yaml:"enrich"`
}

type promptData struct {
	Request     models.GenerationRequest
	Research    []string
	Draft       models.Draft
	MaxFindings int
	MaxTags     int
}

// DefaultPrompts parses the embedded templates.
func DefaultPrompts() (*Prompts, error) {
	return ParsePrompts(defaultPromptsYAML)
}

// ParsePrompts decodes and compiles prompt templates from YAML.
func ParsePrompts(data []byte) (*Prompts, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("prompts: payload is empty")
	}
	var p Prompts
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("prompts: decode: %w", err)
	}
	for name, prompt := range map[string]*Prompt{
		"research": &p.Research,
		"generate": &p.Generate,
		"enrich":   &p.Enrich,
	} {
		if strings.TrimSpace(prompt.Template) == "" {
			return nil, fmt.Errorf("prompts: %s template is empty", name)
		}
		tmpl, err := template.New(name).Option("missingkey=error").Parse(prompt.Template)
		if err != nil {
			return nil, fmt.Errorf("prompts: parse %s: %w", name, err)
		}
		prompt.tmpl = tmpl
	}
	return &p, nil
}

// render executes the prompt and returns the text with generation params.
func (p *Prompt) render(data promptData) (string, services.GenerateParams, error) {
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return "", services.GenerateParams{}, fmt.Errorf("render %s prompt: %w", p.tmpl.Name(), err)
	}
	return strings.TrimSpace(buf.String()), services.GenerateParams{
		System:      strings.TrimSpace(p.System),
		Temperature: p.Temperature,
	}, nil
}
