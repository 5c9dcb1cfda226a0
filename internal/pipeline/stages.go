package pipeline

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"scriptforge/backend/internal/services"
	"scriptforge/backend/pkg/models"
)

const (
	DefaultMinWords = 50
	MaxTitleLength  = 100
)

// Config holds the stage settings.
type Config struct {
	Prompts  *Prompts
	MinWords int
}

// DefaultStages returns the stage table in execution order: Research,
// Generate, Validate, Enrich.
func DefaultStages(gen services.TextGenerator, cfg Config) ([]Stage, error) {
	if cfg.Prompts == nil {
		p, err := DefaultPrompts()
		if err != nil {
			return nil, err
		}
		cfg.Prompts = p
	}
	if cfg.MinWords <= 0 {
		cfg.MinWords = DefaultMinWords
	}

	return []Stage{
		{
			Name:    models.StageResearch,
			Percent: PercentResearch,
			Message: "Researching the topic...",
			Runner:  &ResearchStage{gen: gen, prompt: &cfg.Prompts.Research},
			Enabled: func(req models.GenerationRequest) bool { return req.Options.Research },
		},
		{
			Name:    models.StageGenerating,
			Percent: PercentGenerating,
			Message: "Writing the script...",
			Runner:  &GenerateStage{gen: gen, prompt: &cfg.Prompts.Generate},
		},
		{
			Name:    models.StageValidating,
			Percent: PercentValidating,
			Message: "Checking the draft...",
			Runner:  &ValidateStage{MinWords: cfg.MinWords},
			Enabled: func(req models.GenerationRequest) bool { return req.Options.Validate },
		},
		{
			Name:    models.StageEnriching,
			Percent: PercentEnriching,
			Message: "Adding tags and hook variants...",
			Runner:  &EnrichStage{gen: gen, prompt: &cfg.Prompts.Enrich},
			Enabled: func(req models.GenerationRequest) bool { return req.Options.Enrich },
		},
	}, nil
}

// ResearchStage gathers supporting facts for the topic.
type ResearchStage struct {
	gen    services.TextGenerator
	prompt *Prompt
}

func (s *ResearchStage) Run(ctx context.Context, wc models.WorkflowContext) (models.WorkflowContext, error) {
	text, err := generate(ctx, s.gen, s.prompt, promptData{Request: wc.Request, MaxFindings: maxFindings})
	if err != nil {
		return wc, err
	}
	findings := parseList(text, maxFindings)
	if len(findings) == 0 {
		return wc, transient(models.StageResearch, "no research findings returned")
	}
	wc.Research = findings
	return wc, nil
}

// GenerateStage writes the draft.
type GenerateStage struct {
	gen    services.TextGenerator
	prompt *Prompt
}

func (s *GenerateStage) Run(ctx context.Context, wc models.WorkflowContext) (models.WorkflowContext, error) {
	text, err := generate(ctx, s.gen, s.prompt, promptData{Request: wc.Request, Research: wc.Research})
	if err != nil {
		return wc, err
	}
	draft := ParseDraft(text)
	if draft.Content == "" {
		return wc, transient(models.StageGenerating, "the generator returned an empty script")
	}
	if draft.Title == "" {
		draft.Title = truncateWords(wc.Request.Topic, MaxTitleLength)
	}
	wc.Draft = draft
	return wc, nil
}

// ValidateStage runs deterministic structural checks on the draft. Hard
// failures reject the run; soft findings become annotations.
type ValidateStage struct {
	MinWords int
}

func (s *ValidateStage) Run(ctx context.Context, wc models.WorkflowContext) (models.WorkflowContext, error) {
	if err := ctx.Err(); err != nil {
		return wc, err
	}
	content := strings.TrimSpace(wc.Draft.Content)
	if content == "" {
		return wc, reject(models.StageValidating, "the draft is empty")
	}
	words := len(strings.Fields(content))
	if words < s.MinWords {
		return wc, reject(models.StageValidating, "the draft has %d words, at least %d are required", words, s.MinWords)
	}

	var notes []models.Annotation
	if utf8.RuneCountInString(wc.Draft.Title) > MaxTitleLength {
		wc.Draft.Title = truncateWords(wc.Draft.Title, MaxTitleLength)
		notes = append(notes, models.Annotation{
			Severity: "warning",
			Message:  fmt.Sprintf("title shortened to %d characters", MaxTitleLength),
		})
	}
	if strings.TrimSpace(wc.Draft.Hook) == "" {
		notes = append(notes, models.Annotation{Severity: "warning", Message: "the draft has no opening hook"})
	}
	if target := wc.Request.TargetWords; target > 0 {
		if words < target/2 || words > target*2 {
			notes = append(notes, models.Annotation{
				Severity: "info",
				Message:  fmt.Sprintf("draft length %d words is far from the %d word target", words, target),
			})
		}
	}
	wc.Annotations = notes
	return wc, nil
}

// EnrichStage adds tags, alternative hooks and a description.
type EnrichStage struct {
	gen    services.TextGenerator
	prompt *Prompt
}

func (s *EnrichStage) Run(ctx context.Context, wc models.WorkflowContext) (models.WorkflowContext, error) {
	text, err := generate(ctx, s.gen, s.prompt, promptData{Request: wc.Request, Draft: wc.Draft, MaxTags: maxTags})
	if err != nil {
		return wc, err
	}
	meta := ParseMetadata(text)
	if len(meta.Tags) == 0 && len(meta.Hooks) == 0 && meta.Description == "" {
		return wc, transient(models.StageEnriching, "no metadata returned")
	}
	if len(meta.Tags) > maxTags {
		meta.Tags = meta.Tags[:maxTags]
	}
	wc.Tags = meta.Tags
	wc.HookVariants = meta.Hooks
	if meta.Description != "" {
		wc.Draft.Description = meta.Description
	}
	return wc, nil
}

func generate(ctx context.Context, gen services.TextGenerator, prompt *Prompt, data promptData) (string, error) {
	text, params, err := prompt.render(data)
	if err != nil {
		return "", services.Internal("render prompt", err)
	}
	return gen.Generate(ctx, text, params)
}

// ParseDraft splits generator output into TITLE:/HOOK:/DESCRIPTION: headers
// and the body that follows them.
func ParseDraft(text string) models.Draft {
	var draft models.Draft
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	i := 0
headers:
	for ; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		key, value, ok := header(line)
		if !ok {
			break
		}
		switch key {
		case "TITLE":
			draft.Title = value
		case "HOOK":
			draft.Hook = value
		case "DESCRIPTION":
			draft.Description = value
		default:
			break headers
		}
	}
	draft.Content = strings.TrimSpace(strings.Join(lines[i:], "\n"))
	return draft
}

// Metadata is the parsed output of the enrich prompt.
type Metadata struct {
	Tags        []string
	Hooks       []string
	Description string
}

// ParseMetadata reads TAGS:, DESCRIPTION: and HOOKS: sections.
func ParseMetadata(text string) Metadata {
	var meta Metadata
	inHooks := false
	for _, raw := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if key, value, ok := header(line); ok {
			inHooks = false
			switch key {
			case "TAGS":
				meta.Tags = splitTags(value)
			case "DESCRIPTION":
				meta.Description = value
			case "HOOKS":
				inHooks = true
				if value != "" {
					meta.Hooks = append(meta.Hooks, value)
				}
			}
			continue
		}
		if inHooks {
			if item := trimBullet(line); item != "" {
				meta.Hooks = append(meta.Hooks, item)
			}
		}
	}
	return meta
}

func header(line string) (string, string, bool) {
	key, value, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	key = strings.ToUpper(strings.Trim(strings.TrimSpace(key), "*#"))
	switch key {
	case "TITLE", "HOOK", "DESCRIPTION", "TAGS", "HOOKS":
		return key, strings.TrimSpace(value), true
	}
	return "", "", false
}

func parseList(text string, limit int) []string {
	var out []string
	for _, raw := range strings.Split(text, "\n") {
		item := trimBullet(strings.TrimSpace(raw))
		if item == "" {
			continue
		}
		out = append(out, item)
		if len(out) == limit {
			break
		}
	}
	return out
}

// trimBullet strips "-", "*", "•" and "1." style list markers.
func trimBullet(line string) string {
	line = strings.TrimLeft(line, "-*• \t")
	if i := strings.IndexAny(line, ".)"); i > 0 && i <= 3 && isDigits(line[:i]) {
		line = line[i+1:]
	}
	return strings.TrimSpace(line)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func splitTags(value string) []string {
	var tags []string
	seen := map[string]bool{}
	for _, tag := range strings.Split(value, ",") {
		tag = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tag), "#"))
		key := strings.ToLower(tag)
		if tag == "" || seen[key] {
			continue
		}
		seen[key] = true
		tags = append(tags, tag)
	}
	return tags
}

func truncateWords(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	cut := string(runes[:limit])
	if i := strings.LastIndex(cut, " "); i > limit/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}
