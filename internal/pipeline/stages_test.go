package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"scriptforge/backend/internal/services"
	"scriptforge/backend/pkg/models"
)

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Generate(ctx context.Context, prompt string, params services.GenerateParams) (string, error) {
	args := m.Called(ctx, prompt, params)
	return args.String(0), args.Error(1)
}

func stagesFor(t *testing.T, gen services.TextGenerator) map[models.Stage]Stage {
	t.Helper()
	stages, err := DefaultStages(gen, Config{MinWords: 5})
	require.NoError(t, err)
	out := make(map[models.Stage]Stage, len(stages))
	for _, s := range stages {
		out[s.Name] = s
	}
	return out
}

func TestDefaultStages_OrderAndPercents(t *testing.T) {
	stages, err := DefaultStages(new(mockGenerator), Config{})
	require.NoError(t, err)
	require.Len(t, stages, 4)

	names := []models.Stage{models.StageResearch, models.StageGenerating, models.StageValidating, models.StageEnriching}
	percents := []int{20, 50, 75, 90}
	for i, s := range stages {
		assert.Equal(t, names[i], s.Name)
		assert.Equal(t, percents[i], s.Percent)
		assert.NotEmpty(t, s.Message)
	}
}

func TestDefaultStages_Enabled(t *testing.T) {
	stages := stagesFor(t, new(mockGenerator))
	none := models.GenerationRequest{Topic: "intro hook"}
	all := models.GenerationRequest{Topic: "intro hook", Options: models.GenerationOptions{Research: true, Validate: true, Enrich: true}}

	assert.True(t, stages[models.StageGenerating].IsEnabled(none), "generate always runs")
	for _, name := range []models.Stage{models.StageResearch, models.StageValidating, models.StageEnriching} {
		assert.False(t, stages[name].IsEnabled(none), name)
		assert.True(t, stages[name].IsEnabled(all), name)
	}
}

func TestGenerateStage_ParsesDraft(t *testing.T) {
	gen := new(mockGenerator)
	gen.On("Generate", mock.Anything, mock.MatchedBy(func(p string) bool {
		return strings.Contains(p, "intro hook") && strings.Contains(p, "- fact one")
	}), mock.Anything).Return("TITLE: The Hook\nHOOK: Wait for it\n\nBody line one.\nBody line two.", nil)

	wc := models.WorkflowContext{
		Request:  models.GenerationRequest{Topic: "intro hook"},
		Research: []string{"fact one"},
	}
	out, err := stagesFor(t, gen)[models.StageGenerating].Execute(context.Background(), wc)
	require.NoError(t, err)

	assert.Equal(t, "The Hook", out.Draft.Title)
	assert.Equal(t, "Wait for it", out.Draft.Hook)
	assert.Equal(t, "Body line one.\nBody line two.", out.Draft.Content)
	gen.AssertExpectations(t)
}

func TestGenerateStage_TitleFallsBackToShortenedTopic(t *testing.T) {
	gen := new(mockGenerator)
	gen.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return("Body without a title header.", nil)
	topic := strings.Repeat("sourdough starter ", 25)

	out, err := stagesFor(t, gen)[models.StageGenerating].Execute(context.Background(), models.WorkflowContext{
		Request: models.GenerationRequest{Topic: topic},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, out.Draft.Title)
	assert.LessOrEqual(t, len([]rune(out.Draft.Title)), MaxTitleLength)
	assert.True(t, strings.HasPrefix(topic, out.Draft.Title))
	assert.False(t, strings.HasSuffix(out.Draft.Title, " "))
}

func TestGenerateStage_IdempotentOutput(t *testing.T) {
	gen := new(mockGenerator)
	gen.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return("TITLE: T\n\nBody", nil)
	stage := stagesFor(t, gen)[models.StageGenerating]
	wc := models.WorkflowContext{Request: models.GenerationRequest{Topic: "x"}}

	first, err := stage.Execute(context.Background(), wc)
	require.NoError(t, err)
	second, err := stage.Execute(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, first.Draft, second.Draft)
}

func TestGenerateStage_ErrorsAreClassified(t *testing.T) {
	gen := new(mockGenerator)
	gen.On("Generate", mock.Anything, mock.Anything, mock.Anything).
		Return("", services.UpstreamUnavailable("generate", nil, "down")).Once()
	gen.On("Generate", mock.Anything, mock.Anything, mock.Anything).
		Return("", &services.Error{Kind: services.KindStage, Message: "rejected"}).Once()
	gen.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return("TITLE: only a title", nil).Once()
	stage := stagesFor(t, gen)[models.StageGenerating]
	wc := models.WorkflowContext{Request: models.GenerationRequest{Topic: "x"}}

	_, err := stage.Execute(context.Background(), wc)
	se := Classify(models.StageGenerating, err)
	assert.True(t, se.Retryable)
	assert.Equal(t, services.KindUpstreamUnavailable, se.Kind)

	_, err = stage.Execute(context.Background(), wc)
	se = Classify(models.StageGenerating, err)
	assert.False(t, se.Retryable)
	assert.Equal(t, "Generating failed: rejected", se.Reason())

	_, err = stage.Execute(context.Background(), wc)
	se = Classify(models.StageGenerating, err)
	assert.True(t, se.Retryable, "an empty body is worth another attempt")
}

func TestResearchStage(t *testing.T) {
	gen := new(mockGenerator)
	gen.On("Generate", mock.Anything, mock.Anything, mock.MatchedBy(func(p services.GenerateParams) bool {
		return p.System != "" && p.Temperature > 0
	})).Return("1. Hooks matter\n- Viewers decide fast\n\n* Keep it short", nil)

	out, err := stagesFor(t, gen)[models.StageResearch].Execute(context.Background(),
		models.WorkflowContext{Request: models.GenerationRequest{Topic: "hooks"}, Research: []string{"stale"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hooks matter", "Viewers decide fast", "Keep it short"}, out.Research)
}

func TestValidateStage(t *testing.T) {
	stage := &ValidateStage{MinWords: 5}
	ctx := context.Background()

	_, err := stage.Run(ctx, models.WorkflowContext{Draft: models.Draft{Content: "too short"}})
	se := Classify(models.StageValidating, err)
	require.NotNil(t, se)
	assert.False(t, se.Retryable)
	assert.Contains(t, se.Reason(), "at least 5")

	long := strings.Repeat("very ", 30) + "long title"
	out, err := stage.Run(ctx, models.WorkflowContext{
		Request: models.GenerationRequest{TargetWords: 100},
		Draft:   models.Draft{Title: long, Content: "one two three four five six"},
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len([]rune(out.Draft.Title)), MaxTitleLength)
	require.Len(t, out.Annotations, 3)
	assert.Equal(t, "warning", out.Annotations[0].Severity)
}

func TestEnrichStage(t *testing.T) {
	gen := new(mockGenerator)
	gen.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return(
		"TAGS: hooks, #video, Hooks, retention\nDESCRIPTION: Learn to open strong.\nHOOKS:\n- Stop scrolling.\n- You have three seconds.", nil)

	out, err := stagesFor(t, gen)[models.StageEnriching].Execute(context.Background(),
		models.WorkflowContext{Draft: models.Draft{Title: "T", Content: "body"}, Tags: []string{"old"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"hooks", "video", "retention"}, out.Tags)
	assert.Equal(t, []string{"Stop scrolling.", "You have three seconds."}, out.HookVariants)
	assert.Equal(t, "Learn to open strong.", out.Draft.Description)
}

func TestExecute_DoesNotLeakPartialWrites(t *testing.T) {
	stage := Stage{
		Name: models.StageResearch,
		Runner: RunnerFunc(func(ctx context.Context, wc models.WorkflowContext) (models.WorkflowContext, error) {
			wc.Research[0] = "mutated"
			return wc, services.UpstreamUnavailable("research", nil, "down")
		}),
	}
	wc := models.WorkflowContext{Research: []string{"original"}}

	out, err := stage.Execute(context.Background(), wc)
	require.Error(t, err)
	assert.Equal(t, []string{"original"}, out.Research)
	assert.Equal(t, []string{"original"}, wc.Research)
}

func TestClassify_ContextErrorsAreFinal(t *testing.T) {
	se := Classify(models.StageGenerating, context.DeadlineExceeded)
	assert.False(t, se.Retryable)
	assert.Nil(t, Classify(models.StageGenerating, nil))
}

func TestParsePrompts_Invalid(t *testing.T) {
	_, err := ParsePrompts([]byte(""))
	assert.Error(t, err)
	_, err = ParsePrompts([]byte("research:\n  template: \"{{ .Oops \"\n"))
	assert.Error(t, err)
}
