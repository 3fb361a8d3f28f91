package modelrouter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCatalog = []Model{
	{ID: "gpt-4o-mini", Name: "gpt-4o-mini", Label: "GPT-4o mini"},
	{ID: "gpt-4o", Name: "gpt-4o", Label: "GPT-4o"},
	{ID: "claude-opus", Name: "claude-3-opus", Label: "Claude Opus"},
	{ID: "sonar-pro", Name: "sonar-pro", Label: "Perplexity Sonar"},
}

func newTestRouter(t *testing.T, catalog []Model) *Router {
	t.Helper()
	r, err := New(catalog, Config{DefaultModel: "llama3:8b"})
	require.NoError(t, err)
	return r
}

func TestClassify(t *testing.T) {
	r := newTestRouter(t, testCatalog)

	tests := []struct {
		name   string
		prompt string
		tier   Tier
		rule   string
	}{
		{"greeting", "hi", TierFast, RuleGreeting},
		{"greeting with punctuation", "Hello there!", TierFast, RuleGreeting},
		{"short factual", "What is the capital of France?", TierFast, RuleShortFactual},
		{"short code error", "TypeError: x is not a function in my loop", TierFast, RuleShortCodeError},
		{"realtime", "summarize the latest news on chip exports", TierRealtime, RuleRealtime},
		{"complex analysis", "give me a complex analysis of our retention data", TierAdvanced, RuleComplex},
		{"large prompt", strings.Repeat("word ", 720), TierAdvanced, RuleLargeContext},
		{"moderate length", strings.Repeat("abcd ", 170), TierBalanced, RuleModerate},
		{"reasoning keyword", "explain how a b-tree stays balanced", TierBalanced, RuleReasoning},
		{"factual with reasoning falls through", "why is the sky blue", TierBalanced, RuleReasoning},
		{"default", "write a limerick about otters", TierBalanced, RuleDefault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier, rule := r.Classify(tt.prompt, Options{})
			if tier != tt.tier || rule != tt.rule {
				t.Errorf("Classify(%q) = (%s, %s), want (%s, %s)", tt.prompt, tier, rule, tt.tier, tt.rule)
			}
		})
	}
}

func TestSelectModelScenarios(t *testing.T) {
	r := newTestRouter(t, testCatalog)

	id, ok := r.SelectModel("hi", Options{})
	require.True(t, ok)
	assert.Equal(t, "gpt-4o-mini", id)

	id, ok = r.SelectModel(strings.Repeat("word ", 720), Options{})
	require.True(t, ok)
	assert.Equal(t, "claude-opus", id)
}

func TestLargeConversationRoutesAdvanced(t *testing.T) {
	r := newTestRouter(t, testCatalog)

	tier, rule := r.Classify("continue", Options{ConversationTokens: 7000})
	assert.Equal(t, TierAdvanced, tier)
	assert.Equal(t, RuleLargeContext, rule)

	history := []HistoryEntry{{Role: "user", Content: strings.Repeat("x", 24000)}}
	tier, _ = r.Classify("continue", Options{History: history})
	assert.Equal(t, TierAdvanced, tier)
}

func TestRealtimeFallsBackToAdvanced(t *testing.T) {
	r := newTestRouter(t, testCatalog[:3])

	tier, rule := r.Classify("any weather updates right now for Oslo", Options{})
	assert.Equal(t, TierAdvanced, tier)
	assert.Equal(t, RuleRealtime, rule)
}

func TestResolveExcludesSmallVariants(t *testing.T) {
	r := newTestRouter(t, []Model{{ID: "gpt-4o-mini", Name: "gpt-4o-mini"}})

	_, ok := r.Resolve(TierBalanced)
	assert.False(t, ok, "a mini model must not satisfy the balanced tier")

	id, ok := r.Resolve(TierFast)
	assert.True(t, ok)
	assert.Equal(t, "gpt-4o-mini", id)
}

func TestChooseFallbackChain(t *testing.T) {
	t.Run("tier available", func(t *testing.T) {
		d, err := newTestRouter(t, testCatalog).Choose("hi", Options{})
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o-mini", d.Model)
		assert.False(t, d.Fallback)
	})

	t.Run("falls back to balanced", func(t *testing.T) {
		r := newTestRouter(t, []Model{{ID: "gpt-4o", Name: "gpt-4o"}})
		d, err := r.Choose("hi", Options{})
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o", d.Model)
		assert.Equal(t, TierFast, d.Requested)
		assert.Equal(t, TierBalanced, d.Tier)
		assert.True(t, d.Fallback)
	})

	t.Run("falls back to first catalog model", func(t *testing.T) {
		r := newTestRouter(t, []Model{{ID: "custom-a"}, {ID: "custom-b"}})
		d, err := r.Choose("hi", Options{})
		require.NoError(t, err)
		assert.Equal(t, "custom-a", d.Model)
	})

	t.Run("falls back to default", func(t *testing.T) {
		d, err := newTestRouter(t, nil).Choose("hi", Options{})
		require.NoError(t, err)
		assert.Equal(t, "llama3:8b", d.Model)
	})

	t.Run("nothing configured", func(t *testing.T) {
		r, err := New(nil, Config{})
		require.NoError(t, err)
		_, err = r.Choose("hi", Options{})
		assert.ErrorIs(t, err, ErrNoModels)
	})
}

func TestTierPatternOverrides(t *testing.T) {
	r, err := New([]Model{{ID: "house-special"}}, Config{
		TierPatterns: map[Tier][]string{TierFast: {`house`}},
	})
	require.NoError(t, err)

	id, ok := r.SelectModel("hi", Options{})
	assert.True(t, ok)
	assert.Equal(t, "house-special", id)

	_, err = New(nil, Config{TierPatterns: map[Tier][]string{TierFast: {`(`}}})
	assert.Error(t, err)

	_, err = New(nil, Config{TierPatterns: map[Tier][]string{"turbo": {`x`}}})
	assert.Error(t, err)
}

func TestClassifyIsDeterministic(t *testing.T) {
	r := newTestRouter(t, testCatalog)
	prompt := "compare postgres and sqlite for embedded analytics"
	first, _ := r.Classify(prompt, Options{})
	for i := 0; i < 20; i++ {
		got, _ := r.Classify(prompt, Options{})
		assert.Equal(t, first, got)
	}
}
