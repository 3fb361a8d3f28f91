package modelrouter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/normanking/cortexstream/internal/budget"
)

// ═══════════════════════════════════════════════════════════════════════════════
// THRESHOLDS
// ═══════════════════════════════════════════════════════════════════════════════

const (
	greetingMaxTokens  = 10
	factualMaxTokens   = 30
	codeErrorMaxTokens = 60
	moderatePromptLen  = 200
	largePromptTokens  = 800
	largeContextTokens = 6000
)

// Rule names reported in Decision.Rule.
const (
	RuleGreeting       = "greeting"
	RuleShortFactual   = "short_factual"
	RuleShortCodeError = "short_code_error"
	RuleRealtime       = "realtime"
	RuleLargeContext   = "large_context"
	RuleComplex        = "complex_analysis"
	RuleModerate       = "moderate_length"
	RuleReasoning      = "reasoning"
	RuleDefault        = "default"
)

var (
	greetingRe  = regexp.MustCompile(`^(hi|hello|hey|yo|hiya|howdy|greetings|good (morning|afternoon|evening)|thanks|thank you|ok|okay|sup)\b[\s!.?,]*(there|all|everyone)?[\s!.?]*$`)
	factualRe   = regexp.MustCompile(`^(what|who|when|where|which|how (many|much|old|far|long)|define|is|are|does|do|can)\b`)
	codeErrRe   = regexp.MustCompile(`(error|exception|traceback|stack trace|undefined|null pointer|nil pointer|segfault|panic:|cannot find|not defined|syntax error|typeerror|nameerror)`)
	realtimeRe  = regexp.MustCompile(`\b(today|tonight|latest|currently|right now|this (week|month|morning)|news|breaking|stock price|weather|live score|recent(ly)?|as of now|trending)\b`)
	complexRe   = regexp.MustCompile(`(complex analysis|in-depth analysis|comprehensive (analysis|review|report)|analy[sz]e in depth|deep dive|thorough(ly)? analy[sz]e|architecture review|step[- ]by[- ]step proof)`)
	reasoningRe = regexp.MustCompile(`\b(why|explain|compare|reason(ing)?|pros and cons|trade-?offs?|evaluate|design|plan|strategy|implications?)\b`)
)

// defaultTierPatterns are ranked: earlier patterns win over later ones.
var defaultTierPatterns = map[Tier][]string{
	TierFast:     {`flash`, `haiku`, `mini`, `nano`, `lite`, `instant`, `small`, `tiny`, `\b[1-8]b\b`},
	TierBalanced: {`sonnet`, `gpt-4o`, `gpt-4\.1`, `gemini.*pro`, `70b`, `(14|32)b`, `medium`, `llama`, `qwen`, `mistral`},
	TierAdvanced: {`opus`, `\bo[13]\b`, `gpt-5`, `gpt-4\.5`, `405b`, `r1`, `reason`, `large`, `ultra`},
	TierRealtime: {`sonar`, `perplexity`, `online`, `search`, `grok`, `realtime`, `live`},
}

// tierExcludes keeps small variants out of larger tiers (gpt-4o-mini is not balanced).
var tierExcludes = map[Tier]*regexp.Regexp{
	TierBalanced: regexp.MustCompile(`(mini|nano|lite|flash|haiku)`),
	TierAdvanced: regexp.MustCompile(`(mini|nano|lite|flash|haiku)`),
}

// Router classifies prompts and resolves tiers against a model catalog.
type Router struct {
	catalog      []Model
	defaultModel string
	patterns     map[Tier][]*regexp.Regexp
}

// New builds a router over catalog. Catalog order is the tie-breaker when
// several models match the same pattern.
func New(catalog []Model, cfg Config) (*Router, error) {
	r := &Router{
		catalog:      append([]Model(nil), catalog...),
		defaultModel: cfg.DefaultModel,
		patterns:     make(map[Tier][]*regexp.Regexp),
	}

	for _, tier := range AllTiers {
		src := defaultTierPatterns[tier]
		if override, ok := cfg.TierPatterns[tier]; ok && len(override) > 0 {
			src = override
		}
		for _, p := range src {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("tier %s pattern %q: %w", tier, p, err)
			}
			r.patterns[tier] = append(r.patterns[tier], re)
		}
	}
	for tier := range cfg.TierPatterns {
		if !tier.Valid() {
			return nil, fmt.Errorf("unknown tier %q", tier)
		}
	}
	return r, nil
}

// Classify runs the decision list and returns the tier plus the rule that
// matched. Realtime prompts fall back to advanced when no realtime model exists.
func (r *Router) Classify(prompt string, opts Options) (Tier, string) {
	text := strings.ToLower(strings.TrimSpace(prompt))
	promptTokens := budget.EstimateTokens(text)
	total := promptTokens + conversationTokens(opts)

	switch {
	case promptTokens <= greetingMaxTokens && greetingRe.MatchString(text):
		return TierFast, RuleGreeting
	case promptTokens <= factualMaxTokens && factualRe.MatchString(text) && !reasoningRe.MatchString(text):
		return TierFast, RuleShortFactual
	case promptTokens <= codeErrorMaxTokens && codeErrRe.MatchString(text):
		return TierFast, RuleShortCodeError
	case realtimeRe.MatchString(text):
		if _, ok := r.Resolve(TierRealtime); ok {
			return TierRealtime, RuleRealtime
		}
		return TierAdvanced, RuleRealtime
	case promptTokens >= largePromptTokens || total >= largeContextTokens:
		return TierAdvanced, RuleLargeContext
	case complexRe.MatchString(text):
		return TierAdvanced, RuleComplex
	case promptTokens >= moderatePromptLen:
		return TierBalanced, RuleModerate
	case reasoningRe.MatchString(text):
		return TierBalanced, RuleReasoning
	default:
		return TierBalanced, RuleDefault
	}
}

// SelectModel returns the model for the prompt's tier, or false if the
// catalog has nothing for that tier.
func (r *Router) SelectModel(prompt string, opts Options) (string, bool) {
	tier, _ := r.Classify(prompt, opts)
	return r.Resolve(tier)
}

// Choose classifies the prompt and resolves a model, falling back to the
// balanced tier, then the first catalog model, then the configured default.
func (r *Router) Choose(prompt string, opts Options) (Decision, error) {
	tier, rule := r.Classify(prompt, opts)
	d := Decision{
		Requested:          tier,
		Tier:               tier,
		Rule:               rule,
		PromptTokens:       budget.EstimateTokens(prompt),
		ConversationTokens: conversationTokens(opts),
	}

	if id, ok := r.Resolve(tier); ok {
		d.Model = id
		return d, nil
	}

	d.Fallback = true
	if id, ok := r.Resolve(TierBalanced); ok {
		d.Model, d.Tier = id, TierBalanced
		return d, nil
	}
	if len(r.catalog) > 0 {
		d.Model, d.Tier = r.catalog[0].ID, ""
		return d, nil
	}
	if r.defaultModel != "" {
		d.Model, d.Tier = r.defaultModel, ""
		return d, nil
	}
	return d, ErrNoModels
}

// Resolve returns the first catalog model matching tier's ranked patterns.
func (r *Router) Resolve(tier Tier) (string, bool) {
	exclude := tierExcludes[tier]
	for _, re := range r.patterns[tier] {
		for _, m := range r.catalog {
			haystack := strings.ToLower(m.ID + " " + m.Name + " " + m.Label)
			if exclude != nil && exclude.MatchString(haystack) {
				continue
			}
			if re.MatchString(haystack) {
				return m.ID, true
			}
		}
	}
	return "", false
}

// Catalog returns a copy of the router's models.
func (r *Router) Catalog() []Model {
	return append([]Model(nil), r.catalog...)
}

func conversationTokens(opts Options) int {
	if opts.ConversationTokens > 0 {
		return opts.ConversationTokens
	}
	total := 0
	for _, h := range opts.History {
		total += budget.Cost(budget.Message{Role: budget.NormalizeRole(h.Role), Content: h.Content})
	}
	return total
}
