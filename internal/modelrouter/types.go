// Package modelrouter picks a model for a prompt when the caller asked for
// automatic selection. Classification is a fixed, ordered decision list over
// prompt text and conversation size; no model is ever called.
package modelrouter

import "errors"

// ErrNoModels is returned when neither the catalog nor the default names a model.
var ErrNoModels = errors.New("no models available")

// Tier is a capability/cost bucket of models.
type Tier string

const (
	TierFast     Tier = "fast"
	TierBalanced Tier = "balanced"
	TierAdvanced Tier = "advanced"
	TierRealtime Tier = "realtime"
)

// AllTiers lists the tiers in display order.
var AllTiers = []Tier{TierFast, TierBalanced, TierAdvanced, TierRealtime}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFast, TierBalanced, TierAdvanced, TierRealtime:
		return true
	}
	return false
}

// Model is a catalog entry. Name and Label are matched against tier patterns.
type Model struct {
	ID    string
	Name  string
	Label string
}

// Options carries conversation context into classification.
type Options struct {
	History []HistoryEntry

	// ConversationTokens overrides the estimate computed from History.
	ConversationTokens int
}

// HistoryEntry is the part of a history message the router looks at.
type HistoryEntry struct {
	Role    string
	Content string
}

// Decision explains a routing choice.
type Decision struct {
	// Model is the selected model id.
	Model string

	// Tier is the tier the model was resolved from.
	Tier Tier

	// Requested is the tier the prompt classified into.
	Requested Tier

	// Rule names the decision-list rule that matched.
	Rule string

	// Fallback is set when Model did not come from Requested.
	Fallback bool

	PromptTokens       int
	ConversationTokens int
}

// Config tunes the router.
type Config struct {
	// DefaultModel is the last resort when the catalog is empty.
	DefaultModel string

	// TierPatterns replaces the built-in ranked name patterns for a tier.
	TierPatterns map[Tier][]string
}
