// Package budget bounds a conversation history to a model's context window.
// Token costs come from a cheap character-length estimator; nothing here
// talks to a tokenizer or holds state between calls.
package budget

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// Role is a normalized history role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// NormalizeRole maps a role string onto one of the three known roles.
// Matching is case-insensitive. Anything unrecognized is treated as user input.
func NormalizeRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "assistant", "ai", "model", "bot":
		return RoleAssistant
	case "system":
		return RoleSystem
	default:
		return RoleUser
	}
}

// Message is one history entry.
type Message struct {
	Role        Role     `json:"role"`
	Content     string   `json:"content"`
	Attachments []string `json:"attachments,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// ESTIMATION
// ═══════════════════════════════════════════════════════════════════════════════

// CharsPerToken is the ratio used by EstimateTokens.
const CharsPerToken = 4

// Per-role formatting overhead in tokens. Assistant turns carry more framing
// than user turns in every chat template we target.
const (
	UserOverhead      = 4
	AssistantOverhead = 6
	SystemOverhead    = 5
)

// EstimateTokens returns a monotonic token estimate for text.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + CharsPerToken - 1) / CharsPerToken
}

// Overhead returns the formatting overhead for a role.
func Overhead(r Role) int {
	switch r {
	case RoleAssistant:
		return AssistantOverhead
	case RoleSystem:
		return SystemOverhead
	default:
		return UserOverhead
	}
}

// Cost is the estimated token cost of a single message including overhead.
func Cost(m Message) int {
	return EstimateTokens(m.Content) + Overhead(NormalizeRole(string(m.Role)))
}

// Estimate sums Cost over a history.
func Estimate(history []Message) int {
	total := 0
	for _, m := range history {
		total += Cost(m)
	}
	return total
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRIMMING
// ═══════════════════════════════════════════════════════════════════════════════

// MaxUserLead is how far user entries may outnumber assistant entries in a
// trimmed history.
const MaxUserLead = 2

// Limits describes the token window a history must fit into.
type Limits struct {
	ContextLimit      int
	MaxResponseTokens int
	ReservedOverhead  int
}

// Available is the prompt budget left after reserving the response and overhead.
func (l Limits) Available() int {
	return l.ContextLimit - l.MaxResponseTokens - l.ReservedOverhead
}

// Result reports what Trim did.
type Result struct {
	Messages []Message

	// EstimatedTokens is Estimate(Messages).
	EstimatedTokens int

	// Dropped counts entries removed from the input.
	Dropped int

	// OverBudget is set when the newest user entry alone exceeds the
	// available budget. It is kept anyway and the caller decides what to do.
	OverBudget bool
}

// Trimmed reports whether any entry was dropped.
func (r Result) Trimmed() bool { return r.Dropped > 0 }

type candidate struct {
	index int
	msg   Message
}

// Trim fits history into limits.
//
// Under budget the history is returned unchanged. Otherwise the newest user
// entry is always kept and the remaining entries are walked newest to oldest.
// An entry is accepted only if it fits the remaining budget and, for user
// entries, keeps the user count within MaxUserLead of the assistant count.
// The walk stops at the first rejected entry. Output is oldest to newest.
func Trim(history []Message, limits Limits) Result {
	available := limits.Available()

	normalized := make([]Message, len(history))
	for i, m := range history {
		normalized[i] = strip(m)
	}

	total := Estimate(normalized)
	if total <= available {
		return Result{Messages: normalized, EstimatedTokens: total}
	}

	anchor := -1
	for i := len(normalized) - 1; i >= 0; i-- {
		if normalized[i].Role == RoleUser {
			anchor = i
			break
		}
	}

	var (
		kept       []candidate
		used       int
		users      int
		assistants int
		overBudget bool
	)

	if anchor >= 0 {
		kept = append(kept, candidate{index: anchor, msg: normalized[anchor]})
		used = Cost(normalized[anchor])
		users = 1
		overBudget = used > available
	}

	for i := len(normalized) - 1; i >= 0; i-- {
		if i == anchor {
			continue
		}
		m := normalized[i]
		cost := Cost(m)
		if used+cost > available {
			break
		}
		if m.Role == RoleUser && users+1 > assistants+MaxUserLead {
			break
		}
		switch m.Role {
		case RoleUser:
			users++
		case RoleAssistant:
			assistants++
		}
		used += cost
		kept = append(kept, candidate{index: i, msg: m})
	}

	sort.Slice(kept, func(a, b int) bool { return kept[a].index < kept[b].index })

	out := make([]Message, len(kept))
	for i, c := range kept {
		out[i] = c.msg
	}
	return Result{
		Messages:        out,
		EstimatedTokens: used,
		Dropped:         len(normalized) - len(out),
		OverBudget:      overBudget,
	}
}

// TrimHistory is Trim with the limits spelled out, returning only the messages.
func TrimHistory(history []Message, contextLimit, maxResponseTokens, reservedOverhead int) []Message {
	return Trim(history, Limits{
		ContextLimit:      contextLimit,
		MaxResponseTokens: maxResponseTokens,
		ReservedOverhead:  reservedOverhead,
	}).Messages
}

// strip normalizes the role and copies only the fields a backend sees.
func strip(m Message) Message {
	out := Message{Role: NormalizeRole(string(m.Role)), Content: m.Content}
	if len(m.Attachments) > 0 {
		out.Attachments = append([]string(nil), m.Attachments...)
	}
	return out
}
