package plugins

import (
	"context"
	"strings"
	"time"

	"github.com/normanking/cortexstream/internal/hooks"
	"github.com/normanking/cortexstream/internal/orchestrator"
)

// ContextPriority runs after rate limiting and quota so rejected requests
// skip the work.
const ContextPriority = 10

// ContextInjector prepends a fixed system prompt and the current date.
type ContextInjector struct {
	prompt string
	now    func() time.Time
}

// NewContextInjector creates an injector for prompt.
func NewContextInjector(prompt string, now func() time.Time) *ContextInjector {
	if now == nil {
		now = time.Now
	}
	return &ContextInjector{prompt: strings.TrimSpace(prompt), now: now}
}

// Filter is bound to LLM_BEFORE_GENERATE.
func (c *ContextInjector) Filter(_ context.Context, g *orchestrator.GenerationContext) (*orchestrator.GenerationContext, error) {
	parts := make([]string, 0, 3)
	if c.prompt != "" {
		parts = append(parts, c.prompt)
	}
	parts = append(parts, "Current date: "+c.now().Format("Monday, 2 January 2006"))
	if existing := strings.TrimSpace(g.SystemPrompt); existing != "" {
		parts = append(parts, existing)
	}
	g.SystemPrompt = strings.Join(parts, "\n\n")
	return g, nil
}

// Register binds the injector.
func (c *ContextInjector) Register(reg *hooks.Registry) []string {
	return []string{
		reg.AddFilter(hooks.LLMBeforeGenerate, ContextPriority, hooks.Filter(c.Filter), hooks.Owner("context")),
	}
}
