// Package plugins holds the bundled hook plugins: system context
// injection, per-user rate limiting, daily quotas and usage recording.
package plugins

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/cortexstream/internal/config"
	"github.com/normanking/cortexstream/internal/hooks"
)

// Deps overrides what Install would otherwise build from config.
type Deps struct {
	// Sink replaces the redis sink of the usage plugin.
	Sink Sink

	// Now is the clock for every plugin.
	Now func() time.Time
}

// Installed reports what Install registered.
type Installed struct {
	Names []string
	IDs   []string
}

// Install registers every enabled plugin and returns an uninstall func that
// removes the registrations and releases plugin resources.
func Install(reg *hooks.Registry, cfg config.PluginsConfig, deps Deps) (Installed, func() error, error) {
	var (
		inst    Installed
		closers []io.Closer
	)
	uninstall := func() error {
		for _, id := range inst.IDs {
			reg.Remove(id)
		}
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	add := func(name string, ids []string) {
		inst.Names = append(inst.Names, name)
		inst.IDs = append(inst.IDs, ids...)
	}

	if cfg.RateLimit.Enabled {
		rl := NewRateLimiter(reg, cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst, deps.Now)
		add("ratelimit", rl.Register(reg))
	}

	if cfg.Quota.Enabled {
		q, err := NewQuota(QuotaOptions{
			Dir:           cfg.Quota.Path,
			DailyRequests: cfg.Quota.DailyRequests,
			DailyTokens:   cfg.Quota.DailyTokens,
			Now:           deps.Now,
		})
		if err != nil {
			_ = uninstall()
			return Installed{}, nil, fmt.Errorf("quota plugin: %w", err)
		}
		closers = append(closers, q)
		add("quota", q.Register(reg))
	}

	if cfg.Context.Enabled {
		add("context", NewContextInjector(cfg.Context.SystemPrompt, deps.Now).Register(reg))
	}

	if cfg.Usage.Enabled {
		sink := deps.Sink
		if sink == nil && cfg.Usage.RedisAddr != "" {
			rs, err := NewRedisSink(RedisOptions{
				Addr:     cfg.Usage.RedisAddr,
				Password: cfg.Usage.RedisPassword,
				DB:       cfg.Usage.RedisDB,
				Stream:   cfg.Usage.Stream,
				MaxLen:   cfg.Usage.MaxLen,
			})
			if err != nil {
				// Usage is best effort; metrics still work without redis.
				log.Warn().Err(err).Str("addr", cfg.Usage.RedisAddr).Msg("usage sink unavailable, recording metrics only")
			} else {
				sink = rs
				closers = append(closers, rs)
			}
		}
		add("usage", NewUsageRecorder(sink, deps.Now).Register(reg))
	}

	log.Info().Strs("plugins", inst.Names).Msg("plugins installed")
	return inst, uninstall, nil
}
