package plugins

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"

	"github.com/normanking/cortexstream/internal/hooks"
	"github.com/normanking/cortexstream/internal/metrics"
	"github.com/normanking/cortexstream/internal/orchestrator"
)

// QuotaPriority runs after rate limiting and before context injection.
const QuotaPriority = 5

// CodeQuotaExceeded is the blocking error code for exhausted quotas.
const CodeQuotaExceeded = "quota_exceeded"

// counterTTL keeps yesterday's counters around for reporting, then lets
// badger expire them.
const counterTTL = 48 * time.Hour

// maxTxnRetries bounds optimistic transaction retries on conflict.
const maxTxnRetries = 5

// Usage is a user's consumption for one day.
type Usage struct {
	Requests int64
	Tokens   int64
}

// Quota enforces daily per-user request and token limits. Counters live
// in badger keyed by user and UTC day.
type Quota struct {
	// mu serializes read-modify-write transactions within the process.
	mu sync.Mutex

	db            *badger.DB
	dailyRequests int64
	dailyTokens   int64
	now           func() time.Time
}

// QuotaOptions configures NewQuota.
type QuotaOptions struct {
	// Dir is the badger directory. Empty runs in memory.
	Dir string

	// DailyRequests and DailyTokens of zero disable that limit.
	DailyRequests int
	DailyTokens   int

	Now func() time.Time
}

// NewQuota opens the counter store.
func NewQuota(opts QuotaOptions) (*Quota, error) {
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.Dir == "" {
		dbOpts = dbOpts.WithInMemory(true)
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{})

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open quota store: %w", err)
	}

	q := &Quota{
		db:            db,
		dailyRequests: int64(opts.DailyRequests),
		dailyTokens:   int64(opts.DailyTokens),
		now:           opts.Now,
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q, nil
}

// Close closes the counter store.
func (q *Quota) Close() error {
	return q.db.Close()
}

func (q *Quota) key(user, field string) []byte {
	day := q.now().UTC().Format("2006-01-02")
	return []byte("quota:" + user + ":" + day + ":" + field)
}

// UsageFor returns today's counters for user.
func (q *Quota) UsageFor(user string) (Usage, error) {
	var u Usage
	err := q.db.View(func(txn *badger.Txn) error {
		var err error
		if u.Requests, err = readCounter(txn, q.key(user, "requests")); err != nil {
			return err
		}
		u.Tokens, err = readCounter(txn, q.key(user, "tokens"))
		return err
	})
	return u, err
}

// Reserve checks the limits and counts one request. It returns a blocking
// error when either limit is already reached.
func (q *Quota) Reserve(user string) error {
	var blocked error
	err := q.update(func(txn *badger.Txn) error {
		blocked = nil
		reqKey, tokKey := q.key(user, "requests"), q.key(user, "tokens")

		requests, err := readCounter(txn, reqKey)
		if err != nil {
			return err
		}
		tokens, err := readCounter(txn, tokKey)
		if err != nil {
			return err
		}

		if q.dailyRequests > 0 && requests >= q.dailyRequests {
			blocked = hooks.Blockf(CodeQuotaExceeded, "Daily request limit of %d reached.", q.dailyRequests)
			return nil
		}
		if q.dailyTokens > 0 && tokens >= q.dailyTokens {
			blocked = hooks.Blockf(CodeQuotaExceeded, "Daily token limit of %d reached.", q.dailyTokens)
			return nil
		}
		return writeCounter(txn, reqKey, requests+1)
	})
	if err != nil {
		return err
	}
	return blocked
}

// Consume adds tokens to today's usage.
func (q *Quota) Consume(user string, tokens int64) error {
	if tokens <= 0 {
		return nil
	}
	return q.update(func(txn *badger.Txn) error {
		k := q.key(user, "tokens")
		current, err := readCounter(txn, k)
		if err != nil {
			return err
		}
		return writeCounter(txn, k, current+tokens)
	})
}

// update retries fn on transaction conflicts with readers.
func (q *Quota) update(fn func(txn *badger.Txn) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var err error
	for i := 0; i < maxTxnRetries; i++ {
		err = q.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// Filter is bound to LLM_BEFORE_GENERATE.
func (q *Quota) Filter(_ context.Context, g *orchestrator.GenerationContext) (*orchestrator.GenerationContext, error) {
	if g.UserID == "" {
		return g, nil
	}
	if err := q.Reserve(g.UserID); err != nil {
		if hooks.IsBlocking(err) {
			metrics.Rejections.WithLabelValues(CodeQuotaExceeded).Inc()
		}
		return g, err
	}
	return g, nil
}

// Record is bound to LLM_AFTER_GENERATE as an action.
func (q *Quota) Record(_ context.Context, c *orchestrator.Completion) error {
	if c.Context == nil || c.Context.UserID == "" {
		return nil
	}
	tokens := int64(c.TokenCount)
	if c.Response != nil && c.Response.TokensUsed > 0 {
		tokens = int64(c.Response.TokensUsed)
	}
	if err := q.Consume(c.Context.UserID, tokens); err != nil {
		return fmt.Errorf("record token usage: %w", err)
	}
	return nil
}

// Register binds the quota filter and the usage action.
func (q *Quota) Register(reg *hooks.Registry) []string {
	return []string{
		reg.AddFilter(hooks.LLMBeforeGenerate, QuotaPriority, hooks.Filter(q.Filter), hooks.Owner("quota")),
		reg.AddAction(hooks.LLMAfterGenerate, QuotaPriority, hooks.Action(q.Record), hooks.Owner("quota")),
	}
}

func readCounter(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt counter %s", key)
		}
		n = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return n, err
}

func writeCounter(txn *badger.Txn, key []byte, n int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return txn.SetEntry(badger.NewEntry(key, buf).WithTTL(counterTTL))
}

// badgerLogger routes badger's warnings and errors into zerolog.
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...interface{}) {
	log.Error().Str("component", "badger").Msgf(f, v...)
}
func (badgerLogger) Warningf(f string, v ...interface{}) {
	log.Warn().Str("component", "badger").Msgf(f, v...)
}
func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
