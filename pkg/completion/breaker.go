package completion

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ksi-project/ksi/pkg/config"
)

// CompletionRecord is the breaker's per-request accounting entry.
// Records chain through ParentID; the chain is what every check walks.
type CompletionRecord struct {
	RequestID       string    `json:"request_id"`
	ParentID        string    `json:"parent_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	ContentHash     string    `json:"content_hash"`
	ContentLength   int       `json:"content_length"`
	Depth           int       `json:"depth"`
	EstimatedTokens int       `json:"estimated_tokens"`
}

// Admission is one request presented to the breaker. Zero limit fields
// fall back to the configured defaults; per-request limits tighten,
// never widen.
type Admission struct {
	RequestID       string
	ParentRequestID string
	Content         string
	MaxDepth        int
	TokenBudget     int
	TimeWindow      time.Duration
}

// Decision is the breaker's verdict. When blocked, Check names the
// failing check and Detail carries its structured reason.
type Decision struct {
	Allowed bool
	Check   string
	Detail  map[string]any
}

const (
	// recordCapacity bounds the in-memory record map. Evicted parents
	// degrade their descendants to depth 0, which is the documented
	// behavior for missing parents.
	recordCapacity = 8192

	// chainLimit caps ancestor walks against malformed parent links.
	chainLimit = 256
)

// Breaker gates every completion enqueue: chain depth, chain and
// windowed token budgets, circular content, and a poisoning score over
// the chain's shape. Checks run in that order; the first failure wins.
type Breaker struct {
	cfg config.BreakerConfig

	mu       sync.Mutex
	records  *lru.Cache[string, *CompletionRecord]
	admitted int64
	blocked  map[string]int64

	now func() time.Time
}

// NewBreaker builds a breaker with the given default limits.
func NewBreaker(cfg config.BreakerConfig) *Breaker {
	records, _ := lru.New[string, *CompletionRecord](recordCapacity)
	return &Breaker{
		cfg:     cfg,
		records: records,
		blocked: make(map[string]int64),
		now:     time.Now,
	}
}

// Admit runs every check against the request's chain. On pass it
// records the request so descendants account against it; on block
// nothing is recorded.
func (b *Breaker) Admit(adm Admission) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	maxDepth, budget, window := b.limits(adm)
	hash := contentHash(adm.Content)
	tokens := EstimateTokens(adm.Content)
	chain := b.chainLocked(adm.ParentRequestID)

	depth := 0
	if len(chain) > 0 {
		depth = chain[0].Depth + 1
	}

	if depth >= maxDepth {
		return b.block("ideation_depth", map[string]any{
			"current_depth": depth,
			"max_depth":     maxDepth,
		})
	}

	// Lifetime spend of the ancestor chain. The new request's own
	// tokens count only against the windowed check below; otherwise
	// that check could never fire first.
	chainTokens := 0
	for _, rec := range chain {
		chainTokens += rec.EstimatedTokens
	}
	if chainTokens >= budget {
		return b.block("chain_token_budget", map[string]any{
			"chain_tokens": chainTokens,
			"token_budget": budget,
		})
	}

	cutoff := b.now().Add(-window)
	windowTokens := tokens
	for _, rec := range chain {
		if rec.Timestamp.After(cutoff) {
			windowTokens += rec.EstimatedTokens
		}
	}
	if windowTokens >= budget {
		return b.block("window_token_budget", map[string]any{
			"window_tokens":  windowTokens,
			"token_budget":   budget,
			"window_seconds": window.Seconds(),
		})
	}

	for i, rec := range chain {
		if i >= b.cfg.CircularWindow {
			break
		}
		if rec.ContentHash == hash {
			return b.block("circular_content", map[string]any{
				"content_hash":        hash,
				"window":              b.cfg.CircularWindow,
				"repeated_request_id": rec.RequestID,
			})
		}
	}

	rec := &CompletionRecord{
		RequestID:       adm.RequestID,
		ParentID:        adm.ParentRequestID,
		Timestamp:       b.now(),
		ContentHash:     hash,
		ContentLength:   len(adm.Content),
		Depth:           depth,
		EstimatedTokens: tokens,
	}

	score, signals := poisoningScore(append([]*CompletionRecord{rec}, chain...))
	if score > b.cfg.PoisoningThreshold {
		return b.block("poisoning_risk", map[string]any{
			"score":     score,
			"threshold": b.cfg.PoisoningThreshold,
			"signals":   signals,
		})
	}

	b.records.Add(adm.RequestID, rec)
	b.admitted++
	return Decision{Allowed: true}
}

// NextDepth returns the depth a child of requestID would run at.
// Unknown requests anchor a fresh chain at depth 0.
func (b *Breaker) NextDepth(requestID string) int {
	if requestID == "" {
		return 0
	}
	if rec, ok := b.records.Get(requestID); ok {
		return rec.Depth + 1
	}
	return 0
}

// MaxDepth reports the configured default depth limit.
func (b *Breaker) MaxDepth() int {
	return b.cfg.MaxDepth
}

// Stats reports admission counters for completion:status.
func (b *Breaker) Stats() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	blocked := make(map[string]int64, len(b.blocked))
	var total int64
	for check, n := range b.blocked {
		blocked[check] = n
		total += n
	}
	return map[string]any{
		"admitted":        b.admitted,
		"blocked":         total,
		"blocked_by":      blocked,
		"tracked_records": b.records.Len(),
	}
}

func (b *Breaker) block(check string, detail map[string]any) Decision {
	b.blocked[check]++
	return Decision{Check: check, Detail: detail}
}

// limits resolves the effective limits: config defaults tightened by
// any per-request values.
func (b *Breaker) limits(adm Admission) (maxDepth, budget int, window time.Duration) {
	maxDepth = b.cfg.MaxDepth
	if adm.MaxDepth > 0 && adm.MaxDepth < maxDepth {
		maxDepth = adm.MaxDepth
	}
	budget = b.cfg.TokenBudget
	if adm.TokenBudget > 0 && adm.TokenBudget < budget {
		budget = adm.TokenBudget
	}
	window = b.cfg.TimeWindow
	if adm.TimeWindow > 0 && adm.TimeWindow < window {
		window = adm.TimeWindow
	}
	return maxDepth, budget, window
}

// chainLocked returns the ancestor records newest-first, starting at
// parentID. Missing links end the walk.
func (b *Breaker) chainLocked(parentID string) []*CompletionRecord {
	var chain []*CompletionRecord
	for id := parentID; id != "" && len(chain) < chainLimit; {
		rec, ok := b.records.Get(id)
		if !ok {
			break
		}
		chain = append(chain, rec)
		id = rec.ParentID
	}
	return chain
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
