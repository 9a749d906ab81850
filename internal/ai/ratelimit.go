package ai

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type CallKind string

const (
	CallEmbedding  CallKind = "emd"
	CallCompletion CallKind = "req"
)

// Limit is a bucket capacity refilled continuously over Window.
type Limit struct {
	Capacity int
	Window   time.Duration
}

var (
	DefaultEmbeddingLimit  = Limit{Capacity: 400, Window: time.Minute}
	DefaultCompletionLimit = Limit{Capacity: 600, Window: time.Minute}
)

// Governor keeps one token bucket per (rate key, call kind). Buckets are
// process-local; every instance enforces its own share.
type Governor struct {
	limits map[CallKind]Limit
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewGovernor(embedding, completion Limit) *Governor {
	return &Governor{
		limits: map[CallKind]Limit{
			CallEmbedding:  embedding,
			CallCompletion: completion,
		},
		now:     time.Now,
		buckets: make(map[string]*rate.Limiter),
	}
}

func NewDefaultGovernor() *Governor {
	return NewGovernor(DefaultEmbeddingLimit, DefaultCompletionLimit)
}

// Consume takes one unit from the bucket or returns ErrRateExceeded. It never
// waits.
func (g *Governor) Consume(rateKey string, kind CallKind) error {
	if !g.bucket(rateKey, kind).AllowN(g.now(), 1) {
		return ErrRateExceeded
	}
	return nil
}

func (g *Governor) bucket(rateKey string, kind CallKind) *rate.Limiter {
	key := "openai-" + string(kind) + "-" + rateKey

	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.buckets[key]
	if !ok {
		l := g.limits[kind]
		every := l.Window / time.Duration(l.Capacity)
		b = rate.NewLimiter(rate.Every(every), l.Capacity)
		g.buckets[key] = b
	}
	return b
}
