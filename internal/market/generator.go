package market

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"
)

// GeneratorConfig configures synthetic bar generation
type GeneratorConfig struct {
	BasePrice  int64   // Opening price in cents for a fresh series (e.g., 48000 = $480)
	Volatility float64 // Per-bar volatility as decimal (e.g., 0.002 = 0.2%)
	BaseVolume int64   // Mean per-bar volume
	Seed       int64   // 0 = seed from wall clock
}

// DefaultGeneratorConfig returns a config for an exciting match
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		BasePrice:  48000, // $480
		Volatility: 0.002,
		BaseVolume: 50000,
	}
}

// Generator produces synthetic random-walk bars, one independent price
// path per match. Paths are deterministic for a fixed Seed.
type Generator struct {
	mu     sync.Mutex
	config GeneratorConfig
	seed   int64
	rngs   map[string]*rand.Rand
}

// NewGenerator creates a new bar generator
func NewGenerator(config GeneratorConfig) *Generator {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{
		config: config,
		seed:   seed,
		rngs:   make(map[string]*rand.Rand),
	}
}

// NextBar generates the bar following prior for the given match's path.
// An empty prior starts a new path at the configured base price.
func (g *Generator) NextBar(ctx context.Context, matchID string, prior []Bar) (Bar, error) {
	if err := ctx.Err(); err != nil {
		return Bar{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rng := g.rngs[matchID]
	if rng == nil {
		rng = rand.New(rand.NewSource(g.seed ^ hashMatchID(matchID)))
		g.rngs[matchID] = rng
	}

	open := g.config.BasePrice
	if len(prior) > 0 {
		open = prior[len(prior)-1].Close
	}

	// Random walk step plus intra-bar range around the open/close
	step := rng.NormFloat64() * g.config.Volatility * float64(open)
	close := open + int64(step)
	if close < 1 {
		close = 1
	}

	spread := int64(rng.Float64() * g.config.Volatility * float64(open))
	high := maxInt64(open, close) + spread
	low := minInt64(open, close) - spread
	if low < 1 {
		low = 1
	}

	volume := g.config.BaseVolume/2 + rng.Int63n(g.config.BaseVolume+1)

	return Bar{
		Timestamp: time.Now().UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    volume,
	}, nil
}

// Forget drops the cached path state for a finished match
func (g *Generator) Forget(matchID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.rngs, matchID)
}

func hashMatchID(id string) int64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return int64(h.Sum64())
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
