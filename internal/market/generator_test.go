package market

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func seededConfig() GeneratorConfig {
	config := DefaultGeneratorConfig()
	config.Seed = 42
	return config
}

func genSeries(t *testing.T, g *Generator, matchID string, n int) []Bar {
	t.Helper()
	bars := make([]Bar, 0, n)
	for i := 0; i < n; i++ {
		bar, err := g.NextBar(context.Background(), matchID, bars)
		require.NoError(t, err)
		bars = append(bars, bar)
	}
	return bars
}

func TestBarInvariants(t *testing.T) {
	g := NewGenerator(seededConfig())
	bars := genSeries(t, g, "m1", 200)

	for i, bar := range bars {
		require.GreaterOrEqual(t, bar.High, bar.Open, "bar %d", i)
		require.GreaterOrEqual(t, bar.High, bar.Close, "bar %d", i)
		require.LessOrEqual(t, bar.Low, bar.Open, "bar %d", i)
		require.LessOrEqual(t, bar.Low, bar.Close, "bar %d", i)
		require.Positive(t, bar.Low, "prices never reach zero")
		require.Positive(t, bar.Volume, "bar %d", i)
	}
}

func TestFirstBarOpensAtBasePrice(t *testing.T) {
	g := NewGenerator(seededConfig())
	bar, err := g.NextBar(context.Background(), "m1", nil)
	require.NoError(t, err)
	require.Equal(t, seededConfig().BasePrice, bar.Open)
}

func TestBarsChainOnPriorClose(t *testing.T) {
	g := NewGenerator(seededConfig())
	bars := genSeries(t, g, "m1", 50)
	for i := 1; i < len(bars); i++ {
		require.Equal(t, bars[i-1].Close, bars[i].Open)
	}
}

func TestSeededPathsAreDeterministic(t *testing.T) {
	a := genSeries(t, NewGenerator(seededConfig()), "m1", 30)
	b := genSeries(t, NewGenerator(seededConfig()), "m1", 30)
	for i := range a {
		require.Equal(t, a[i].Close, b[i].Close, "bar %d", i)
		require.Equal(t, a[i].High, b[i].High, "bar %d", i)
		require.Equal(t, a[i].Low, b[i].Low, "bar %d", i)
	}
}

func TestMatchesWalkIndependentPaths(t *testing.T) {
	g := NewGenerator(seededConfig())
	a := genSeries(t, g, "m1", 30)
	b := genSeries(t, g, "m2", 30)

	same := true
	for i := range a {
		if a[i].Close != b[i].Close {
			same = false
			break
		}
	}
	require.False(t, same, "distinct matches should diverge")
}

func TestForgetResetsPath(t *testing.T) {
	g := NewGenerator(seededConfig())
	first := genSeries(t, g, "m1", 10)

	g.Forget("m1")
	second := genSeries(t, g, "m1", 10)

	for i := range first {
		require.Equal(t, first[i].Close, second[i].Close, "fresh path reuses the match seed")
	}
}

func TestNextBarHonorsContext(t *testing.T) {
	g := NewGenerator(seededConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.NextBar(ctx, "m1", nil)
	require.ErrorIs(t, err, context.Canceled)
}
