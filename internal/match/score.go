package match

// DefaultScore is the built-in scoring function. Return is pinned to
// [0, 100]: 50 is flat performance, returns move the score up or down,
// drawdown and inaccuracy pull it back toward zero.
func DefaultScore(finalEquity, startEquity, maxDrawdown int64, totalActions, profitableActions int) float64 {
	if startEquity <= 0 {
		return 0
	}

	ret := float64(finalEquity-startEquity) / float64(startEquity)
	score := 50 + ret*500 // +/-10% return spans the full scale

	// Penalize peak-to-trough drawdown
	score -= float64(maxDrawdown) / float64(startEquity) * 100

	// Reward accuracy once the participant has actually traded
	if totalActions > 0 {
		accuracy := float64(profitableActions) / float64(totalActions)
		score += (accuracy - 0.5) * 20
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
