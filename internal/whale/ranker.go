// ranker.go computes the composite ranking score for the qualified
// cohort.
//
// The final score is min-max normalized over the cohort into [0,1] so
// it doubles as the rank-score input to position sizing. Normalizing is
// monotone, so the ordering is the same as the raw composite.
package whale

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

var (
	one = decimal.NewFromInt(1)
	ten = decimal.NewFromInt(10)
)

// Rank scores and orders the cohort. The returned slice is sorted best
// first with RankScore set; the input is not modified.
func Rank(cohort []types.WhaleStats, cfg config.RankingConfig, now time.Time) []types.WhaleStats {
	if len(cohort) == 0 {
		return nil
	}

	ranked := make([]types.WhaleStats, len(cohort))
	copy(ranked, cohort)

	volumes := make([]decimal.Decimal, len(ranked))
	recency := make([]decimal.Decimal, len(ranked))
	frequency := make([]decimal.Decimal, len(ranked))
	for i, w := range ranked {
		volumes[i] = w.TotalVolumeUSD
		// recency_bonus = 1 / (1 + days_since_last_active)
		days := decimal.NewFromInt(int64(daysSince(w.LastActiveAt, now)))
		recency[i] = one.Div(one.Add(days))
		frequency[i] = decimal.NewFromInt(int64(w.TradesLast3Days))
	}

	normVol := minMaxNorm(volumes)
	normRec := minMaxNorm(recency)
	normFreq := minMaxNorm(frequency)

	scores := make([]decimal.Decimal, len(ranked))
	for i, w := range ranked {
		risk := decimal.NewFromInt(int64(w.RiskScore)).Div(ten)
		scores[i] = cfg.WVolume.Mul(normVol[i]).
			Add(cfg.WRecency.Mul(normRec[i])).
			Add(cfg.WFrequency.Mul(normFreq[i])).
			Sub(cfg.WRisk.Mul(risk))
	}

	for i, s := range minMaxNorm(scores) {
		ranked[i].RankScore = s
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if !a.RankScore.Equal(b.RankScore) {
			return a.RankScore.GreaterThan(b.RankScore)
		}
		if a.RiskScore != b.RiskScore {
			return a.RiskScore < b.RiskScore
		}
		return a.FirstSeenAt.Before(b.FirstSeenAt)
	})
	return ranked
}

// minMaxNorm maps values into [0,1] over the slice. A zero-span slice
// normalizes to all zeros, leaving ordering to the tie-breaks.
func minMaxNorm(values []decimal.Decimal) []decimal.Decimal {
	min, max := values[0], values[0]
	for _, v := range values[1:] {
		if v.LessThan(min) {
			min = v
		}
		if v.GreaterThan(max) {
			max = v
		}
	}

	out := make([]decimal.Decimal, len(values))
	span := max.Sub(min)
	if span.IsZero() {
		return out
	}
	for i, v := range values {
		out[i] = v.Sub(min).Div(span)
	}
	return out
}
