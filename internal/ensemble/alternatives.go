package ensemble

import (
	"fmt"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultAlternatives is the default number of alternatives reported.
const DefaultAlternatives = 3

// Alternatives ranks the non-winning labels by supporter-weighted mean
// confidence and returns at most k of them. norm should be the renormalized
// weights from Aggregate.
func Alternatives(outcomes []domain.StrategyOutcome, norm map[string]float64, winner string, k int) []domain.Alternative {
	if k <= 0 {
		k = DefaultAlternatives
	}

	type tally struct {
		weighted   float64
		weight     float64
		plain      float64
		supporters int
	}
	tallies := make(map[string]*tally)

	for _, o := range outcomes {
		if o.Label == winner {
			continue
		}
		t, ok := tallies[o.Label]
		if !ok {
			t = &tally{}
			tallies[o.Label] = t
		}
		w := norm[o.StrategyID]
		t.weighted += w * o.Confidence
		t.weight += w
		t.plain += o.Confidence
		t.supporters++
	}

	alts := make([]domain.Alternative, 0, len(tallies))
	for label, t := range tallies {
		conf := t.plain / float64(t.supporters)
		if t.weight > 0 {
			conf = t.weighted / t.weight
		}
		alts = append(alts, domain.Alternative{
			Label:      label,
			Confidence: conf,
			Supporters: t.supporters,
			Pros:       []string{fmt.Sprintf("supported by %d strategies", t.supporters)},
			Cons:       []string{"minority decision"},
			RiskLevel:  RiskBand(conf),
		})
	}

	sort.Slice(alts, func(i, j int) bool {
		if alts[i].Confidence != alts[j].Confidence {
			return alts[i].Confidence > alts[j].Confidence
		}
		return alts[i].Label < alts[j].Label
	})

	if len(alts) > k {
		alts = alts[:k]
	}
	return alts
}

// RiskBand maps a confidence to a risk level on a 0-100 scale:
// above 90 is low, 75 to 90 is medium, below 75 is high.
func RiskBand(confidence float64) domain.Severity {
	score := confidence * 100
	switch {
	case score > 90:
		return domain.SeverityLow
	case score >= 75:
		return domain.SeverityMedium
	default:
		return domain.SeverityHigh
	}
}
