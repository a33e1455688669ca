package monitor

import (
	"fmt"
	"math"

	"github.com/rewired-gh/polywatch/internal/models"
)

// Recommend derives the suggested action for a candidate from its payload and
// the rolling history. It never changes severity or confidence.
func Recommend(a models.CandidateAlert, view View, cfg Config) models.Recommendation {
	var rec models.Recommendation
	p := a.Payload

	switch a.Kind {
	case models.KindOddsShift:
		rec = recommendOddsShift(p)
	case models.KindVolumeSpike:
		rec = recommendVolumeSpike(a, view, cfg)
	case models.KindResolvingSoon:
		rec = recommendResolvingSoon(p)
	case models.KindNewMarket:
		rec = recommendNewMarket(p)
	case models.KindMispriced:
		rec = recommendMispriced(p)
	default:
		rec = models.Recommendation{Action: models.ActionWatch}
	}
	rec.BetSize = betSize(a.Confidence, rec.Edge)
	if rec.Action == models.ActionWatch {
		rec.BetSize = models.BetNone
	}
	return rec
}

func lead(outcomes []models.Outcome) (models.Outcome, bool) {
	if len(outcomes) == 0 {
		return models.Outcome{}, false
	}
	return outcomes[0], true
}

func recommendOddsShift(p models.Payload) models.Recommendation {
	delta := p.NewPrice - p.OldPrice
	rec := models.Recommendation{Outcome: p.Outcome, Edge: math.Abs(delta) * 100}
	cents := math.Abs(delta) * 100
	now := p.NewPrice * 100

	switch {
	case delta > 0 && p.NewPrice > 0.70:
		rec.Action = models.ActionBuyNo
		rec.Explanation = fmt.Sprintf("%s jumped %.0f¢ to %.0f¢, a likely overshoot. Buying against it bets on a correction.", p.Outcome, cents, now)
	case delta > 0:
		rec.Action = models.ActionBuyYes
		rec.Explanation = fmt.Sprintf("%s rose %.0f¢ to %.0f¢ with room left to run. Momentum often continues short-term.", p.Outcome, cents, now)
	case p.NewPrice < 0.15:
		rec.Action = models.ActionWatch
		rec.Explanation = fmt.Sprintf("%s fell %.0f¢ to %.0f¢ and is priced near zero. Wait for reversal news before a contrarian bet.", p.Outcome, cents, now)
	default:
		rec.Action = models.ActionBuyYes
		rec.Explanation = fmt.Sprintf("%s dropped %.0f¢ to %.0f¢, a sell-off that may be an overreaction.", p.Outcome, cents, now)
	}
	return rec
}

// recommendVolumeSpike follows the direction the lead outcome moved over the
// volume window.
func recommendVolumeSpike(a models.CandidateAlert, view View, cfg Config) models.Recommendation {
	rec := models.Recommendation{Action: models.ActionWatch, Edge: math.Min(a.Payload.Multiplier*3, 40)}
	o, ok := lead(a.Payload.Outcomes)
	if !ok {
		rec.Explanation = "Unusual volume with no priced outcome to follow."
		return rec
	}
	rec.Outcome = o.Label

	then, ok := view.PriceAtOrBefore(a.MarketID, o.Label, a.ProducedAt.Add(-cfg.VolumeWindow))
	if !ok {
		rec.Explanation = fmt.Sprintf("Volume is %.1f× normal but the price direction is unknown yet.", a.Payload.Multiplier)
		return rec
	}
	move := o.Price - then
	switch {
	case move > 0.03:
		rec.Action = models.ActionBuyYes
		rec.Explanation = fmt.Sprintf("Volume is %.1f× normal while %s climbed %.0f¢. Heavy buying suggests informed money.", a.Payload.Multiplier, o.Label, move*100)
	case move < -0.03:
		rec.Action = models.ActionBuyNo
		rec.Explanation = fmt.Sprintf("Volume is %.1f× normal while %s slid %.0f¢. Heavy selling suggests informed money.", a.Payload.Multiplier, o.Label, -move*100)
	default:
		rec.Explanation = fmt.Sprintf("Volume is %.1f× normal but %s barely moved. Watch for a breakout.", a.Payload.Multiplier, o.Label)
	}
	return rec
}

func recommendResolvingSoon(p models.Payload) models.Recommendation {
	rec := models.Recommendation{Action: models.ActionWatch}
	o, ok := lead(p.Outcomes)
	if !ok {
		return rec
	}
	rec.Outcome = o.Label
	rec.Edge = math.Abs(o.Price-0.5) * 100

	switch {
	case o.Price >= 0.75:
		rec.Action = models.ActionBuyYes
		rec.Explanation = fmt.Sprintf("%s trades at %.0f¢ with %.1fh left. The market strongly expects it.", o.Label, o.Price*100, p.HoursLeft)
	case o.Price <= 0.25:
		rec.Action = models.ActionBuyNo
		rec.Explanation = fmt.Sprintf("%s trades at %.0f¢ with %.1fh left. The market strongly expects it to fail.", o.Label, o.Price*100, p.HoursLeft)
	default:
		rec.Explanation = fmt.Sprintf("%s trades at %.0f¢ with %.1fh left. The outcome is still a coin flip.", o.Label, o.Price*100, p.HoursLeft)
	}
	return rec
}

func recommendNewMarket(p models.Payload) models.Recommendation {
	rec := models.Recommendation{Action: models.ActionWatch, Edge: 10}
	o, ok := lead(p.Outcomes)
	if !ok {
		return rec
	}
	rec.Outcome = o.Label

	switch {
	case o.Price <= 0.20:
		rec.Action = models.ActionBuyNo
		rec.Explanation = fmt.Sprintf("New market opened with %s at %.0f¢. Early prices are often mispriced before liquidity arrives.", o.Label, o.Price*100)
	case o.Price >= 0.80:
		rec.Action = models.ActionBuyYes
		rec.Explanation = fmt.Sprintf("New market opened with %s at %.0f¢. Early prices are often mispriced before liquidity arrives.", o.Label, o.Price*100)
	default:
		rec.Explanation = fmt.Sprintf("New market opened with %s at %.0f¢. Let the price settle before betting.", o.Label, o.Price*100)
	}
	return rec
}

// recommendMispriced bets against the richest outcome when prices sum over
// one, and on the cheapest when they sum under.
func recommendMispriced(p models.Payload) models.Recommendation {
	rec := models.Recommendation{Action: models.ActionWatch, Edge: math.Abs(p.Sum-1) * 100}
	if len(p.Outcomes) == 0 {
		return rec
	}

	pick := p.Outcomes[0]
	for _, o := range p.Outcomes[1:] {
		if (p.Sum > 1 && o.Price > pick.Price) || (p.Sum < 1 && o.Price < pick.Price) {
			pick = o
		}
	}
	rec.Outcome = pick.Label

	if p.Sum > 1 {
		rec.Action = models.ActionBuyNo
		rec.Explanation = fmt.Sprintf("Outcomes sum to %.0f¢. %s at %.0f¢ is the most likely to be overpriced.", p.Sum*100, pick.Label, pick.Price*100)
	} else {
		rec.Action = models.ActionBuyYes
		rec.Explanation = fmt.Sprintf("Outcomes sum to %.0f¢. %s at %.0f¢ is the most likely to be underpriced.", p.Sum*100, pick.Label, pick.Price*100)
	}
	return rec
}

func betSize(conf models.Confidence, edge float64) models.BetSize {
	switch {
	case conf == models.ConfidenceHigh && edge >= 15:
		return models.BetLarge
	case conf >= models.ConfidenceMedium && edge >= 8:
		return models.BetMedium
	case conf != models.ConfidenceLow && edge >= 3:
		return models.BetSmall
	default:
		return models.BetNone
	}
}

// RankScore orders candidates competing for the last daily slots: edge plus a
// confidence bonus, plus urgency for markets about to close.
func RankScore(a models.CandidateAlert) float64 {
	score := a.Recommendation.Edge
	switch a.Confidence {
	case models.ConfidenceHigh:
		score += 20
	case models.ConfidenceMedium:
		score += 10
	}
	if a.Kind == models.KindResolvingSoon {
		score += math.Max(0, 15-a.Payload.HoursLeft/3)
	}
	return score
}
