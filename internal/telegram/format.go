package telegram

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/rewired-gh/polywatch/internal/models"
)

const (
	maxQuestionRunes   = 120
	maxListedOutcomes  = 10
	maxErrorTextLength = 500
)

var kindHeadline = map[models.AlertKind]struct {
	emoji string
	title string
}{
	models.KindOddsShift:     {"📊", "Odds shift"},
	models.KindVolumeSpike:   {"📈", "Volume spike"},
	models.KindResolvingSoon: {"⏰", "Resolving soon"},
	models.KindNewMarket:     {"🆕", "New market"},
	models.KindMispriced:     {"⚖️", "Mispriced outcomes"},
}

// escapeMarkdown escapes the characters Telegram's legacy Markdown treats as entities.
func escapeMarkdown(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/8)
	for _, char := range text {
		switch char {
		case '_', '*', '`', '[':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// truncateRunes shortens s to at most n runes, ending with an ellipsis when cut.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

func pct(p float64) string {
	return fmt.Sprintf("%.1f%%", p*100)
}

func money(v float64) string {
	return "$" + humanize.Comma(int64(math.Round(v)))
}

func formatWindow(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", int(d.Hours()))
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return d.String()
	}
}

func formatAge(d time.Duration) string {
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%.1fh", d.Hours())
}

func liquidityRiskNote(liq float64) string {
	switch {
	case liq < 2_000:
		return "⚠️ Very low liquidity: large orders may move the price. Use limit orders and keep size tiny."
	case liq < 10_000:
		return "⚠️ Moderate liquidity: stick to small sizes to avoid slippage."
	default:
		return ""
	}
}

var actionEmoji = map[models.Action]string{
	models.ActionBuyYes: "🟢",
	models.ActionBuyNo:  "🔴",
	models.ActionWatch:  "👀",
}

func recommendationBlock(rec models.Recommendation) string {
	if rec.Action == "" {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*", actionEmoji[rec.Action], rec.Action)
	if rec.Outcome != "" {
		fmt.Fprintf(&b, " on %s", escapeMarkdown(rec.Outcome))
	}
	fmt.Fprintf(&b, " · Bet: %s\n", rec.BetSize)
	if rec.Explanation != "" {
		b.WriteString(escapeMarkdown(rec.Explanation))
		b.WriteString("\n")
	}
	return b.String()
}

func outcomeLine(outcomes []models.Outcome) string {
	parts := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		parts = append(parts, fmt.Sprintf("%s %s", escapeMarkdown(o.Label), pct(o.Price)))
	}
	return strings.Join(parts, " · ")
}

// FormatAlert renders a candidate alert as a Telegram Markdown message.
func FormatAlert(a models.CandidateAlert) string {
	var b strings.Builder
	if head, ok := kindHeadline[a.Kind]; ok {
		fmt.Fprintf(&b, "%s *%s* · %s\n", head.emoji, head.title, a.Confidence)
	} else {
		// escapes are not allowed inside a bold entity
		fmt.Fprintf(&b, "🔔 %s · %s\n", escapeMarkdown(string(a.Kind)), a.Confidence)
	}
	b.WriteString(escapeMarkdown(truncateRunes(a.Question, maxQuestionRunes)))
	b.WriteString("\n\n")

	p := a.Payload
	switch a.Kind {
	case models.KindOddsShift:
		delta := (p.NewPrice - p.OldPrice) * 100
		fmt.Fprintf(&b, "%s: %s → %s (%+.1f pts in %s)\n",
			escapeMarkdown(p.Outcome), pct(p.OldPrice), pct(p.NewPrice), delta, formatWindow(p.Window))
	case models.KindVolumeSpike:
		fmt.Fprintf(&b, "24h volume: %s (%.2f× the %s average of %d samples)\n",
			money(p.Volume24h), p.Multiplier, money(p.MeanVolume), p.Samples)
		if p.VolumeStdDev > 0 {
			fmt.Fprintf(&b, "Deviation: %+.1fσ (σ %s)\n", (p.Volume24h-p.MeanVolume)/p.VolumeStdDev, money(p.VolumeStdDev))
		}
		fmt.Fprintf(&b, "Odds: %s\n", outcomeLine(p.Outcomes))
	case models.KindResolvingSoon:
		fmt.Fprintf(&b, "Closes in %.1fh (%s)\n", p.HoursLeft, p.EndTime.UTC().Format("2006-01-02 15:04 UTC"))
		fmt.Fprintf(&b, "Odds: %s\n", outcomeLine(p.Outcomes))
	case models.KindNewMarket:
		fmt.Fprintf(&b, "Listed %s ago\n", formatAge(p.Age))
		fmt.Fprintf(&b, "Odds: %s\n", outcomeLine(p.Outcomes))
	case models.KindMispriced:
		fmt.Fprintf(&b, "Outcome prices sum to %s (%+.1f pts)\n", pct(p.Sum), (p.Sum-1)*100)
		for i, o := range p.Outcomes {
			if i == maxListedOutcomes {
				fmt.Fprintf(&b, "• … and %d more\n", len(p.Outcomes)-maxListedOutcomes)
				break
			}
			fmt.Fprintf(&b, "• %s: %s\n", escapeMarkdown(o.Label), pct(o.Price))
		}
	}
	fmt.Fprintf(&b, "Liquidity: %s\n", money(p.Liquidity))

	if rec := recommendationBlock(a.Recommendation); rec != "" {
		b.WriteString("\n")
		b.WriteString(rec)
	}

	var notes []string
	if note := liquidityRiskNote(p.Liquidity); note != "" {
		notes = append(notes, note)
	}
	if a.Kind == models.KindResolvingSoon && p.HoursLeft < 3 {
		notes = append(notes, "⏰ Resolves in under 3 hours.")
	}
	if len(notes) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(notes, "\n"))
		b.WriteString("\n")
	}

	if a.URL != "" {
		fmt.Fprintf(&b, "\n🔗 %s\n", escapeMarkdown(a.URL))
	}
	fmt.Fprintf(&b, "🕒 %s", a.ProducedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	return b.String()
}

// FormatStartup renders the online banner.
func FormatStartup(kinds []models.AlertKind, pollInterval time.Duration) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = escapeMarkdown(string(k))
	}
	return fmt.Sprintf("🟢 *polywatch online*\nPolling every %s\nDetectors: %s",
		formatWindow(pollInterval), strings.Join(names, ", "))
}

// FormatError renders a monitoring error notification.
func FormatError(err error) string {
	text := strings.ReplaceAll(err.Error(), "`", "'")
	return fmt.Sprintf("⚠️ *Monitoring error*\n`%s`", truncateRunes(text, maxErrorTextLength))
}

// FormatRecovery renders a recovery notification.
func FormatRecovery(failureCount int) string {
	return fmt.Sprintf("✅ *Monitoring recovered* after %d consecutive failure(s)", failureCount)
}
