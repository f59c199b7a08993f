package payout

import (
	"github.com/shopspring/decimal"

	"freelancehub-settlement/services/earning"
)

// selectWholeLogs picks the oldest unpaid logs whose running sum stays
// within the requested amount. Logs are attached whole, never split, so the
// earmarked total may come in under the request; selection stops at the
// first log that would push the sum over.
func selectWholeLogs(logs []*earning.EarningLog, requested decimal.Decimal) []*earning.EarningLog {
	selected := make([]*earning.EarningLog, 0, len(logs))
	running := decimal.Zero

	for _, l := range logs {
		next := running.Add(l.AmountEarned)
		if next.GreaterThan(requested) {
			break
		}
		selected = append(selected, l)
		running = next
	}

	return selected
}
