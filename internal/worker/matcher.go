package worker

import (
	"sort"

	"storefront-payments/internal/domain"
)

// matcher indexes the cycle's pending intents by memo. Intents leave the
// index once matched or flagged so a batch cannot reuse them.
type matcher struct {
	byMemo map[string][]*domain.PaymentIntent
}

func newMatcher(pending []domain.PaymentIntent) *matcher {
	m := &matcher{byMemo: make(map[string][]*domain.PaymentIntent)}
	m.admit(pending)
	return m
}

// admit indexes unflagged intents, skipping any already present.
func (m *matcher) admit(intents []domain.PaymentIntent) {
	touched := make(map[string]bool)
	for i := range intents {
		p := &intents[i]
		if p.Flagged() || m.has(p) {
			continue
		}
		m.byMemo[p.Memo] = append(m.byMemo[p.Memo], p)
		touched[p.Memo] = true
	}
	for memo := range touched {
		group := m.byMemo[memo]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].CreatedAt.Before(group[j].CreatedAt)
		})
	}
}

func (m *matcher) has(p *domain.PaymentIntent) bool {
	for _, q := range m.byMemo[p.Memo] {
		if q.ID == p.ID {
			return true
		}
	}
	return false
}

// match picks the oldest intent the transfer pays in full. Every other
// intent sharing the memo is returned as a loser. With no winner, miss says
// why.
func (m *matcher) match(t domain.Transfer) (winner *domain.PaymentIntent, losers []*domain.PaymentIntent, miss domain.OrphanReason) {
	group := m.byMemo[t.Memo]
	if t.Memo == "" || len(group) == 0 {
		return nil, nil, domain.OrphanNoIntent
	}

	for _, p := range group {
		if winner == nil && p.CoveredBy(t.Amount, t.Currency) {
			winner = p
			continue
		}
		losers = append(losers, p)
	}
	if winner == nil {
		miss = domain.OrphanCurrencyMismatch
		for _, p := range group {
			if p.Currency == t.Currency {
				miss = domain.OrphanUnderpaid
			}
		}
		return nil, nil, miss
	}

	delete(m.byMemo, t.Memo)
	return winner, losers, ""
}
