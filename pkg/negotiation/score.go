package negotiation

import (
	"reflect"
	"sort"

	"github.com/solaceprotocol/acp-core/pkg/protocol"
)

// scored pairs a proposal with its computed score for ranking.
type scored struct {
	proposal protocol.Proposal
	score    float64
}

// priceFit maps an offered price onto [0,1] relative to the budget.
// Anything at or below budget*(1-flex) scores 1.0; the score decays
// linearly to 0 at budget*(1+flex).
func priceFit(price, budget, flexibility float64) float64 {
	if budget <= 0 {
		return 0
	}
	low := budget * (1 - flexibility)
	high := budget * (1 + flexibility)
	switch {
	case price <= low:
		return 1
	case price >= high:
		return 0
	default:
		return (high - price) / (high - low)
	}
}

// termsFit is the fraction of requested term keys the offer matches
// exactly. An empty request is satisfied by anything.
func termsFit(offered, requested protocol.Terms) float64 {
	if len(requested) == 0 {
		return 1
	}
	matched := 0
	for key, want := range requested {
		if got, ok := offered[key]; ok && reflect.DeepEqual(got, want) {
			matched++
		}
	}
	return float64(matched) / float64(len(requested))
}

// Score computes the weighted fitness of a proposal for the requester.
func Score(p protocol.Proposal, reputation, budget float64, requested protocol.Terms, s Strategy) float64 {
	return s.PriceWeight*priceFit(p.Price, budget, s.PriceFlexibility) +
		s.ReputationWeight*reputation +
		s.TermsWeight*termsFit(p.Terms, requested)
}

// rank orders proposals by score descending, breaking ties by earliest
// submission and then smallest agent id. The order is total, so equal
// inputs always rank identically.
func rank(entries []scored) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.proposal.SubmittedAt.Equal(b.proposal.SubmittedAt) {
			return a.proposal.SubmittedAt.Before(b.proposal.SubmittedAt)
		}
		return a.proposal.Agent < b.proposal.Agent
	})
}
