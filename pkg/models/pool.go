package models

import "time"

// PoolSnapshot is a point-in-time copy of the aggregate liquidity pool state
// fetched from the ledger after a settlement batch drained the queue. The
// pipeline never computes these values, it only stores what the ledger and
// the pricing collaborator report.
type PoolSnapshot struct {
	TotalLiquidity uint64    `ch:"total_liquidity" json:"total_liquidity"`
	TotalShares    uint64    `ch:"total_shares" json:"total_shares"`
	FeeBps         uint32    `ch:"fee_bps" json:"fee_bps"`
	APR            float64   `ch:"apr" json:"apr"`
	FetchedAt      time.Time `ch:"fetched_at" json:"fetched_at"`
}
