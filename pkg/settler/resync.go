package settler

import (
	"context"

	"go.uber.org/zap"

	"github.com/meridian-dex/liquidityd/pkg/metrics"
	"github.com/meridian-dex/liquidityd/pkg/models"
)

// resync refreshes the aggregate pool state after a batch that submitted at
// least one settlement, so dependent analytics (APR, TVL) reflect the drained
// queue. Best-effort bookkeeping: failures are logged and never roll back or
// retry the settlements already submitted.
func (p *Pipeline) resync(ctx context.Context) {
	state, err := p.ledger.Pool(ctx)
	if err != nil {
		metrics.Resyncs.WithLabelValues("error").Inc()
		p.logger.Warn("Pool resync failed", zap.Error(err))
		return
	}

	snapshot := &models.PoolSnapshot{
		TotalLiquidity: state.TotalLiquidity,
		TotalShares:    state.TotalShares,
		FeeBps:         state.FeeBps,
		APR:            state.APR,
		FetchedAt:      p.now().UTC(),
	}
	if err := p.store.InsertPoolSnapshot(ctx, snapshot); err != nil {
		metrics.Resyncs.WithLabelValues("error").Inc()
		p.logger.Warn("Failed to persist pool snapshot", zap.Error(err))
		return
	}

	metrics.Resyncs.WithLabelValues("ok").Inc()
	p.logger.Info("Pool state resynced",
		zap.Uint64("totalLiquidity", state.TotalLiquidity),
		zap.Uint64("totalShares", state.TotalShares))
	p.publish(ctx, ChannelPoolResynced, snapshot)
}
