package settler

import (
	"context"

	"go.uber.org/zap"

	"github.com/meridian-dex/liquidityd/pkg/ledger"
	"github.com/meridian-dex/liquidityd/pkg/models"
	"github.com/meridian-dex/liquidityd/pkg/retry"
)

// settle executes one withdrawal request end to end and classifies the
// outcome. Failures are absorbed here: whatever happens to this request, the
// rest of the batch still runs.
func (p *Pipeline) settle(ctx context.Context, req *models.WithdrawalRequest) ledger.Outcome {
	log := p.logger.With(
		zap.Uint64("requestId", req.RequestID),
		zap.String("provider", req.Provider))

	// Re-fetch from the ledger: the request may have been settled or
	// cancelled through another path since it was queued.
	onchain, err := p.ledger.WithdrawalRequest(ctx, req.RequestID)
	switch ledger.Classify(err) {
	case ledger.OutcomeNotFound:
		p.markFailed(ctx, log, req, "request no longer exists on ledger")
		return ledger.OutcomeNotFound
	case ledger.OutcomeTransient:
		p.recordTransient(ctx, log, req, err)
		return ledger.OutcomeTransient
	}

	err = p.ledger.SubmitSettlement(ctx, ledger.SettlementInstruction{
		Provider:              onchain.Provider,
		SettlementKey:         onchain.SettlementKey,
		DestinationAccountRef: onchain.DestinationAccountRef,
	})
	switch ledger.Classify(err) {
	case ledger.OutcomeNotFound:
		// Settled or cancelled between fetch and submit.
		p.markFailed(ctx, log, req, "request vanished before submission")
		return ledger.OutcomeNotFound
	case ledger.OutcomeTransient:
		p.recordTransient(ctx, log, req, err)
		return ledger.OutcomeTransient
	}

	// Submission accepted. The request stays QUEUED: only the external
	// event-ingestion collaborator marks it COMPLETED once the ledger's
	// confirmation event lands. This pipeline initiates settlement, it does
	// not declare it final.
	log.Info("Settlement submitted")
	p.publish(ctx, ChannelSettlementSubmitted, map[string]any{
		"request_id": req.RequestID,
		"provider":   req.Provider,
		"lp_amount":  req.LPAmount,
	})
	return ledger.OutcomeOK
}

// markFailed parks the request in the terminal FAILED state.
func (p *Pipeline) markFailed(ctx context.Context, log *zap.Logger, req *models.WithdrawalRequest, reason string) {
	log.Error("Withdrawal permanently failed", zap.String("reason", reason))
	if err := p.store.UpdateStatus(ctx, req.RequestID, models.StatusFailed); err != nil {
		// The row stays QUEUED and will re-classify the same way next tick.
		log.Error("Failed to mark withdrawal FAILED", zap.Error(err))
		return
	}
	p.publish(ctx, ChannelSettlementFailed, map[string]any{
		"request_id": req.RequestID,
		"provider":   req.Provider,
		"reason":     reason,
	})
}

// recordTransient bumps the persisted attempt counter and stamps the next
// backoff window. The request stays QUEUED and is retried on a future tick,
// until the retry budget runs out and it is parked.
func (p *Pipeline) recordTransient(ctx context.Context, log *zap.Logger, req *models.WithdrawalRequest, cause error) {
	attempts := req.Attempts + 1
	log.Warn("Transient settlement failure",
		zap.Uint32("attempts", attempts),
		zap.Uint32("maxAttempts", p.cfg.MaxAttempts),
		zap.Error(cause))

	if attempts >= p.cfg.MaxAttempts {
		p.markFailed(ctx, log, req, "retry budget exhausted")
		return
	}

	next := p.now().UTC().Add(retry.Delay(p.cfg.Backoff, int(attempts)))
	if err := p.store.RecordAttempt(ctx, req.RequestID, attempts, next); err != nil {
		log.Error("Failed to record settlement attempt", zap.Error(err))
	}
}
