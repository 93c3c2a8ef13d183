package settler

import (
	"context"
	"time"

	"github.com/meridian-dex/liquidityd/pkg/models"
)

// selectEligible asks the queue store for the requests whose cooling-off
// delay has elapsed at now, in ascending request-id order. Read-only: calling
// it repeatedly without intervening mutations yields identical batches.
func (p *Pipeline) selectEligible(ctx context.Context, now time.Time) ([]*models.WithdrawalRequest, error) {
	return p.store.FindEligible(ctx, now, p.cfg.ProcessingDelay, p.cfg.MaxAttempts)
}
