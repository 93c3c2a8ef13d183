// Package settler implements the liquidity-withdrawal settlement pipeline:
// each tick drains the eligible slice of the durable withdrawal queue against
// the external ledger, strictly in request-id order, then resynchronizes the
// aggregate pool state when anything changed.
package settler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/meridian-dex/liquidityd/pkg/db/queue"
	"github.com/meridian-dex/liquidityd/pkg/ledger"
	"github.com/meridian-dex/liquidityd/pkg/metrics"
	"github.com/meridian-dex/liquidityd/pkg/retry"
	"github.com/meridian-dex/liquidityd/pkg/utils"
)

// Pub/Sub channels for real-time settlement events.
const (
	ChannelSettlementSubmitted = "settler:settlement.submitted"
	ChannelSettlementFailed    = "settler:settlement.failed"
	ChannelPoolResynced        = "settler:pool.resynced"
)

// Config holds the pipeline's tuning knobs.
type Config struct {
	// ProcessingDelay is the cooling-off window measured from requestedAt.
	ProcessingDelay time.Duration
	// Pacing is the wait between consecutive settlement attempts, purely to
	// avoid overwhelming the ledger gateway.
	Pacing time.Duration
	// MaxAttempts caps transient retries per request before it is parked.
	MaxAttempts uint32
	// Backoff produces the persisted next_attempt_at schedule.
	Backoff retry.Config
}

// ConfigFromEnv reads the pipeline configuration from the environment.
func ConfigFromEnv() Config {
	maxAttempts := utils.EnvInt("SETTLE_MAX_ATTEMPTS", 10)
	return Config{
		ProcessingDelay: time.Duration(utils.EnvInt64("SETTLE_PROCESSING_DELAY_SECONDS", 86400)) * time.Second,
		Pacing:          time.Duration(utils.EnvInt64("SETTLE_PACING_MS", 1000)) * time.Millisecond,
		MaxAttempts:     uint32(maxAttempts),
		Backoff:         retry.SettlementConfig(maxAttempts),
	}
}

// Events is the best-effort notification sink. Satisfied by the redis client.
type Events interface {
	Publish(ctx context.Context, channel string, message interface{})
}

// Pipeline wires the eligibility selector, settlement executor and pool
// resynchronizer. All collaborators are injected so tests can substitute
// fakes; the pipeline holds no cross-tick state beyond what a run needs.
type Pipeline struct {
	logger *zap.Logger
	store  queue.Store
	ledger ledger.Client
	events Events
	cfg    Config

	// eventPool fans notifications out asynchronously so publishing never
	// delays settlement pacing.
	eventPool pond.Pool

	now func() time.Time
}

// New creates a Pipeline. events may be nil to disable notifications.
func New(logger *zap.Logger, store queue.Store, lc ledger.Client, events Events, cfg Config) *Pipeline {
	p := &Pipeline{
		logger: logger,
		store:  store,
		ledger: lc,
		events: events,
		cfg:    cfg,
		now:    time.Now,
	}
	if events != nil {
		p.eventPool = pond.NewPool(2, pond.WithQueueSize(256), pond.WithNonBlocking(true))
	}
	return p
}

// Tick is the scheduler entry point: one full selection + settlement +
// resync pass over the queue.
func (p *Pipeline) Tick(ctx context.Context) error {
	now := p.now().UTC()

	batch, err := p.selectEligible(ctx, now)
	if err != nil {
		// Nothing was mutated; the whole tick aborts and retries on the next
		// interval.
		metrics.Batches.WithLabelValues("selector_error").Inc()
		return fmt.Errorf("select eligible withdrawals: %w", err)
	}

	metrics.EligibleQueue.Set(float64(len(batch)))
	if len(batch) == 0 {
		metrics.Batches.WithLabelValues("ok").Inc()
		p.logger.Debug("No eligible withdrawals this tick")
		return nil
	}

	p.logger.Info("Settling withdrawal batch",
		zap.Int("eligible", len(batch)),
		zap.Uint64("first", batch[0].RequestID),
		zap.Uint64("last", batch[len(batch)-1].RequestID))

	successes := 0
	for i, req := range batch {
		if ctx.Err() != nil {
			p.logger.Warn("Tick cancelled mid-batch",
				zap.Int("processed", i), zap.Int("eligible", len(batch)))
			break
		}

		outcome := p.settle(ctx, req)
		metrics.Settlements.WithLabelValues(outcome.String()).Inc()
		if outcome == ledger.OutcomeOK {
			successes++
		}

		if i < len(batch)-1 {
			p.pace(ctx)
		}
	}

	if successes > 0 {
		p.resync(ctx)
	}

	metrics.Batches.WithLabelValues("ok").Inc()
	p.logger.Info("Settlement batch finished",
		zap.Int("eligible", len(batch)),
		zap.Int("submitted", successes))
	return nil
}

// pace waits the configured inter-item interval, cutting short on shutdown.
func (p *Pipeline) pace(ctx context.Context) {
	if p.cfg.Pacing <= 0 {
		return
	}
	t := time.NewTimer(p.cfg.Pacing)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// publish fans an event out through the pool, best-effort.
func (p *Pipeline) publish(ctx context.Context, channel string, payload any) {
	if p.events == nil {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("Failed to encode event", zap.String("channel", channel), zap.Error(err))
		return
	}
	p.eventPool.Submit(func() {
		p.events.Publish(ctx, channel, string(b))
	})
}

// Close drains the event pool.
func (p *Pipeline) Close() {
	if p.eventPool != nil {
		p.eventPool.StopAndWait()
	}
}
