package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/robfig/cron/v3"

	"ensemble/internal/domain"
	"ensemble/internal/infra/config"
	"ensemble/internal/usecase/eventbus"
)

// providerPricing is the per-million-token USD price pair for one provider.
type providerPricing struct {
	inPerMTok  float64
	outPerMTok float64
}

// CostTracker records token usage and dollar cost per completion call.
// Recording never blocks the turn: records land in a bounded buffer that a
// background goroutine flushes to the ledger. A failing ledger degrades to
// re-buffering, it never fails a turn.
type CostTracker struct {
	ledger  domain.CostLedger
	pricing map[string]providerPricing
	encoder *tiktoken.Tiktoken // nil when the encoding failed to load
	bus     domain.EventBus
	logger  *slog.Logger

	mu      sync.Mutex
	pending []domain.CostRecord
	maxBuf  int

	flushEvery time.Duration
	cron       *cron.Cron
	stop       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
}

// NewCostTracker builds the tracker and starts its flush loop. The cron
// rollup job is started only when a schedule is configured.
func NewCostTracker(cfg config.CostConfig, providers []config.ProviderConfig, ledger domain.CostLedger, bus domain.EventBus, logger *slog.Logger) *CostTracker {
	pricing := make(map[string]providerPricing, len(providers))
	for _, p := range providers {
		pricing[p.Name] = providerPricing{
			inPerMTok:  p.PricePerMTokIn,
			outPerMTok: p.PricePerMTokOut,
		}
	}

	encoder, err := tiktoken.GetEncoding(cfg.Encoding)
	if err != nil {
		logger.Warn("token encoding unavailable, estimates disabled",
			"encoding", cfg.Encoding, "error", err)
		encoder = nil
	}

	t := &CostTracker{
		ledger:     ledger,
		pricing:    pricing,
		encoder:    encoder,
		bus:        bus,
		logger:     logger,
		maxBuf:     cfg.BufferSize,
		flushEvery: cfg.FlushInterval,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	go t.flushLoop()

	if cfg.RollupSchedule != "" {
		t.cron = cron.New()
		if _, err := t.cron.AddFunc(cfg.RollupSchedule, t.rollup); err != nil {
			logger.Warn("invalid rollup schedule, rollup disabled",
				"schedule", cfg.RollupSchedule, "error", err)
			t.cron = nil
		} else {
			t.cron.Start()
		}
	}
	return t
}

// Record buffers one cost record and returns it with estimated tokens and
// computed cost filled in. When usage reports zero tokens the counts are
// estimated from the request and response text. The call never blocks; a
// full buffer drops the record with a warning but still returns the
// finalized record so turn totals stay correct.
func (t *CostTracker) Record(ctx context.Context, rec domain.CostRecord, promptText, completionText string) domain.CostRecord {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.TokensIn == 0 && promptText != "" {
		rec.TokensIn = t.EstimateTokens(promptText)
	}
	if rec.TokensOut == 0 && completionText != "" {
		rec.TokensOut = t.EstimateTokens(completionText)
	}
	if rec.CostUSD == 0 {
		rec.CostUSD = t.price(rec.Provider, rec.TokensIn, rec.TokensOut)
	}

	t.mu.Lock()
	if len(t.pending) >= t.maxBuf {
		t.mu.Unlock()
		t.logger.Warn("cost buffer full, dropping record",
			"session_id", rec.SessionID, "provider", rec.Provider)
		return rec
	}
	t.pending = append(t.pending, rec)
	t.mu.Unlock()

	if t.bus != nil {
		t.bus.Publish(ctx, eventbus.NewEvent(domain.EventCostRecorded, rec.SessionID, rec))
	}
	return rec
}

// price computes USD cost from the provider's per-million-token rates.
func (t *CostTracker) price(provider string, tokensIn, tokensOut int) float64 {
	p, ok := t.pricing[provider]
	if !ok {
		return 0
	}
	return float64(tokensIn)*p.inPerMTok/1e6 + float64(tokensOut)*p.outPerMTok/1e6
}

// EstimateTokens counts tokens in text with the configured encoding,
// falling back to a bytes/4 heuristic when no encoder is available.
func (t *CostTracker) EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	if t.encoder != nil {
		return len(t.encoder.Encode(text, nil, nil))
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// Summarize flushes pending records and aggregates the ledger.
func (t *CostTracker) Summarize(ctx context.Context, filter domain.CostFilter) (domain.CostSummary, error) {
	if err := t.Flush(ctx); err != nil {
		return domain.CostSummary{}, err
	}
	return t.ledger.Query(ctx, filter)
}

// Flush writes all pending records to the ledger. On failure the batch is
// re-buffered and the error is reported as PersistenceDegraded.
func (t *CostTracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return nil
	}
	batch := t.pending
	t.pending = nil
	t.mu.Unlock()

	if err := t.ledger.Append(ctx, batch); err != nil {
		t.mu.Lock()
		// Re-buffer ahead of anything recorded during the failed append so
		// ledger order stays close to record order.
		t.pending = append(batch, t.pending...)
		if len(t.pending) > t.maxBuf {
			dropped := len(t.pending) - t.maxBuf
			t.pending = t.pending[:t.maxBuf]
			t.logger.Warn("cost buffer overflow after failed flush", "dropped", dropped)
		}
		t.mu.Unlock()
		t.logger.Warn("cost ledger flush failed, records re-buffered",
			"count", len(batch), "error", err)
		return domain.WrapOp("CostTracker.Flush", domain.ErrPersistenceDegraded)
	}
	return nil
}

func (t *CostTracker) flushLoop() {
	defer close(t.done)
	ticker := time.NewTicker(t.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Flush(context.Background())
		case <-t.stop:
			t.Flush(context.Background())
			return
		}
	}
}

// rollup logs the trailing 24h global spend. Runs on the cron schedule.
func (t *CostTracker) rollup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sum, err := t.Summarize(ctx, domain.CostFilter{
		Scope: domain.CostScopeGlobal,
		Since: time.Now().Add(-24 * time.Hour),
	})
	if err != nil {
		t.logger.Warn("cost rollup failed", "error", err)
		return
	}
	t.logger.Info("daily cost rollup",
		"records", sum.Records,
		"tokens_in", sum.TokensIn,
		"tokens_out", sum.TokensOut,
		"cost_usd", sum.CostUSD,
	)
}

// Close stops the flush loop and cron job, flushes once more, and closes
// the ledger.
func (t *CostTracker) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.cron != nil {
			t.cron.Stop()
		}
		close(t.stop)
		<-t.done
		err = t.ledger.Close()
	})
	return err
}
