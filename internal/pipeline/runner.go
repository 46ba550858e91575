package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dssdlab/harvester/internal/metrics"
	"github.com/dssdlab/harvester/internal/notify"
)

// Runner executes source pipelines and isolates their failures. A stage
// fault is counted, reported and returned to the immediate caller, but a
// scheduled run never lets it escalate past this boundary.
type Runner struct {
	logger   *zap.Logger
	notifier notify.Notifier

	mu       sync.Mutex
	runs     map[string]int
	failures map[string]int
}

// NewRunner builds a Runner.
func NewRunner(logger *zap.Logger, notifier notify.Notifier) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Runner{
		logger:   logger.Named("pipeline"),
		notifier: notifier,
		runs:     make(map[string]int),
		failures: make(map[string]int),
	}
}

// Run drives fetch, parse, transform and store for one source. Empty
// outcomes abort the run as a warning, not a fault.
func (r *Runner) Run(ctx context.Context, src Source) error {
	if !src.Enabled() {
		return nil
	}

	runID := uuid.NewString()[:8]
	logger := r.logger.With(zap.String("source", src.Name()), zap.String("run_id", runID))
	start := time.Now()
	done := metrics.RunStarted()
	defer done()
	defer func() {
		metrics.ObserveRunDuration(src.Name(), time.Since(start))
	}()

	logger.Debug("run started")

	raw, err := src.Fetch(ctx)
	if err != nil {
		return r.fail(ctx, logger, src, "fetch", err)
	}
	if raw == nil {
		logger.Warn("fetch returned no data, skipping run")
		r.finish(src.Name(), "empty")
		return nil
	}

	records, err := src.Parse(ctx, raw)
	if err != nil {
		return r.fail(ctx, logger, src, "parse", err)
	}
	if len(records) == 0 {
		logger.Warn("no records after parse, skipping run")
		r.finish(src.Name(), "empty")
		return nil
	}

	records, err = src.Transform(ctx, records)
	if err != nil {
		return r.fail(ctx, logger, src, "transform", err)
	}
	if len(records) == 0 {
		logger.Warn("no records after transform, skipping run")
		r.finish(src.Name(), "empty")
		return nil
	}

	if err := src.Store(ctx, records); err != nil {
		return r.fail(ctx, logger, src, "store", err)
	}

	logger.Info("run complete",
		zap.Int("records", len(records)),
		zap.Duration("duration", time.Since(start)),
	)
	r.finish(src.Name(), "ok")
	return nil
}

// RunScheduled is the cron entry point; it swallows the stage fault after
// Run has counted and reported it, so one source's failure never reaches
// the scheduler.
func (r *Runner) RunScheduled(ctx context.Context, src Source) {
	if err := r.Run(ctx, src); err != nil {
		r.logger.Debug("scheduled run failed", zap.String("source", src.Name()), zap.Error(err))
	}
}

// Counters returns run and failure totals for one source.
func (r *Runner) Counters(name string) (runs, failures int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[name], r.failures[name]
}

func (r *Runner) finish(name, status string) {
	metrics.IncRun(name, status)
	r.mu.Lock()
	r.runs[name]++
	r.mu.Unlock()
}

func (r *Runner) fail(ctx context.Context, logger *zap.Logger, src Source, stage string, err error) error {
	logger.Error("stage failed", zap.String("stage", stage), zap.Error(err))
	metrics.IncRun(src.Name(), "error")

	r.mu.Lock()
	r.runs[src.Name()]++
	r.failures[src.Name()]++
	r.mu.Unlock()

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	msg := fmt.Sprintf("⚠️ <b>%s</b> %s failed:\n<code>%v</code>", src.Name(), stage, err)
	if nerr := r.notifier.Notify(notifyCtx, msg); nerr != nil {
		logger.Warn("notification failed", zap.Error(nerr))
	}

	return fmt.Errorf("%s %s: %w", src.Name(), stage, err)
}
