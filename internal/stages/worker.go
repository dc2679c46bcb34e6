package stages

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"horse.fit/canon/internal/metrics"
	"horse.fit/canon/internal/store"
)

// Processor is the business logic of one stage. Returning an error records
// a failed attempt; the document is retried until the stage maximum.
type Processor interface {
	Process(ctx context.Context, doc store.Document) (store.Outcome, error)
}

type ProcessorFunc func(ctx context.Context, doc store.Document) (store.Outcome, error)

func (f ProcessorFunc) Process(ctx context.Context, doc store.Document) (store.Outcome, error) {
	return f(ctx, doc)
}

// Worker repeatedly claims a batch for one stage and resolves every claimed
// document with Complete or Fail.
type Worker struct {
	Machine     *Machine
	Stage       string
	Processor   Processor
	Retry       RetryPolicy
	Limiter     *rate.Limiter
	Concurrency int
	BatchSize   int
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

type BatchReport struct {
	Claimed        int `json:"claimed"`
	Completed      int `json:"completed"`
	AlreadyHandled int `json:"already_handled"`
	Retryable      int `json:"retryable"`
	Discarded      int `json:"discarded"`
	NotFound       int `json:"not_found"`
}

func (r *BatchReport) addComplete(kind TransitionKind) {
	switch kind {
	case Applied:
		r.Completed++
	case AlreadyHandled:
		r.AlreadyHandled++
	case NotFound:
		r.NotFound++
	}
}

func (r *BatchReport) addFail(kind FailKind) {
	switch kind {
	case FailRetryable:
		r.Retryable++
	case FailDiscarded:
		r.Discarded++
	case FailAlreadyHandled:
		r.AlreadyHandled++
	case FailNotFound:
		r.NotFound++
	}
}

func (w *Worker) validate() error {
	if w == nil || w.Machine == nil {
		return errors.New("worker machine is required")
	}
	if w.Processor == nil {
		return errors.New("worker processor is required")
	}
	if _, err := w.Machine.Pipeline().Stage(w.Stage); err != nil {
		return err
	}
	return nil
}

// RunOnce claims one batch and processes it. Processor errors are recorded
// per document and never abort the batch.
func (w *Worker) RunOnce(ctx context.Context) (BatchReport, error) {
	if err := w.validate(); err != nil {
		return BatchReport{}, err
	}
	batchSize := w.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	claim, err := w.Machine.Claim(ctx, w.Stage, batchSize)
	if err != nil {
		return BatchReport{}, err
	}
	report := BatchReport{Claimed: claim.Claimed()}
	if claim.Claimed() == 0 {
		return report, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(concurrency)
	for _, doc := range claim.Documents {
		g.Go(func() error {
			completed, failed, err := w.processOne(ctx, doc)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if completed != "" {
				report.addComplete(completed)
			}
			if failed != "" {
				report.addFail(failed)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	w.Logger.Info().
		Str("stage", w.Stage).
		Int("claimed", report.Claimed).
		Int("completed", report.Completed).
		Int("retryable", report.Retryable).
		Int("discarded", report.Discarded).
		Int("already_handled", report.AlreadyHandled).
		Msg("stage batch finished")
	return report, nil
}

func (w *Worker) processOne(ctx context.Context, doc store.Document) (TransitionKind, FailKind, error) {
	if w.Limiter != nil {
		if err := w.Limiter.Wait(ctx); err != nil {
			return "", "", fmt.Errorf("rate limiter: %w", err)
		}
	}

	var outcome store.Outcome
	started := time.Now()
	procErr := w.Retry.Do(ctx, w.Logger, w.Stage+":"+doc.ID, func(ctx context.Context) error {
		out, err := w.Processor.Process(ctx, doc)
		if err != nil {
			return err
		}
		outcome = out
		return nil
	})
	w.Metrics.Processed(w.Stage, time.Since(started))

	if procErr != nil {
		// A cancelled run leaves the claim in place for a stale-claim sweep.
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		result, err := w.Machine.Fail(ctx, doc.ID, w.Stage, procErr)
		if err != nil {
			return "", "", err
		}
		return "", result.Kind, nil
	}

	result, err := w.Machine.Complete(ctx, doc.ID, w.Stage, outcome)
	if err != nil {
		return "", "", err
	}
	return result.Kind, "", nil
}

// Run processes batches until ctx is cancelled, sleeping interval whenever
// the stage has nothing claimable.
func (w *Worker) Run(ctx context.Context, interval time.Duration) error {
	if err := w.validate(); err != nil {
		return err
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	w.Logger.Info().Str("stage", w.Stage).Int("concurrency", w.Concurrency).Msg("stage worker started")

	for {
		report, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.Logger.Error().Err(err).Str("stage", w.Stage).Msg("stage batch failed")
		}
		if err == nil && report.Claimed > 0 {
			continue
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			w.Logger.Info().Str("stage", w.Stage).Msg("stage worker stopped")
			return nil
		case <-timer.C:
		}
	}
}
