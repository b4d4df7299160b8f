package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"battledecks/internal/util"
	"battledecks/pkg/domain"
	"battledecks/pkg/store"

	"golang.org/x/sync/errgroup"
)

// DefaultStepTimeout bounds one select-and-process step.
const DefaultStepTimeout = 5 * time.Minute

type phase int

const (
	phaseSelecting phase = iota
	phaseProcessing
	phaseChecking
	phaseDone
)

func (p phase) String() string {
	switch p {
	case phaseSelecting:
		return "selecting"
	case phaseProcessing:
		return "processing"
	case phaseChecking:
		return "checking"
	default:
		return "done"
	}
}

// Config tunes the orchestrator.
type Config struct {
	BatchSize   int
	StepTimeout time.Duration
}

// Orchestrator drives one deck from pending to completed, one batch per step.
// Progress is checkpointed on the run record after every step, so calling Run
// again for the same run resumes from the first unexecuted step.
type Orchestrator struct {
	store       store.Store
	selector    *Selector
	deps        Deps
	stepTimeout time.Duration
}

// NewOrchestrator wires an orchestrator over the given record store and processor deps.
// deps.Store is set to st.
func NewOrchestrator(st store.Store, deps Deps, cfg Config) *Orchestrator {
	timeout := cfg.StepTimeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	deps.Store = st
	return &Orchestrator{
		store:       st,
		selector:    NewSelector(st, cfg.BatchSize),
		deps:        deps,
		stepTimeout: timeout,
	}
}

// BatchSize is the per-step slide bound.
func (o *Orchestrator) BatchSize() int {
	return o.selector.Size()
}

// MaxSteps is the step budget for a deck of total slides processed k at a time.
func MaxSteps(total, k int) int {
	if k <= 0 {
		k = DefaultBatchSize
	}
	if total < 0 {
		total = 0
	}
	return (total+k-1)/k + 2
}

// StepName labels the n-th checkpointed step.
func StepName(n int) string {
	return fmt.Sprintf("processSlide: %d", n)
}

// Run executes run until its deck has no pending slides.
//
// Terminal failures (see IsTerminal) mark the run errored before returning.
// Any other error leaves the run resumable; the caller decides whether to retry.
func (o *Orchestrator) Run(ctx context.Context, run domain.Run) (domain.RunOutput, error) {
	logger := util.LoggerFromContext(ctx).With("run_id", run.ID, "deck_id", run.DeckID, "deck_type", string(run.DeckType))
	if run.Status.Terminal() {
		return run.Output, nil
	}

	proc, err := NewProcessor(run.DeckType, o.deps)
	if err != nil {
		logger.Error("workflow_unknown_deck_type", "err", err)
		return run.Output, o.fail(ctx, run.ID, err)
	}

	if run.MaxSteps <= 0 {
		total, err := o.store.CountSlides(ctx, run.DeckID)
		if err != nil {
			return run.Output, fmt.Errorf("count slides: %w", err)
		}
		run.MaxSteps = MaxSteps(total, o.selector.Size())
	}
	if err := o.store.StartRun(ctx, run.ID, run.MaxSteps); err != nil {
		return run.Output, fmt.Errorf("start run: %w", err)
	}

	step := run.Step
	output := run.Output
	logger.Info("workflow_started", "step", step, "max_steps", run.MaxSteps)

	var batch []domain.Slide
	for ph := phaseSelecting; ph != phaseDone; {
		logger.Debug("workflow_phase", "phase", ph.String(), "step", step)
		switch ph {
		case phaseSelecting:
			batch, err = o.selectBatch(ctx, run.DeckID)
			if err != nil {
				return output, fmt.Errorf("%s: %w", StepName(step), err)
			}
			if len(batch) > 0 && step >= run.MaxSteps {
				logger.Error("workflow_step_limit", "step", step, "max_steps", run.MaxSteps, "pending", len(batch))
				return output, o.fail(ctx, run.ID, fmt.Errorf("%w: %d steps", ErrStepLimit, run.MaxSteps))
			}
			ph = phaseProcessing

		case phaseProcessing:
			if len(batch) == 0 {
				ph = phaseChecking
				continue
			}
			start := time.Now()
			outcomes, err := o.processBatch(ctx, proc, batch)
			if err != nil {
				logger.Warn("workflow_step_failed", "step", StepName(step), "batch", len(batch), "err", err)
				return output, fmt.Errorf("%s: %w", StepName(step), err)
			}
			step++
			output.Steps = step
			for _, out := range outcomes {
				switch out {
				case OutcomeCompleted:
					output.Completed++
				case OutcomeBlocked:
					output.Blocked++
				}
			}
			if err := o.store.AdvanceRun(ctx, run.ID, step, output); err != nil {
				return output, fmt.Errorf("checkpoint %s: %w", StepName(step-1), err)
			}
			logger.Info("workflow_step_done",
				"step", StepName(step-1),
				"batch", len(batch),
				"completed", output.Completed,
				"blocked", output.Blocked,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			ph = phaseChecking

		case phaseChecking:
			if len(batch) > 0 {
				ph = phaseSelecting
				continue
			}
			if err := o.finish(ctx, run.ID, run.DeckID, &output); err != nil {
				return output, err
			}
			logger.Info("workflow_complete", "steps", output.Steps, "completed", output.Completed, "blocked", output.Blocked)
			ph = phaseDone
		}
	}
	return output, nil
}

func (o *Orchestrator) selectBatch(ctx context.Context, deckID string) ([]domain.Slide, error) {
	ctx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()
	return o.selector.Next(ctx, deckID)
}

// processBatch fans the batch out, at most BatchSize at a time. The first
// failure cancels the remaining slides and fails the step.
func (o *Orchestrator) processBatch(ctx context.Context, proc Processor, batch []domain.Slide) ([]Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()

	outcomes := make([]Outcome, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.selector.Size())
	for i, slide := range batch {
		i, slide := i, slide
		g.Go(func() error {
			out, err := proc.Process(gctx, slide)
			if err != nil {
				return fmt.Errorf("slide %s: %w", slide.ID, err)
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// finish marks the deck completed, backfills its hero image and closes the run.
// Counters are recomputed from the slides so retried steps are not undercounted.
func (o *Orchestrator) finish(ctx context.Context, runID, deckID string, output *domain.RunOutput) error {
	changed, err := o.store.CompleteDeck(ctx, deckID)
	if err != nil {
		return fmt.Errorf("complete deck: %w", err)
	}
	if !changed {
		util.LoggerFromContext(ctx).Info("workflow_deck_already_final", "deck_id", deckID)
	}
	slides, err := o.store.ListSlides(ctx, deckID)
	if err != nil {
		return fmt.Errorf("list slides: %w", err)
	}
	output.Completed, output.Blocked = 0, 0
	for _, sl := range slides {
		switch sl.Status {
		case domain.SlideCompleted:
			output.Completed++
		case domain.SlideBlocked:
			output.Blocked++
		}
	}
	if err := o.store.FinishRun(ctx, runID, *output); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, runID string, cause error) error {
	if err := o.store.SetRunStatus(ctx, runID, domain.RunErrored, cause.Error()); err != nil {
		return errors.Join(cause, fmt.Errorf("mark run errored: %w", err))
	}
	return cause
}
