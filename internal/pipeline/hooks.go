package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/helixir/paper-pipeline-service/internal/dispatch"
	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/resilience"
)

// chainHooks moves the paper through the lifecycle as its chain runs.
type chainHooks struct {
	o *Orchestrator
}

var _ dispatch.ChainHooks = (*chainHooks)(nil)

func (h *chainHooks) StageStarting(ctx context.Context, paperID, stage string) error {
	status, ok := dispatch.StageStatus(stage)
	if !ok {
		return nil
	}

	unlock := h.o.locks.Lock(paperID)
	defer unlock()

	paper, err := h.o.store.Load(ctx, paperID)
	if err != nil {
		return err
	}
	if paper.Status == status {
		return nil
	}
	_, err = h.o.transitionLocked(ctx, paperID, status, fmt.Sprintf("stage %s started", stage),
		map[string]interface{}{"stage": stage})
	return err
}

func (h *chainHooks) StageCompleted(_ context.Context, paperID, stage string, _ map[string]interface{}) {
	status, _ := dispatch.StageStatus(stage)
	h.o.bus.BroadcastToPaper(paperID, domain.NewPaperStatusEvent(paperID, status,
		fmt.Sprintf("stage %s completed", stage), statusProgress[status],
		map[string]interface{}{"stage": stage}))
}

// settle releases the paper's chain and moves the paper to its terminal
// status in one critical section, so whoever wakes on the chain's Done sees
// neither a running chain nor a stale status.
func (h *chainHooks) settle(ctx context.Context, paperID string, status domain.PaperStatus, reason string, details map[string]interface{}) error {
	unlock := h.o.locks.Lock(paperID)
	defer unlock()

	h.o.untrackChain(paperID)
	_, err := h.o.transitionLocked(ctx, paperID, status, reason, details)
	return err
}

func (h *chainHooks) ChainCompleted(ctx context.Context, paperID string) {
	if err := h.settle(ctx, paperID, domain.PaperStatusAnalyzed, "processing completed", nil); err != nil {
		h.o.logger.Error().Err(err).Str("paper_id", paperID).Msg("failed to mark paper analyzed")
	}
}

func (h *chainHooks) ChainFailed(ctx context.Context, paperID, stage string, err error) {
	category := h.o.dispatcher.RetryPolicy().CategoryFor(err)
	details := map[string]interface{}{
		"stage":    stage,
		"category": category.String(),
		"error":    err.Error(),
	}

	var transitionErr *domain.StateTransitionError
	if terr := h.settle(ctx, paperID, domain.PaperStatusFailed,
		fmt.Sprintf("stage %s failed: %v", stage, err), details); terr != nil && !errors.As(terr, &transitionErr) {
		h.o.logger.Error().Err(terr).Str("paper_id", paperID).Msg("failed to mark paper failed")
	}

	h.o.bus.BroadcastToPaper(paperID, domain.NewErrorEvent(
		fmt.Sprintf("processing failed at stage %s", stage), errorType(err, category), details,
	).ForPaper(paperID))
}

func (h *chainHooks) ChainCanceled(ctx context.Context, paperID, nextStage string) {
	if err := h.settle(ctx, paperID, domain.PaperStatusFailed, "processing canceled",
		map[string]interface{}{"next_stage": nextStage}); err != nil {
		h.o.logger.Error().Err(err).Str("paper_id", paperID).Msg("failed to mark canceled paper failed")
	}
}

func errorType(err error, category resilience.ErrorCategory) string {
	var transitionErr *domain.StateTransitionError
	if errors.As(err, &transitionErr) {
		return "state_transition"
	}
	return category.String()
}
