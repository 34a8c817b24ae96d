package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrChainCanceled is the result of a chain canceled between stages.
var ErrChainCanceled = errors.New("processing chain canceled")

// ChainHooks observes a processing chain. StageStarting runs before a stage
// is submitted; returning an error halts the chain as a failure of that
// stage.
type ChainHooks interface {
	StageStarting(ctx context.Context, paperID, stage string) error
	StageCompleted(ctx context.Context, paperID, stage string, result map[string]interface{})
	ChainCompleted(ctx context.Context, paperID string)
	ChainFailed(ctx context.Context, paperID, stage string, err error)
	ChainCanceled(ctx context.Context, paperID, nextStage string)
}

// NopHooks implements ChainHooks with no-ops. Embed it to override a subset.
type NopHooks struct{}

func (NopHooks) StageStarting(context.Context, string, string) error { return nil }

func (NopHooks) StageCompleted(context.Context, string, string, map[string]interface{}) {}

func (NopHooks) ChainCompleted(context.Context, string) {}

func (NopHooks) ChainFailed(context.Context, string, string, error) {}

func (NopHooks) ChainCanceled(context.Context, string, string) {}

// ChainHandle tracks a running processing chain.
type ChainHandle struct {
	paperID  string
	canceled chan struct{}
	once     sync.Once
	done     chan struct{}

	mu      sync.Mutex
	stage   string
	handles []Handle
	err     error
}

// PaperID returns the paper the chain processes.
func (c *ChainHandle) PaperID() string { return c.paperID }

// Cancel stops the chain before its next stage. A stage already running is
// not interrupted.
func (c *ChainHandle) Cancel() {
	c.once.Do(func() { close(c.canceled) })
}

// Stage returns the stage currently running or last run.
func (c *ChainHandle) Stage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage
}

// Handles returns the task handles submitted so far, in stage order.
func (c *ChainHandle) Handles() []Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Handle, len(c.handles))
	copy(out, c.handles)
	return out
}

// Done is closed when the chain has finished.
func (c *ChainHandle) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the chain finishes and returns nil on success,
// ErrChainCanceled on cancellation or the failing stage's error.
func (c *ChainHandle) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ChainHandle) isCanceled() bool {
	select {
	case <-c.canceled:
		return true
	default:
		return false
	}
}

// CreateProcessingChain runs the chain stages for a paper in order in the
// background. Each stage starts only after the previous one succeeded and
// receives the previous stage's result under the "previous" argument. The
// chain keeps running when ctx is canceled; use ChainHandle.Cancel.
func (d *Dispatcher) CreateProcessingChain(ctx context.Context, paperID string, args map[string]interface{}, hooks ChainHooks) (*ChainHandle, error) {
	return d.createChain(ctx, paperID, ChainStages, args, hooks)
}

func (d *Dispatcher) createChain(ctx context.Context, paperID string, stages []string, args map[string]interface{}, hooks ChainHooks) (*ChainHandle, error) {
	if paperID == "" {
		return nil, fmt.Errorf("create processing chain: empty paper id")
	}
	if hooks == nil {
		hooks = NopHooks{}
	}

	c := &ChainHandle{
		paperID:  paperID,
		canceled: make(chan struct{}),
		done:     make(chan struct{}),
	}
	runCtx := context.WithoutCancel(ctx)
	d.metrics.RecordChainStarted()

	go func() {
		defer close(c.done)
		c.finish(d.runChain(runCtx, c, stages, args, hooks))
	}()
	return c, nil
}

func (d *Dispatcher) runChain(ctx context.Context, c *ChainHandle, stages []string, args map[string]interface{}, hooks ChainHooks) error {
	logger := d.logger.With().Str("paper_id", c.paperID).Logger()
	var previous map[string]interface{}

	for _, stage := range stages {
		if c.isCanceled() {
			logger.Info().Str("next_stage", stage).Msg("processing chain canceled")
			d.metrics.RecordChainCanceled()
			hooks.ChainCanceled(ctx, c.paperID, stage)
			return ErrChainCanceled
		}

		c.mu.Lock()
		c.stage = stage
		c.mu.Unlock()

		if err := hooks.StageStarting(ctx, c.paperID, stage); err != nil {
			return d.failChain(ctx, c, stage, err, hooks)
		}

		h, err := d.CreateTask(ctx, stage, c.paperID, stageArgs(args, previous))
		if err != nil {
			return d.failChain(ctx, c, stage, err, hooks)
		}
		c.mu.Lock()
		c.handles = append(c.handles, h)
		c.mu.Unlock()

		result, err := h.Wait(ctx)
		if err != nil {
			return d.failChain(ctx, c, stage, err, hooks)
		}
		hooks.StageCompleted(ctx, c.paperID, stage, result)
		previous = result
	}

	d.metrics.RecordChainCompleted()
	hooks.ChainCompleted(ctx, c.paperID)
	return nil
}

func (d *Dispatcher) failChain(ctx context.Context, c *ChainHandle, stage string, err error, hooks ChainHooks) error {
	d.logger.Error().Err(err).Str("paper_id", c.paperID).Str("stage", stage).Msg("processing chain failed")
	d.metrics.RecordChainFailed()
	hooks.ChainFailed(ctx, c.paperID, stage, err)
	return err
}

func (c *ChainHandle) finish(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func stageArgs(args, previous map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	if previous != nil {
		out["previous"] = previous
	}
	return out
}
