// Package experiment runs named sets of variant branches concurrently under
// a shared token budget. Variants branch from a base node, execute on a
// bounded worker pool and aggregate per-node metrics into the run record.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/simloom/simloom/pkg/models"
	"github.com/simloom/simloom/pkg/registry"
	"github.com/simloom/simloom/pkg/store"
	"github.com/simloom/simloom/pkg/tree"
)

// maxWorkers bounds concurrent variant execution.
const maxWorkers = 8

// TaskQueue revokes externally queued tasks. Optional; best-effort.
type TaskQueue interface {
	Revoke(ctx context.Context, taskID string) error
}

// Options tune the runner.
type Options struct {
	// PerRunBudget is the token budget reserved per variant.
	PerRunBudget int64
	// UserID / ProviderID select the LLMUsage row charged for runs.
	UserID     string
	ProviderID string
	// EventTail is how many trailing events each variant summary keeps.
	EventTail int
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{PerRunBudget: 1024, EventTail: 50}
}

// Runner executes experiments against cached trees.
type Runner struct {
	registry *registry.Registry
	store    store.Store
	pool     *ants.Pool
	tasks    TaskQueue
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	done    sync.WaitGroup
}

// NewRunner builds a runner over the registry's store. tasks may be nil.
func NewRunner(reg *registry.Registry, tasks TaskQueue, opts Options) (*Runner, error) {
	if opts.PerRunBudget <= 0 {
		opts.PerRunBudget = DefaultOptions().PerRunBudget
	}
	if opts.EventTail <= 0 {
		opts.EventTail = DefaultOptions().EventTail
	}
	pool, err := ants.NewPool(maxWorkers)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Runner{
		registry: reg,
		store:    reg.Store(),
		pool:     pool,
		tasks:    tasks,
		opts:     opts,
		logger:   slog.Default().With("component", "experiment"),
		cancels:  map[string]context.CancelFunc{},
	}, nil
}

// Close waits for in-flight runs and releases the pool.
func (r *Runner) Close() {
	r.done.Wait()
	r.pool.Release()
}

// Start branches and executes all variants of an experiment. It returns the
// run id immediately; execution continues in the background. Progress is
// observable through tree subscribers, sync logs and the run record.
func (r *Runner) Start(ctx context.Context, simulationID, experimentID string, turns int) (string, error) {
	rec, err := r.registry.GetOrCreate(ctx, simulationID)
	if err != nil {
		return "", err
	}
	exp, err := r.store.Experiments().GetExperiment(ctx, experimentID)
	if err != nil {
		return "", err
	}
	if len(exp.Variants) == 0 {
		return "", fmt.Errorf("experiment %q has no variants", experimentID)
	}
	if _, ok := rec.Tree.Node(exp.BaseNode); !ok {
		return "", fmt.Errorf("experiment %q: base node %d: %w", experimentID, exp.BaseNode, tree.ErrNodeNotFound)
	}

	run := &models.Run{
		ID:           uuid.NewString(),
		ExperimentID: experimentID,
		Turns:        turns,
		Status:       models.RunQueued,
	}
	if err := r.store.Experiments().CreateRun(ctx, run); err != nil {
		return "", err
	}
	r.syncLog(ctx, run.ID, models.RunQueued, "run created")

	// Step 1: reserve the whole budget up front, all variants or nothing.
	needed := r.opts.PerRunBudget * int64(len(exp.Variants))
	quotaDenied := false
	reserved := int64(0)
	switch err := r.store.Usage().Reserve(ctx, r.opts.UserID, r.opts.ProviderID, needed); {
	case err == nil:
		reserved = needed
	case errors.Is(err, store.ErrQuotaExceeded):
		quotaDenied = true
		r.logger.Warn("token reservation denied, running without LLM",
			"run", run.ID, "needed", needed)
		r.syncLog(ctx, run.ID, models.RunQueued, "quota denied, LLM disabled")
	case errors.Is(err, store.ErrNotFound):
		// No usage row means no quota is configured for this pair.
	default:
		return "", fmt.Errorf("reserve tokens: %w", err)
	}

	// Step 2: branch every variant off the base node.
	nodeIDs := make([]int, 0, len(exp.Variants))
	for _, variant := range exp.Variants {
		nodeID, err := rec.Tree.Branch(exp.BaseNode, variant.Ops)
		if err != nil {
			r.releaseReservation(ctx, reserved)
			r.failRun(ctx, run.ID, fmt.Errorf("branch variant %q: %w", variant.ID, err))
			return "", err
		}
		if quotaDenied {
			if node, ok := rec.Tree.Node(nodeID); ok {
				node.Sim.SetClients(nil)
			}
		}
		if err := r.store.Experiments().SetVariantNode(ctx, experimentID, variant.ID, nodeID); err != nil {
			r.logger.Warn("recording variant node failed", "variant", variant.ID, "error", err)
		}
		nodeIDs = append(nodeIDs, nodeID)
	}

	if err := r.store.Experiments().UpdateRunStatus(ctx, run.ID, models.RunRunning); err != nil {
		r.logger.Warn("marking run running failed", "run", run.ID, "error", err)
	}
	r.syncLog(ctx, run.ID, models.RunRunning, "variants branched")

	meta := map[string]any{"experiment": experimentID, "variants": len(exp.Variants)}
	if quotaDenied {
		meta["quota"] = "denied"
	}
	rec.Publish(models.StreamEvent{
		Type: models.TypeExperimentRunStart,
		Data: map[string]any{"run": run.ID, "experiment": experimentID, "nodes": nodeIDs},
	})

	runCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancels[run.ID] = cancel
	r.mu.Unlock()

	r.done.Add(1)
	go r.execute(runCtx, rec, exp, run.ID, turns, nodeIDs, reserved, meta)
	return run.ID, nil
}

// execute runs all variants on the worker pool and settles the run.
func (r *Runner) execute(ctx context.Context, rec *registry.TreeRecord, exp *models.Experiment,
	runID string, turns int, nodeIDs []int, reserved int64, meta map[string]any) {
	defer r.done.Done()
	defer func() {
		r.mu.Lock()
		delete(r.cancels, runID)
		r.mu.Unlock()
	}()

	var wg sync.WaitGroup
	errs := make([]error, len(nodeIDs))
	for i, nodeID := range nodeIDs {
		i, nodeID := i, nodeID
		wg.Add(1)
		submit := func() {
			defer wg.Done()
			errs[i] = rec.Tree.Run(ctx, nodeID, turns)
		}
		if err := r.pool.Submit(submit); err != nil {
			// Pool released during shutdown; run inline so the run settles.
			submit()
		}
	}
	wg.Wait()

	settleCtx := context.Background()
	cancelled := false
	var firstErr error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) {
			cancelled = true
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	meta["results"] = r.aggregate(rec, exp, nodeIDs)

	switch {
	case firstErr != nil:
		r.releaseReservation(settleCtx, reserved)
		meta["error"] = firstErr.Error()
		if err := r.store.Experiments().SetRunResult(settleCtx, runID, meta); err != nil {
			r.logger.Warn("persisting run result failed", "run", runID, "error", err)
		}
		r.failRun(settleCtx, runID, firstErr)
	case cancelled:
		r.releaseReservation(settleCtx, reserved)
		if err := r.store.Experiments().SetRunResult(settleCtx, runID, meta); err != nil {
			r.logger.Warn("persisting run result failed", "run", runID, "error", err)
		}
		if err := r.store.Experiments().UpdateRunStatus(settleCtx, runID, models.RunCancelled); err != nil {
			r.logger.Warn("marking run cancelled failed", "run", runID, "error", err)
		}
		r.syncLog(settleCtx, runID, models.RunCancelled, "run cancelled")
	default:
		r.commitReservation(settleCtx, reserved)
		if err := r.store.Experiments().SetRunResult(settleCtx, runID, meta); err != nil {
			r.logger.Warn("persisting run result failed", "run", runID, "error", err)
		}
		if err := r.store.Experiments().UpdateRunStatus(settleCtx, runID, models.RunFinished); err != nil {
			r.logger.Warn("marking run finished failed", "run", runID, "error", err)
		}
		r.syncLog(settleCtx, runID, models.RunFinished, "all variants finished")
	}

	rec.Publish(models.StreamEvent{
		Type: models.TypeExperimentRunFinish,
		Data: map[string]any{"run": runID, "experiment": exp.ID, "nodes": nodeIDs},
	})
}

// Cancel stops a run: external task revocation first (best-effort), then
// the in-process context. In-flight variants stop at their next quiescence
// point.
func (r *Runner) Cancel(ctx context.Context, runID string) error {
	run, err := r.store.Experiments().GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.TaskID != "" && r.tasks != nil {
		if err := r.tasks.Revoke(ctx, run.TaskID); err != nil {
			r.logger.Warn("task revoke failed", "run", runID, "task", run.TaskID, "error", err)
		}
	}
	r.mu.Lock()
	cancel, ok := r.cancels[runID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	if err := r.store.Experiments().UpdateRunStatus(ctx, runID, models.RunCancelled); err != nil {
		return err
	}
	r.syncLog(ctx, runID, models.RunCancelled, "cancellation requested")
	return nil
}

// aggregate summarizes each variant node: turn count, agent properties, an
// event tail, a vote distribution from action_end events and per-agent
// emotion series.
func (r *Runner) aggregate(rec *registry.TreeRecord, exp *models.Experiment, nodeIDs []int) []map[string]any {
	out := make([]map[string]any, 0, len(nodeIDs))
	for i, nodeID := range nodeIDs {
		node, ok := rec.Tree.Node(nodeID)
		if !ok {
			// Deleted mid-run.
			out = append(out, map[string]any{"node": nodeID, "deleted": true})
			continue
		}
		summary := map[string]any{
			"node":  nodeID,
			"turns": node.Sim.Turns(),
		}
		if i < len(exp.Variants) {
			summary["variant"] = exp.Variants[i].ID
		}

		props := map[string]any{}
		emotions := map[string][]string{}
		for _, a := range node.Sim.Agents() {
			props[a.Name()] = a.Properties()
		}
		summary["agents"] = props

		votes := map[string]int{}
		logs := rec.Tree.NodeLogs(nodeID)
		for _, ev := range logs {
			switch ev.Type {
			case models.TypeActionEnd:
				if name, _ := ev.Data["action"].(string); name == "vote" {
					if params, ok := ev.Data["params"].(map[string]string); ok {
						votes[params["target"]]++
					} else if params, ok := ev.Data["params"].(map[string]any); ok {
						if target, ok := params["target"].(string); ok {
							votes[target]++
						}
					}
				}
			case models.TypeEmotionUpdate:
				name, _ := ev.Data["agent"].(string)
				emotion, _ := ev.Data["emotion"].(string)
				if name != "" && emotion != "" {
					emotions[name] = append(emotions[name], emotion)
				}
			}
		}
		if len(votes) > 0 {
			summary["votes"] = votes
		}
		if len(emotions) > 0 {
			summary["emotions"] = emotions
		}
		if tail := r.opts.EventTail; len(logs) > tail {
			logs = logs[len(logs)-tail:]
		}
		summary["events"] = append([]models.StreamEvent(nil), logs...)
		out = append(out, summary)
	}
	return out
}

func (r *Runner) commitReservation(ctx context.Context, reserved int64) {
	if reserved == 0 {
		return
	}
	if err := r.store.Usage().Commit(ctx, r.opts.UserID, r.opts.ProviderID, reserved); err != nil {
		r.logger.Error("committing token reservation failed", "tokens", reserved, "error", err)
	}
}

func (r *Runner) releaseReservation(ctx context.Context, reserved int64) {
	if reserved == 0 {
		return
	}
	if err := r.store.Usage().Release(ctx, r.opts.UserID, r.opts.ProviderID, reserved); err != nil {
		r.logger.Error("releasing token reservation failed", "tokens", reserved, "error", err)
	}
}

func (r *Runner) failRun(ctx context.Context, runID string, cause error) {
	if err := r.store.Experiments().UpdateRunStatus(ctx, runID, models.RunError); err != nil {
		r.logger.Warn("marking run errored failed", "run", runID, "error", err)
	}
	r.syncLog(ctx, runID, models.RunError, cause.Error())
}

func (r *Runner) syncLog(ctx context.Context, runID string, status models.RunStatus, detail string) {
	if err := r.store.SyncLogs().Append(ctx, runID, status, detail); err != nil {
		r.logger.Warn("sync log append failed", "run", runID, "error", err)
	}
}
