package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/workflowcore/internal/graph"
	"github.com/zjrosen/workflowcore/internal/log"
	"github.com/zjrosen/workflowcore/internal/tracing"
	"github.com/zjrosen/workflowcore/internal/watchdog"
	"github.com/zjrosen/workflowcore/internal/workflow/domain"
)

// ActiveWorkflows implements watchdog.Lister: a snapshot of every workflow
// with a running supervisor, for the health watchdog's per-tick check.
func (o *Orchestrator) ActiveWorkflows() []watchdog.ActiveWorkflow {
	o.startMu.Lock()
	defer o.startMu.Unlock()
	out := make([]watchdog.ActiveWorkflow, 0, len(o.byWorkflow))
	for id, t := range o.byWorkflow {
		out = append(out, watchdog.ActiveWorkflow{WorkflowID: id, WorktreePath: t.worktreePath})
	}
	return out
}

// CancelWorkflow fails with NotFound (via repo.Get) or InvalidState if the
// workflow is already terminal, otherwise cancels its supervisor task (if
// one is active) and transitions to cancelled.
func (o *Orchestrator) CancelWorkflow(workflowID, reason string) error {
	ctx := context.Background()
	var wf *domain.Workflow
	if err := o.withRepoSpan(ctx, "Get", workflowID, func() (e error) { wf, e = o.repo.Get(workflowID); return }); err != nil {
		return err
	}
	if wf.Status().IsTerminal() {
		return &domain.InvalidStateError{WorkflowID: workflowID, Status: wf.Status(), Operation: "cancel_workflow"}
	}

	if task, ok := o.lookupTask(workflowID); ok {
		task.cancel()
	}

	message := reason
	if message == "" {
		message = "cancelled"
	}
	o.emit(workflowID, domain.EventWorkflowCancelled, message, "system", nil, nil)
	return o.withRepoSpanAttrs(ctx, "SetStatus", workflowID, []attribute.KeyValue{
		attribute.String(tracing.AttrStatusFrom, wf.Status().String()),
		attribute.String(tracing.AttrStatusTo, domain.StatusCancelled.String()),
	}, func() error {
		return o.repo.SetStatus(workflowID, domain.StatusCancelled, nil)
	})
}

// CancelAll cancels every active supervisor and awaits their exit up to
// timeout, then flushes the event bus. Used during graceful shutdown.
func (o *Orchestrator) CancelAll(timeout time.Duration) {
	o.startMu.Lock()
	tasks := make([]*activeTask, 0, len(o.byWorkflow))
	for _, t := range o.byWorkflow {
		tasks = append(tasks, t)
	}
	o.startMu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		log.Warn(log.CatOrch, "cancel_all: timed out waiting for supervisors to exit", "timeout", timeout.String())
	}

	if flusher, ok := o.bus.(interface{ Cleanup() }); ok {
		flusher.Cleanup()
	}
}

// RecoverInterruptedWorkflows runs once on startup before accepting new
// admissions: every in_progress workflow is presumed lost (no leader
// election, no distributed locking — this is best-effort) and moved to
// failed; every blocked workflow is left alone but re-announced so
// reconnecting clients see the pending gate.
func (o *Orchestrator) RecoverInterruptedWorkflows() error {
	inProgress, err := o.repo.FindByStatus(domain.StatusInProgress)
	if err != nil {
		return err
	}
	for _, wf := range inProgress {
		reason := "Server restarted while workflow was running"
		o.emit(wf.ID(), domain.EventWorkflowFailed, reason, "system", map[string]any{"recoverable": true}, nil)
		if err := o.repo.SetStatus(wf.ID(), domain.StatusFailed, &reason); err != nil {
			log.ErrorErr(log.CatOrch, "recover_interrupted_workflows: set_status failed", err, "workflow_id", wf.ID())
		}
	}

	blocked, err := o.repo.FindByStatus(domain.StatusBlocked)
	if err != nil {
		return err
	}
	for _, wf := range blocked {
		o.emit(wf.ID(), domain.EventApprovalRequired, "awaiting approval (re-announced after restart)", "system", nil, nil)
	}
	return nil
}

// ResumeWorkflow is an explicit operator action restarting a failed
// workflow from its last checkpoint. Allowed only from failed;
// re-validates that a checkpoint exists, that the worktree isn't held by
// another active supervisor, and the concurrency ceiling, then forces
// status back to in_progress (the one sanctioned exit from a terminal
// status — see domain.Workflow.ForceStatus) and re-enters the supervisor
// loop.
func (o *Orchestrator) ResumeWorkflow(workflowID string) error {
	o.startMu.Lock()

	wf, err := o.repo.Get(workflowID)
	if err != nil {
		o.startMu.Unlock()
		return err
	}
	if wf.Status() != domain.StatusFailed {
		o.startMu.Unlock()
		return &domain.InvalidStateError{WorkflowID: workflowID, Status: wf.Status(), Operation: "resume_workflow"}
	}
	if _, exists := o.byWorktree[wf.WorktreePath()]; exists {
		o.startMu.Unlock()
		return &domain.WorktreeConflictError{WorktreePath: wf.WorktreePath()}
	}
	if o.maxConcurrent > 0 && len(o.byWorktree) >= o.maxConcurrent {
		o.startMu.Unlock()
		return &domain.ConcurrencyLimitError{MaxConcurrent: o.maxConcurrent}
	}

	profile, err := o.profiles.Resolve(wf.ProfileID())
	if err != nil {
		o.startMu.Unlock()
		return err
	}

	cfg := graph.RunConfig{ThreadID: wf.ID()}
	snapshot, err := o.executor.GetState(context.Background(), cfg)
	if err != nil {
		o.startMu.Unlock()
		return err
	}
	if len(snapshot.Values) == 0 {
		o.startMu.Unlock()
		return &domain.NotFoundError{Kind: "checkpoint", ID: wf.ID()}
	}

	wf.ClearForResume()
	wf.ForceStatus(domain.StatusInProgress)
	if err := o.repo.Update(wf); err != nil {
		o.startMu.Unlock()
		return err
	}

	task := o.registerTask(wf.WorktreePath(), wf.ID())
	o.startMu.Unlock()

	taskCtx, cancel := context.WithCancel(context.Background())
	task.cancel = cancel
	o.spawnSupervisor(taskCtx, task, profile, o.resumeSupervisor)

	return nil
}
