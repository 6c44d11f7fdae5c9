package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/workflowcore/internal/graph"
	"github.com/zjrosen/workflowcore/internal/log"
	"github.com/zjrosen/workflowcore/internal/tracing"
	"github.com/zjrosen/workflowcore/internal/workflow/domain"
)

// runResult distinguishes a clean stream exit from an interrupt, so
// driveGraph can tell its caller whether to await a resume or return.
type runResult int

const (
	runCompleted runResult = iota
	runBlocked
)

// runSupervisor is the first entry into the per-workflow supervisor:
// pending → in_progress, WORKFLOW_STARTED, then drive the graph from the
// workflow's initial state.
func (o *Orchestrator) runSupervisor(ctx context.Context, task *activeTask, profile domain.Profile) {
	var wf *domain.Workflow
	var err error
	if err = o.withRepoSpan(ctx, "Get", task.workflowID, func() (e error) { wf, e = o.repo.Get(task.workflowID); return }); err != nil {
		log.ErrorErr(log.CatOrch, "supervisor: load workflow failed", err, "workflow_id", task.workflowID)
		return
	}
	if err := o.withRepoSpanAttrs(ctx, "SetStatus", task.workflowID, []attribute.KeyValue{
		attribute.String(tracing.AttrStatusFrom, domain.StatusPending.String()),
		attribute.String(tracing.AttrStatusTo, domain.StatusInProgress.String()),
	}, func() error {
		return o.repo.SetStatus(task.workflowID, domain.StatusInProgress, nil)
	}); err != nil {
		log.ErrorErr(log.CatOrch, "supervisor: pending->in_progress failed", err, "workflow_id", task.workflowID)
		return
	}
	o.emit(task.workflowID, domain.EventWorkflowStarted, "workflow started", "system", nil, nil)

	o.runDriveLoop(ctx, task, profile, o.buildInitialState(wf))
}

// resumeSupervisor re-enters the supervisor loop from the saved
// checkpoint. The workflow is already in_progress (forced there by
// ResumeWorkflow) so, unlike runSupervisor, it does not re-emit
// WORKFLOW_STARTED or pass a fresh initial state.
func (o *Orchestrator) resumeSupervisor(ctx context.Context, task *activeTask, profile domain.Profile) {
	o.runDriveLoop(ctx, task, profile, nil)
}

// runDriveLoop alternates between driving the graph to completion/block and,
// when blocked, waiting for an approve/reject/resolve call (or
// cancellation) before driving again. Exactly one of driveGraph's
// invocations per workflow ever reaches a terminal emit, since each
// iteration either returns (done) or is resumed by the next resumeCh
// message — there is no path that emits WORKFLOW_COMPLETED twice.
func (o *Orchestrator) runDriveLoop(ctx context.Context, task *activeTask, profile domain.Profile, initialState graph.State) {
	for {
		blocked, err := o.driveGraph(ctx, task, profile, initialState)
		if err != nil || !blocked {
			return
		}

		select {
		case <-ctx.Done():
			return
		case req := <-task.resumeCh:
			next, stop := o.applyResume(ctx, task, req)
			if stop {
				return
			}
			initialState = next
		}
	}
}

// driveGraph runs attempts against the graph executor, retrying transient
// failures with exponential backoff. It returns blocked=true when the
// attempt ended on an interrupt (the caller should await a resume);
// blocked=false with a nil error means the workflow completed. A
// permanent failure returns blocked=false with the attempt's error, after
// the failed status has been persisted and emitted; a cancelled context
// returns its error without a status write.
func (o *Orchestrator) driveGraph(ctx context.Context, task *activeTask, profile domain.Profile, initialState graph.State) (bool, error) {
	workflowID := task.workflowID
	cfg := graph.RunConfig{ThreadID: workflowID}
	attempt := 0
	for {
		attempt++
		iterCtx, iterSpan := o.startSpan(ctx, tracing.SpanPrefixOrchestrator, tracing.SpanKindSupervisor, workflowID,
			attribute.Int(tracing.AttrRetryAttempt, attempt))
		result, err := o.runOnce(iterCtx, task, cfg, initialState)
		if err == nil {
			endSpan(iterSpan, nil)
			if attempt > 1 {
				o.resetConsecutiveErrors(workflowID)
			}
			return result == runBlocked, nil
		}
		if ctx.Err() != nil {
			endSpan(iterSpan, err)
			return false, ctx.Err()
		}
		if !o.classifier.IsTransient(err) || attempt > profile.RetryPolicy.MaxRetries {
			endSpan(iterSpan, err)
			o.failWorkflow(ctx, workflowID, err, attempt)
			return false, err
		}

		delay := profile.RetryPolicy.Delay(attempt)
		iterSpan.AddEvent(tracing.EventRetryScheduled, trace.WithAttributes(
			attribute.Int64(tracing.AttrRetryDelayMs, delay.Milliseconds())))
		endSpan(iterSpan, err)

		o.recordTransientError(ctx, workflowID, err)
		o.emit(workflowID, domain.EventSystemWarning,
			fmt.Sprintf("transient error, retrying in %s (attempt %d)", delay, attempt),
			"system",
			map[string]any{"attempt": attempt, "delay_ms": delay.Milliseconds(), "error": err.Error()},
			nil)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
		initialState = nil // resume from checkpoint, don't replay from scratch
	}
}

func (o *Orchestrator) recordTransientError(ctx context.Context, workflowID string, cause error) {
	var wf *domain.Workflow
	if err := o.withRepoSpan(ctx, "Get", workflowID, func() (e error) { wf, e = o.repo.Get(workflowID); return }); err != nil {
		log.ErrorErr(log.CatOrch, "recordTransientError: load failed", err, "workflow_id", workflowID)
		return
	}
	wf.RecordError(cause.Error())
	if err := o.withRepoSpan(ctx, "Update", workflowID, func() error { return o.repo.Update(wf) }); err != nil {
		log.ErrorErr(log.CatOrch, "recordTransientError: persist failed", err, "workflow_id", workflowID)
	}
}

func (o *Orchestrator) resetConsecutiveErrors(workflowID string) {
	ctx := context.Background()
	var wf *domain.Workflow
	if err := o.withRepoSpan(ctx, "Get", workflowID, func() (e error) { wf, e = o.repo.Get(workflowID); return }); err != nil {
		log.ErrorErr(log.CatOrch, "resetConsecutiveErrors: load failed", err, "workflow_id", workflowID)
		return
	}
	if wf.ConsecutiveErrors() == 0 {
		return
	}
	wf.ResetErrors()
	if err := o.withRepoSpan(ctx, "Update", workflowID, func() error { return o.repo.Update(wf) }); err != nil {
		log.ErrorErr(log.CatOrch, "resetConsecutiveErrors: persist failed", err, "workflow_id", workflowID)
	}
}

func (o *Orchestrator) failWorkflow(ctx context.Context, workflowID string, cause error, attempts int) {
	reason := cause.Error()
	o.emit(workflowID, domain.EventWorkflowFailed, reason, "system", map[string]any{"attempts": attempts}, nil)
	if err := o.withRepoSpanAttrs(ctx, "SetStatus", workflowID, []attribute.KeyValue{
		attribute.String(tracing.AttrStatusTo, domain.StatusFailed.String()),
	}, func() error {
		return o.repo.SetStatus(workflowID, domain.StatusFailed, &reason)
	}); err != nil {
		log.ErrorErr(log.CatOrch, "failWorkflow: set_status failed", err, "workflow_id", workflowID)
	}
}

// runOnce iterates one call to the graph executor's Stream to its natural
// end: a node update is translated to stage events, an interrupt blocks the
// workflow, a clean close completes it, and a stream error is returned to
// driveGraph's retry policy.
func (o *Orchestrator) runOnce(ctx context.Context, task *activeTask, cfg graph.RunConfig, initialState graph.State) (runResult, error) {
	workflowID := task.workflowID
	chunks, errCh := o.executor.Stream(ctx, initialState, cfg)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				if errCh == nil {
					return o.finishRunOnce(ctx, workflowID)
				}
				continue
			}
			if chunk.IsInterrupt() {
				if err := o.handleInterrupt(ctx, task, cfg, chunk.Interrupt); err != nil {
					return 0, err
				}
				return runBlocked, nil
			}
			if err := o.handleNodeUpdate(ctx, workflowID, chunk); err != nil {
				return 0, err
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				if chunks == nil {
					return o.finishRunOnce(ctx, workflowID)
				}
				continue
			}
			if err != nil {
				return 0, err
			}
		}
	}
}

func (o *Orchestrator) finishRunOnce(ctx context.Context, workflowID string) (runResult, error) {
	if err := o.handleCompletion(ctx, workflowID); err != nil {
		return 0, err
	}
	return runCompleted, nil
}

// handleNodeUpdate translates one node update into events: STAGE_STARTED,
// agent-specific messages derived from the delta's tag, a current_stage
// update, then STAGE_COMPLETED. Unknown delta kinds still produce the
// stage events, just no agent-specific message, so new node types can
// appear in the graph without breaking the drive loop.
func (o *Orchestrator) handleNodeUpdate(ctx context.Context, workflowID string, chunk graph.Chunk) (err error) {
	node := chunk.NodeName
	ctx, span := o.startSpan(ctx, tracing.SpanPrefixOrchestrator, tracing.SpanKindNode, workflowID,
		attribute.String(tracing.AttrNodeName, node))
	defer func() { endSpan(span, err) }()

	o.emit(workflowID, domain.EventStageStarted, fmt.Sprintf("stage %s started", node), node, nil, nil)

	var wf *domain.Workflow
	if err := o.withRepoSpan(ctx, "Get", workflowID, func() (e error) { wf, e = o.repo.Get(workflowID); return }); err != nil {
		return err
	}
	wf.SetCurrentStage(node)

	var completionData map[string]any
	if chunk.Delta != nil {
		completionData = o.emitAgentMessage(workflowID, wf, node, chunk.Delta)
	}

	if err := o.withRepoSpan(ctx, "Update", workflowID, func() error { return o.repo.Update(wf) }); err != nil {
		return err
	}
	o.emit(workflowID, domain.EventStageCompleted, fmt.Sprintf("stage %s completed", node), node, completionData, nil)
	return nil
}

func (o *Orchestrator) emitAgentMessage(workflowID string, wf *domain.Workflow, node string, delta *graph.NodeDelta) map[string]any {
	switch delta.Kind {
	case graph.NodeDeltaArchitect:
		a := delta.Architect
		plan := domain.PlanCache{Goal: a.Goal, Markdown: a.Markdown, KeyFiles: a.KeyFiles, TaskCount: a.TaskCount}
		wf.SetPlanCache(plan)
		if err := o.repo.UpdatePlanCache(workflowID, plan); err != nil {
			log.ErrorErr(log.CatOrch, "emitAgentMessage: update_plan_cache failed", err, "workflow_id", workflowID)
		}
		data := map[string]any{"markdown": a.Markdown, "key_files": a.KeyFiles, "task_count": a.TaskCount}
		o.emit(workflowID, domain.EventAgentMessage, a.Goal, "architect", data, nil)
		return data
	case graph.NodeDeltaDeveloper:
		d := delta.Developer
		data := map[string]any{"task_id": d.TaskID, "files": d.Files}
		o.emit(workflowID, domain.EventTaskCompleted, d.Summary, "developer", data, nil)
		return data
	case graph.NodeDeltaReviewer:
		r := delta.Reviewer
		evtType := domain.EventReviewCompleted
		if !r.Approved {
			evtType = domain.EventRevisionRequested
		}
		data := map[string]any{"approved": r.Approved, "findings": r.Findings}
		o.emit(workflowID, evtType, r.Summary, "reviewer", data, nil)
		return data
	default:
		return nil
	}
}

// handleInterrupt handles a graph pause: sync plan_cache from the
// checkpoint so readers see the plan while blocked, classify the gate,
// emit APPROVAL_REQUIRED, and transition to blocked. The fresh correlation
// id stamped here is reused by the granted/rejected event that eventually
// answers the pause.
func (o *Orchestrator) handleInterrupt(ctx context.Context, task *activeTask, cfg graph.RunConfig, interrupt *graph.Interrupt) error {
	workflowID := task.workflowID
	o.syncPlanFromCheckpoint(ctx, workflowID, cfg)

	data := map[string]any{"paused_at": string(interrupt.Gate)}
	if interrupt.Gate == graph.GateBlockerResolution && interrupt.Blocker != nil {
		data["blocker"] = map[string]any{
			"description": interrupt.Blocker.Description,
			"context":     interrupt.Blocker.Context,
		}
	}
	corrID := uuid.NewString()
	task.pauseCorrelationID = &corrID
	o.emit(workflowID, domain.EventApprovalRequired, fmt.Sprintf("paused at %s", interrupt.Gate), "system", data, &corrID)
	return o.repo.SetStatus(workflowID, domain.StatusBlocked, nil)
}

func (o *Orchestrator) syncPlanFromCheckpoint(ctx context.Context, workflowID string, cfg graph.RunConfig) {
	snapshot, err := o.executor.GetState(ctx, cfg)
	if err != nil {
		log.ErrorErr(log.CatOrch, "syncPlanFromCheckpoint: get_state failed", err, "workflow_id", workflowID)
		return
	}
	raw, ok := snapshot.Values["plan_cache"]
	if !ok {
		return
	}
	plan, ok := raw.(domain.PlanCache)
	if !ok {
		return
	}
	if err := o.repo.UpdatePlanCache(workflowID, plan); err != nil {
		log.ErrorErr(log.CatOrch, "syncPlanFromCheckpoint: update_plan_cache failed", err, "workflow_id", workflowID)
	}
}

// handleCompletion runs when the graph stream ends without interrupting.
// WORKFLOW_COMPLETED is emitted here and nowhere else; both the first run
// and every post-approval resume funnel their clean stream exit through
// this function, so the event fires exactly once per workflow.
func (o *Orchestrator) handleCompletion(ctx context.Context, workflowID string) error {
	o.emit(workflowID, domain.EventWorkflowCompleted, "workflow completed", "system", nil, nil)
	return o.withRepoSpanAttrs(ctx, "SetStatus", workflowID, []attribute.KeyValue{
		attribute.String(tracing.AttrStatusFrom, domain.StatusInProgress.String()),
		attribute.String(tracing.AttrStatusTo, domain.StatusCompleted.String()),
	}, func() error {
		return o.repo.SetStatus(workflowID, domain.StatusCompleted, nil)
	})
}
