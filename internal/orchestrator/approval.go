package orchestrator

import (
	"context"
	"fmt"

	"github.com/zjrosen/workflowcore/internal/graph"
	"github.com/zjrosen/workflowcore/internal/log"
	"github.com/zjrosen/workflowcore/internal/workflow/domain"
)

type resumeKind int

const (
	resumeApprove resumeKind = iota
	resumeReject
	resumeResolve
)

// resumeRequest is handed from an approve/reject/resolve call into the
// blocked supervisor goroutine via activeTask.resumeCh, keeping every touch
// of a given workflow's graph.Executor thread on one goroutine.
type resumeRequest struct {
	kind     resumeKind
	patch    graph.State
	feedback string
	resultCh chan error
}

// BlockerAction is the operator's chosen resolution for a
// blocker_resolution_node gate.
type BlockerAction string

const (
	BlockerSkip        BlockerAction = "skip"
	BlockerRetry       BlockerAction = "retry"
	BlockerAbort       BlockerAction = "abort"
	BlockerAbortRevert BlockerAction = "abort_revert"
	BlockerFix         BlockerAction = "fix"
)

// blockerResolutionString maps a BlockerAction to the string the graph's
// blocker node expects: skip/abort/abort_revert verbatim, empty string for
// retry, or the fix feedback text.
func blockerResolutionString(action BlockerAction, feedback string) (string, error) {
	switch action {
	case BlockerSkip:
		return "skip", nil
	case BlockerAbort:
		return "abort", nil
	case BlockerAbortRevert:
		return "abort_revert", nil
	case BlockerRetry:
		return "", nil
	case BlockerFix:
		return feedback, nil
	default:
		return "", &domain.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown blocker action %q", action)}
	}
}

// sendResume delivers req to workflowID's blocked supervisor goroutine and
// waits for it to apply the resume. If the task has already exited (no
// active supervisor, or it exits concurrently with delivery), the call
// returns without blocking forever.
func (o *Orchestrator) sendResume(workflowID string, req resumeRequest) error {
	task, ok := o.lookupTask(workflowID)
	if !ok {
		return &domain.NotFoundError{Kind: "active_task", ID: workflowID}
	}

	select {
	case task.resumeCh <- req:
	case <-task.done:
		return &domain.InvalidStateError{WorkflowID: workflowID, Status: domain.StatusFailed, Operation: "resume"}
	}

	select {
	case err := <-req.resultCh:
		return err
	case <-task.done:
		return nil
	}
}

// ApproveWorkflow fails unless the workflow is blocked, then resumes the
// graph with human_approved=true
// under the approval lock (serializing concurrent approve/reject/resolve
// calls on the same workflow).
func (o *Orchestrator) ApproveWorkflow(workflowID string) error {
	o.approvalMu.Lock()
	defer o.approvalMu.Unlock()

	wf, err := o.repo.Get(workflowID)
	if err != nil {
		return err
	}
	if wf.Status() != domain.StatusBlocked {
		return &domain.InvalidStateError{WorkflowID: workflowID, Status: wf.Status(), Operation: "approve_workflow"}
	}
	req := resumeRequest{kind: resumeApprove, patch: graph.State{"human_approved": true}, resultCh: make(chan error, 1)}
	return o.sendResume(workflowID, req)
}

// RejectWorkflow fails unless the workflow is blocked, otherwise emits
// hands the rejection to the supervisor awaiting resume, which emits
// APPROVAL_REJECTED, fails the workflow with feedback as the failure
// reason, and exits its loop.
func (o *Orchestrator) RejectWorkflow(workflowID, feedback string) error {
	o.approvalMu.Lock()
	defer o.approvalMu.Unlock()

	wf, err := o.repo.Get(workflowID)
	if err != nil {
		return err
	}
	if wf.Status() != domain.StatusBlocked {
		return &domain.InvalidStateError{WorkflowID: workflowID, Status: wf.Status(), Operation: "reject_workflow"}
	}
	req := resumeRequest{kind: resumeReject, feedback: feedback, resultCh: make(chan error, 1)}
	return o.sendResume(workflowID, req)
}

// ResolveBlocker fails unless the workflow is blocked, maps action to the
// resolution string the blocker node expects, and resumes the graph with
// it. The resume may immediately hit another gate (the approval gate, the
// batch gate, or a further blocker); the drive loop classifies each the
// same way.
func (o *Orchestrator) ResolveBlocker(workflowID string, action BlockerAction, feedback string) error {
	o.approvalMu.Lock()
	defer o.approvalMu.Unlock()

	wf, err := o.repo.Get(workflowID)
	if err != nil {
		return err
	}
	if wf.Status() != domain.StatusBlocked {
		return &domain.InvalidStateError{WorkflowID: workflowID, Status: wf.Status(), Operation: "resolve_blocker"}
	}
	resolution, err := blockerResolutionString(action, feedback)
	if err != nil {
		return err
	}
	req := resumeRequest{kind: resumeResolve, patch: graph.State{"blocker_resolution": resolution}, resultCh: make(chan error, 1)}
	return o.sendResume(workflowID, req)
}

// applyResume runs inside the blocked supervisor goroutine (runDriveLoop),
// handling whichever resumeRequest it received. It returns the initial
// state for the next driveGraph attempt (always nil — resume always
// continues from checkpoint) and whether the loop should stop instead of
// continuing (true for reject, since the workflow is now terminal).
func (o *Orchestrator) applyResume(ctx context.Context, task *activeTask, req resumeRequest) (graph.State, bool) {
	cfg := graph.RunConfig{ThreadID: task.workflowID}
	corrID := task.pauseCorrelationID
	task.pauseCorrelationID = nil

	switch req.kind {
	case resumeReject:
		feedback := req.feedback
		o.emit(task.workflowID, domain.EventApprovalRejected, "approval rejected", "system", map[string]any{"feedback": feedback}, corrID)
		if err := o.repo.SetStatus(task.workflowID, domain.StatusFailed, &feedback); err != nil {
			log.ErrorErr(log.CatOrch, "reject_workflow: set_status failed", err, "workflow_id", task.workflowID)
		}
		if err := o.executor.UpdateState(ctx, cfg, graph.State{"human_approved": false}); err != nil {
			log.ErrorErr(log.CatOrch, "reject_workflow: update_state failed", err, "workflow_id", task.workflowID)
		}
		req.resultCh <- nil
		return nil, true

	case resumeApprove, resumeResolve:
		if err := o.executor.UpdateState(ctx, cfg, req.patch); err != nil {
			req.resultCh <- err
			return nil, true
		}
		if err := o.repo.SetStatus(task.workflowID, domain.StatusInProgress, nil); err != nil {
			req.resultCh <- err
			return nil, true
		}
		if req.kind == resumeApprove {
			o.emit(task.workflowID, domain.EventApprovalGranted, "approval granted", "system", nil, corrID)
		}
		req.resultCh <- nil
		return nil, false

	default:
		req.resultCh <- fmt.Errorf("orchestrator: unknown resume kind %d", req.kind)
		return nil, true
	}
}
