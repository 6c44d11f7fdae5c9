// Package domain provides the pure domain layer for the workflow orchestration
// core: no infrastructure dependencies, only entities, the Repository
// interface, and domain error types.
package domain

import "time"

// Status represents the lifecycle state of a workflow.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is a recognized workflow status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusBlocked, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for the sink statuses that admit no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// validTransitions is the authoritative lifecycle table. A transition not
// present here fails with InvalidTransitionError.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInProgress: true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
	StatusInProgress: {
		StatusBlocked:   true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusBlocked: {
		StatusInProgress: true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// CanTransitionTo reports whether the table allows moving from s to target.
func (s Status) CanTransitionTo(target Status) bool {
	targets, ok := validTransitions[s]
	if !ok {
		return false
	}
	return targets[target]
}

// ValidTargets returns the statuses reachable from s.
func (s Status) ValidTargets() []Status {
	targets, ok := validTransitions[s]
	if !ok {
		return nil
	}
	out := make([]Status, 0, len(targets))
	for t := range targets {
		out = append(out, t)
	}
	return out
}

// WorkflowType distinguishes a full graph run from a review-only run.
type WorkflowType string

const (
	WorkflowTypeFull   WorkflowType = "full"
	WorkflowTypeReview WorkflowType = "review"
)

// IsValid reports whether t is a recognized workflow type.
func (t WorkflowType) IsValid() bool {
	return t == WorkflowTypeFull || t == WorkflowTypeReview
}

// PlanCache is a structured snapshot of the plan produced by the architect
// stage, sufficient to render without replaying the graph.
type PlanCache struct {
	Goal      string   `json:"goal"`
	Markdown  string   `json:"markdown"`
	KeyFiles  []string `json:"key_files"`
	TaskCount int      `json:"task_count"`
}

// Workflow is one submitted unit of work driven through the agent graph.
// All fields are unexported; use the constructors and accessor/mutator
// methods to interact with an instance.
type Workflow struct {
	id           string
	issueID      string
	worktreePath string
	workflowType WorkflowType
	profileID    string
	status       Status

	createdAt   time.Time
	startedAt   *time.Time
	plannedAt   *time.Time
	completedAt *time.Time

	currentStage *string

	failureReason    *string
	consecutiveErrors int
	lastErrorContext *string

	planCache      *PlanCache
	issueCache     map[string]any
	executionState map[string]any
}

// NewWorkflow creates a new Workflow in the pending state. The id is assigned
// by the caller (the admission path) before the row is persisted.
func NewWorkflow(id, issueID, worktreePath string, workflowType WorkflowType, profileID string) *Workflow {
	return &Workflow{
		id:           id,
		issueID:      issueID,
		worktreePath: worktreePath,
		workflowType: workflowType,
		profileID:    profileID,
		status:       StatusPending,
		createdAt:    time.Now().UTC(),
	}
}

// ReconstituteWorkflow rebuilds a Workflow from persisted field values,
// bypassing the constructor's default-state assumptions.
func ReconstituteWorkflow(
	id, issueID, worktreePath string,
	workflowType WorkflowType,
	profileID string,
	status Status,
	createdAt time.Time,
	startedAt, plannedAt, completedAt *time.Time,
	currentStage *string,
	failureReason *string,
	consecutiveErrors int,
	lastErrorContext *string,
	planCache *PlanCache,
	issueCache map[string]any,
	executionState map[string]any,
) *Workflow {
	return &Workflow{
		id:                id,
		issueID:           issueID,
		worktreePath:      worktreePath,
		workflowType:      workflowType,
		profileID:         profileID,
		status:            status,
		createdAt:         createdAt,
		startedAt:         startedAt,
		plannedAt:         plannedAt,
		completedAt:       completedAt,
		currentStage:      currentStage,
		failureReason:     failureReason,
		consecutiveErrors: consecutiveErrors,
		lastErrorContext:  lastErrorContext,
		planCache:         planCache,
		issueCache:        issueCache,
		executionState:    executionState,
	}
}

func (w *Workflow) ID() string               { return w.id }
func (w *Workflow) IssueID() string           { return w.issueID }
func (w *Workflow) WorktreePath() string      { return w.worktreePath }
func (w *Workflow) WorkflowType() WorkflowType { return w.workflowType }
func (w *Workflow) ProfileID() string         { return w.profileID }
func (w *Workflow) Status() Status            { return w.status }
func (w *Workflow) CreatedAt() time.Time      { return w.createdAt }
func (w *Workflow) StartedAt() *time.Time     { return w.startedAt }
func (w *Workflow) PlannedAt() *time.Time     { return w.plannedAt }
func (w *Workflow) CompletedAt() *time.Time   { return w.completedAt }
func (w *Workflow) CurrentStage() *string     { return w.currentStage }
func (w *Workflow) FailureReason() *string    { return w.failureReason }
func (w *Workflow) ConsecutiveErrors() int    { return w.consecutiveErrors }
func (w *Workflow) LastErrorContext() *string { return w.lastErrorContext }
func (w *Workflow) PlanCache() *PlanCache     { return w.planCache }
func (w *Workflow) IssueCache() map[string]any     { return w.issueCache }
func (w *Workflow) ExecutionState() map[string]any { return w.executionState }

// SetCurrentStage records the name of the last-entered graph node.
func (w *Workflow) SetCurrentStage(stage string) {
	w.currentStage = &stage
}

// SetIssueCache stores the opaque tracker metadata blob.
func (w *Workflow) SetIssueCache(cache map[string]any) {
	w.issueCache = cache
}

// SetExecutionState stores the serialized graph state for the external executor.
func (w *Workflow) SetExecutionState(state map[string]any) {
	w.executionState = state
}

// SetPlanCache records the architect's plan snapshot and stamps plannedAt,
// preserving the invariant that plannedAt set implies planCache present.
func (w *Workflow) SetPlanCache(plan PlanCache) {
	w.planCache = &plan
	now := time.Now().UTC()
	w.plannedAt = &now
}

// RecordError increments the consecutive-error counter and stores context,
// used by the retry policy on a transient-failure attempt.
func (w *Workflow) RecordError(context string) {
	w.consecutiveErrors++
	w.lastErrorContext = &context
}

// ResetErrors clears the consecutive-error counter, called after a
// successful attempt following one or more transient failures.
func (w *Workflow) ResetErrors() {
	w.consecutiveErrors = 0
	w.lastErrorContext = nil
}

// TransitionTo validates and applies a status transition per the lifecycle
// table, stamping startedAt (first entry into in_progress) and completedAt
// (entry into any terminal status). Returns InvalidTransitionError if the
// move is not allowed from the current status.
func (w *Workflow) TransitionTo(target Status, failureReason *string) error {
	if !w.status.CanTransitionTo(target) {
		return &InvalidTransitionError{From: w.status, To: target}
	}
	now := time.Now().UTC()
	if target == StatusInProgress && w.startedAt == nil {
		w.startedAt = &now
	}
	if target.IsTerminal() {
		w.completedAt = &now
	}
	if failureReason != nil {
		w.failureReason = failureReason
	}
	w.status = target
	return nil
}

// ClearForResume resets terminal-failure bookkeeping so a failed workflow
// can be re-entered into the supervisor loop via resume_workflow.
func (w *Workflow) ClearForResume() {
	w.failureReason = nil
	w.completedAt = nil
}

// ForceStatus sets status directly, bypassing the lifecycle table in
// validTransitions. Resuming a failed workflow is the one sanctioned exit
// from a terminal status: an explicit operator action moves it back to
// in_progress. Callers must pair this with
// ClearForResume and use Repository.Update (not SetStatus) to persist it,
// since SetStatus re-validates the transition and would reject it.
func (w *Workflow) ForceStatus(status Status) {
	w.status = status
	if status == StatusInProgress && w.startedAt == nil {
		now := time.Now().UTC()
		w.startedAt = &now
	}
}
