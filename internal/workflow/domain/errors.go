package domain

import "fmt"

// InvalidWorktreeError indicates the worktree path does not exist, is not a
// directory, or is not a VCS root (no .git entry).
type InvalidWorktreeError struct {
	Path   string
	Reason string
}

func (e *InvalidWorktreeError) Error() string {
	return fmt.Sprintf("invalid worktree %q: %s", e.Path, e.Reason)
}

func (e *InvalidWorktreeError) Code() string { return "InvalidWorktree" }

// WorktreeConflictError indicates another workflow already holds the
// worktree in an active status.
type WorktreeConflictError struct {
	WorktreePath string
}

func (e *WorktreeConflictError) Error() string {
	return fmt.Sprintf("worktree %q already has an active workflow", e.WorktreePath)
}

func (e *WorktreeConflictError) Code() string { return "WorktreeConflict" }

// ConcurrencyLimitError indicates the global active-workflow count is at
// the configured ceiling.
type ConcurrencyLimitError struct {
	MaxConcurrent int
}

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("concurrency limit reached (max %d active workflows)", e.MaxConcurrent)
}

func (e *ConcurrencyLimitError) Code() string { return "ConcurrencyLimit" }

// InvalidStateError indicates the requested operation is not allowed from
// the workflow's current status.
type InvalidStateError struct {
	WorkflowID string
	Status     Status
	Operation  string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("workflow %s: cannot %s from status %s", e.WorkflowID, e.Operation, e.Status)
}

func (e *InvalidStateError) Code() string { return "InvalidState" }

// InvalidTransitionError indicates a state-machine violation: the
// lifecycle table does not permit moving from From to To.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Code() string { return "InvalidTransition" }

// NotFoundError indicates an unknown workflow or event id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Code() string { return "NotFound" }

// PolicyDeniedError indicates an external policy hook rejected admission.
type PolicyDeniedError struct {
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied: %s", e.Reason)
}

func (e *PolicyDeniedError) Code() string { return "PolicyDenied" }

// ValidationError indicates a request body failed schema/sanity checks.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Code() string { return "ValidationError" }
