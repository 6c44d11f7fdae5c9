package domain

import "time"

// ListQuery filters and paginates list_workflows.
type ListQuery struct {
	// Status filters to a single status. Empty means all statuses.
	Status Status

	// WorktreePath filters to a single worktree. Empty means all worktrees.
	WorktreePath string

	// Limit bounds the page size. The repository fetches Limit+1 rows to
	// detect HasMore without a separate count query.
	Limit int

	// Cursor encodes (started_at, id) of the last row of the previous page.
	// Nil means "from the start".
	Cursor *Cursor
}

// Cursor encodes the pagination position (started_at DESC NULLS LAST, id DESC).
type Cursor struct {
	StartedAt *time.Time
	ID        string
}

// Page is a single page of list_workflows results.
type Page struct {
	Workflows []*Workflow
	HasMore   bool
	Next      *Cursor
}

// UsageSummary aggregates token usage over a date range, with a
// period-over-period comparison total.
type UsageSummary struct {
	Start             time.Time
	End               time.Time
	InputTokens       int64
	OutputTokens      int64
	TotalCostUSD      float64
	PreviousCostUSD   float64
	CompletedCount    int
	TerminalCount     int
}

// UsageTrendPoint is one row per date with a per-model cost breakdown.
type UsageTrendPoint struct {
	Date       time.Time
	CostByModel map[string]float64
	TotalCost  float64
}

// ModelUsage is per-model totals plus a dense daily-cost series spanning the
// queried range, zero-filled for days with no activity.
type ModelUsage struct {
	Model      string
	TotalCost  float64
	DailyCosts []float64
}

// Repository persists Workflow, Event, and TokenUsage entities with
// state-machine-validated status writes, cursor pagination, and N+1-free
// batch aggregation.
type Repository interface {
	// Create inserts a new workflow row. Fails with WorktreeConflictError
	// if the worktree already holds an active workflow (translated from
	// the underlying uniqueness constraint violation).
	Create(w *Workflow) error

	// Get retrieves a workflow by id. Fails with NotFoundError if missing.
	Get(id string) (*Workflow, error)

	// GetByWorktree retrieves a workflow at worktreePath whose status is in
	// statuses. If statuses is empty, defaults to {in_progress, blocked}.
	GetByWorktree(worktreePath string, statuses ...Status) (*Workflow, error)

	// Update performs a full-row overwrite without transition validation,
	// used for auxiliary fields (issue_cache, execution_state, current_stage).
	Update(w *Workflow) error

	// SetStatus loads the row, validates the transition against the
	// lifecycle table, stamps completed_at for terminal targets, and
	// writes. Fails with NotFoundError or InvalidTransitionError.
	SetStatus(id string, target Status, failureReason *string) error

	// UpdatePlanCache performs a narrow partial write of plan_cache and
	// planned_at without re-serializing the full row.
	UpdatePlanCache(id string, plan PlanCache) error

	// ListWorkflows returns a cursor-paginated page of workflows.
	ListWorkflows(q ListQuery) (*Page, error)

	// ListActive is a convenience for non-terminal statuses, optionally
	// filtered to one worktree.
	ListActive(worktreePath string) ([]*Workflow, error)

	// CountWorkflows counts workflows matching an optional status and/or
	// worktree path filter. Empty values mean "no filter on this field".
	CountWorkflows(status Status, worktreePath string) (int, error)

	// CountActive counts workflows in any non-terminal status.
	CountActive() (int, error)

	// FindByStatus returns every workflow currently in one of statuses,
	// used by crash recovery.
	FindByStatus(statuses ...Status) ([]*Workflow, error)

	// SaveEvent persists event, unless its type is not in the persisted
	// set, in which case the call is a silent no-op.
	SaveEvent(e *Event) error

	// GetMaxEventSequence returns the largest sequence ever written for
	// workflowID, or 0 if none.
	GetMaxEventSequence(workflowID string) (int64, error)

	// EventExists reports whether eventID has been persisted.
	EventExists(eventID string) (bool, error)

	// GetEventsAfter returns events for the same workflow as sinceEventID
	// with a greater sequence, ascending, capped at limit. Fails with
	// NotFoundError if sinceEventID is unknown.
	GetEventsAfter(sinceEventID string, limit int) ([]*Event, error)

	// GetRecentEvents returns the most recent limit events for workflowID,
	// oldest-first. A non-positive limit returns an empty slice without
	// querying storage.
	GetRecentEvents(workflowID string, limit int) ([]*Event, error)

	// SaveTokenUsage inserts a token usage record.
	SaveTokenUsage(u *TokenUsage) error

	// GetTokenUsage returns usage records for workflowID, chronological.
	GetTokenUsage(workflowID string) ([]*TokenUsage, error)

	// GetTokenSummary returns the aggregate for workflowID, or nil if no
	// records exist.
	GetTokenSummary(workflowID string) (*TokenSummary, error)

	// GetTokenSummariesBatch returns a summary per id in workflowIDs using
	// a single IN-clause query; every requested id is present as a key
	// (nil value when no usage exists). Must not issue one query per id.
	GetTokenSummariesBatch(workflowIDs []string) (map[string]*TokenSummary, error)

	// GetUsageSummary aggregates usage over [start, end] plus the
	// preceding same-length window for period-over-period comparison.
	GetUsageSummary(start, end time.Time) (*UsageSummary, error)

	// GetUsageTrend returns one point per date in [start, end] that has
	// usage, ascending, with a per-model cost breakdown. Dates with no
	// records have no point.
	GetUsageTrend(start, end time.Time) ([]UsageTrendPoint, error)

	// GetUsageByModel returns per-model totals plus a dense daily-cost
	// array spanning [start, end], zero-filled for missing days.
	GetUsageByModel(start, end time.Time) ([]ModelUsage, error)

	// Close releases any resources held by the repository.
	Close() error
}
