package sqlite

import (
	"encoding/json"
	"time"

	"github.com/zjrosen/workflowcore/internal/workflow/domain"
)

// workflowColumns is the list of columns to select for workflow queries.
const workflowColumns = `id, issue_id, worktree_path, workflow_type, profile_id, status,
	created_at, started_at, planned_at, completed_at, current_stage,
	failure_reason, consecutive_errors, last_error_context,
	plan_cache, issue_cache, execution_state`

// workflowModel represents the database row for the workflows table.
type workflowModel struct {
	ID                string
	IssueID           string
	WorktreePath      string
	WorkflowType      string
	ProfileID         string
	Status            string
	CreatedAt         int64
	StartedAt         *int64
	PlannedAt         *int64
	CompletedAt       *int64
	CurrentStage      *string
	FailureReason     *string
	ConsecutiveErrors int
	LastErrorContext  *string
	PlanCache         *string // JSON encoded
	IssueCache        *string // JSON encoded
	ExecutionState    *string // JSON encoded
}

func scanWorkflow(scanner interface{ Scan(...any) error }) (*workflowModel, error) {
	var m workflowModel
	err := scanner.Scan(
		&m.ID, &m.IssueID, &m.WorktreePath, &m.WorkflowType, &m.ProfileID, &m.Status,
		&m.CreatedAt, &m.StartedAt, &m.PlannedAt, &m.CompletedAt, &m.CurrentStage,
		&m.FailureReason, &m.ConsecutiveErrors, &m.LastErrorContext,
		&m.PlanCache, &m.IssueCache, &m.ExecutionState,
	)
	return &m, err
}

func toWorkflowModel(w *domain.Workflow) (*workflowModel, error) {
	m := &workflowModel{
		ID:                w.ID(),
		IssueID:           w.IssueID(),
		WorktreePath:      w.WorktreePath(),
		WorkflowType:      string(w.WorkflowType()),
		ProfileID:         w.ProfileID(),
		Status:            string(w.Status()),
		CreatedAt:         w.CreatedAt().Unix(),
		ConsecutiveErrors: w.ConsecutiveErrors(),
		CurrentStage:      w.CurrentStage(),
		FailureReason:     w.FailureReason(),
		LastErrorContext:  w.LastErrorContext(),
	}
	if w.StartedAt() != nil {
		ts := w.StartedAt().Unix()
		m.StartedAt = &ts
	}
	if w.PlannedAt() != nil {
		ts := w.PlannedAt().Unix()
		m.PlannedAt = &ts
	}
	if w.CompletedAt() != nil {
		ts := w.CompletedAt().Unix()
		m.CompletedAt = &ts
	}
	if w.PlanCache() != nil {
		b, err := json.Marshal(w.PlanCache())
		if err != nil {
			return nil, err
		}
		s := string(b)
		m.PlanCache = &s
	}
	if w.IssueCache() != nil {
		b, err := json.Marshal(w.IssueCache())
		if err != nil {
			return nil, err
		}
		s := string(b)
		m.IssueCache = &s
	}
	if w.ExecutionState() != nil {
		b, err := json.Marshal(w.ExecutionState())
		if err != nil {
			return nil, err
		}
		s := string(b)
		m.ExecutionState = &s
	}
	return m, nil
}

func (m *workflowModel) toDomain() (*domain.Workflow, error) {
	var startedAt, plannedAt, completedAt *time.Time
	if m.StartedAt != nil {
		t := time.Unix(*m.StartedAt, 0).UTC()
		startedAt = &t
	}
	if m.PlannedAt != nil {
		t := time.Unix(*m.PlannedAt, 0).UTC()
		plannedAt = &t
	}
	if m.CompletedAt != nil {
		t := time.Unix(*m.CompletedAt, 0).UTC()
		completedAt = &t
	}

	var planCache *domain.PlanCache
	if m.PlanCache != nil {
		var pc domain.PlanCache
		if err := json.Unmarshal([]byte(*m.PlanCache), &pc); err != nil {
			return nil, err
		}
		planCache = &pc
	}
	var issueCache map[string]any
	if m.IssueCache != nil {
		if err := json.Unmarshal([]byte(*m.IssueCache), &issueCache); err != nil {
			return nil, err
		}
	}
	var executionState map[string]any
	if m.ExecutionState != nil {
		if err := json.Unmarshal([]byte(*m.ExecutionState), &executionState); err != nil {
			return nil, err
		}
	}

	return domain.ReconstituteWorkflow(
		m.ID, m.IssueID, m.WorktreePath,
		domain.WorkflowType(m.WorkflowType), m.ProfileID,
		domain.Status(m.Status),
		time.Unix(m.CreatedAt, 0).UTC(),
		startedAt, plannedAt, completedAt,
		m.CurrentStage,
		m.FailureReason, m.ConsecutiveErrors, m.LastErrorContext,
		planCache, issueCache, executionState,
	), nil
}

// eventColumns is the list of columns to select for event queries.
const eventColumns = `id, workflow_id, sequence, timestamp, agent, event_type, level, message, data, is_error, correlation_id`

type eventModel struct {
	ID            string
	WorkflowID    string
	Sequence      int64
	Timestamp     int64
	Agent         string
	EventType     string
	Level         string
	Message       string
	Data          *string // JSON encoded
	IsError       bool
	CorrelationID *string
}

func scanEvent(scanner interface{ Scan(...any) error }) (*eventModel, error) {
	var m eventModel
	err := scanner.Scan(
		&m.ID, &m.WorkflowID, &m.Sequence, &m.Timestamp, &m.Agent, &m.EventType,
		&m.Level, &m.Message, &m.Data, &m.IsError, &m.CorrelationID,
	)
	return &m, err
}

func toEventModel(e *domain.Event) (*eventModel, error) {
	m := &eventModel{
		ID:            e.ID(),
		WorkflowID:    e.WorkflowID(),
		Sequence:      e.Sequence(),
		Timestamp:     e.Timestamp().Unix(),
		Agent:         e.Agent(),
		EventType:     string(e.EventType()),
		Level:         string(e.Level()),
		Message:       e.Message(),
		IsError:       e.IsError(),
		CorrelationID: e.CorrelationID(),
	}
	if e.Data() != nil {
		b, err := json.Marshal(e.Data())
		if err != nil {
			return nil, err
		}
		s := string(b)
		m.Data = &s
	}
	return m, nil
}

func (m *eventModel) toDomain() (*domain.Event, error) {
	var data map[string]any
	if m.Data != nil {
		if err := json.Unmarshal([]byte(*m.Data), &data); err != nil {
			return nil, err
		}
	}
	return domain.ReconstituteEvent(
		m.ID, m.WorkflowID, m.Sequence,
		time.Unix(m.Timestamp, 0).UTC(),
		m.Agent, domain.EventType(m.EventType), domain.Level(m.Level),
		m.Message, data, m.IsError, m.CorrelationID,
	), nil
}

// tokenUsageColumns is the list of columns to select for token usage queries.
const tokenUsageColumns = `id, workflow_id, agent, model, input_tokens, output_tokens,
	cache_read_tokens, cache_creation_tokens, cost_usd, duration_ms, num_turns, timestamp`

type tokenUsageModel struct {
	ID                  string
	WorkflowID          string
	Agent               string
	Model               string
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	CostUSD             float64
	DurationMs          int64
	NumTurns            int
	Timestamp           int64
}

func scanTokenUsage(scanner interface{ Scan(...any) error }) (*tokenUsageModel, error) {
	var m tokenUsageModel
	err := scanner.Scan(
		&m.ID, &m.WorkflowID, &m.Agent, &m.Model, &m.InputTokens, &m.OutputTokens,
		&m.CacheReadTokens, &m.CacheCreationTokens, &m.CostUSD, &m.DurationMs, &m.NumTurns, &m.Timestamp,
	)
	return &m, err
}

func toTokenUsageModel(u *domain.TokenUsage) *tokenUsageModel {
	return &tokenUsageModel{
		ID:                  u.ID(),
		WorkflowID:          u.WorkflowID(),
		Agent:               u.Agent(),
		Model:               u.Model(),
		InputTokens:         u.InputTokens(),
		OutputTokens:        u.OutputTokens(),
		CacheReadTokens:     u.CacheReadTokens(),
		CacheCreationTokens: u.CacheCreationTokens(),
		CostUSD:             u.CostUSD(),
		DurationMs:          u.DurationMs(),
		NumTurns:            u.NumTurns(),
		Timestamp:           u.Timestamp().Unix(),
	}
}

func (m *tokenUsageModel) toDomain() *domain.TokenUsage {
	return domain.ReconstituteTokenUsage(
		m.ID, m.WorkflowID, m.Agent, m.Model,
		m.InputTokens, m.OutputTokens, m.CacheReadTokens, m.CacheCreationTokens,
		m.CostUSD, m.DurationMs, m.NumTurns,
		time.Unix(m.Timestamp, 0).UTC(),
	)
}
