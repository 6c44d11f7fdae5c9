package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/workflowcore/internal/workflow/domain"
)

// repository implements domain.Repository on top of a *sql.DB opened by DB.
type repository struct {
	db *sql.DB
}

func newRepository(db *sql.DB) *repository {
	return &repository{db: db}
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r *repository) Create(w *domain.Workflow) error {
	m, err := toWorkflowModel(w)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`INSERT INTO workflows (`+workflowColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.IssueID, m.WorktreePath, m.WorkflowType, m.ProfileID, m.Status,
		m.CreatedAt, m.StartedAt, m.PlannedAt, m.CompletedAt, m.CurrentStage,
		m.FailureReason, m.ConsecutiveErrors, m.LastErrorContext,
		m.PlanCache, m.IssueCache, m.ExecutionState,
	)
	if isUniqueConstraintError(err) {
		return &domain.WorktreeConflictError{WorktreePath: w.WorktreePath()}
	}
	return err
}

func (r *repository) Get(id string) (*domain.Workflow, error) {
	row := r.db.QueryRow(`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	m, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "workflow", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return m.toDomain()
}

func (r *repository) GetByWorktree(worktreePath string, statuses ...domain.Status) (*domain.Workflow, error) {
	if len(statuses) == 0 {
		statuses = []domain.Status{domain.StatusInProgress, domain.StatusBlocked}
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	args = append(args, worktreePath)
	for i, s := range statuses {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	query := fmt.Sprintf(`SELECT %s FROM workflows WHERE worktree_path = ? AND status IN (%s)
		ORDER BY created_at DESC LIMIT 1`, workflowColumns, strings.Join(placeholders, ","))
	row := r.db.QueryRow(query, args...)
	m, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "workflow", ID: worktreePath}
	}
	if err != nil {
		return nil, err
	}
	return m.toDomain()
}

func (r *repository) Update(w *domain.Workflow) error {
	m, err := toWorkflowModel(w)
	if err != nil {
		return err
	}
	res, err := r.db.Exec(`UPDATE workflows SET
		issue_id = ?, worktree_path = ?, workflow_type = ?, profile_id = ?, status = ?,
		created_at = ?, started_at = ?, planned_at = ?, completed_at = ?, current_stage = ?,
		failure_reason = ?, consecutive_errors = ?, last_error_context = ?,
		plan_cache = ?, issue_cache = ?, execution_state = ?
		WHERE id = ?`,
		m.IssueID, m.WorktreePath, m.WorkflowType, m.ProfileID, m.Status,
		m.CreatedAt, m.StartedAt, m.PlannedAt, m.CompletedAt, m.CurrentStage,
		m.FailureReason, m.ConsecutiveErrors, m.LastErrorContext,
		m.PlanCache, m.IssueCache, m.ExecutionState,
		m.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", m.ID)
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &domain.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

func (r *repository) SetStatus(id string, target domain.Status, failureReason *string) error {
	w, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := w.TransitionTo(target, failureReason); err != nil {
		return err
	}
	return r.Update(w)
}

func (r *repository) UpdatePlanCache(id string, plan domain.PlanCache) error {
	w, err := r.Get(id)
	if err != nil {
		return err
	}
	w.SetPlanCache(plan)
	m, err := toWorkflowModel(w)
	if err != nil {
		return err
	}
	res, err := r.db.Exec(`UPDATE workflows SET plan_cache = ?, planned_at = ? WHERE id = ?`,
		m.PlanCache, m.PlannedAt, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// ListWorkflows pages through the ORDER BY (started_at IS NULL) ASC,
// started_at DESC, id DESC sequence: the never-started rows form a
// contiguous block after every started row. A cursor built from a
// non-null started_at therefore folds "started_at IS NULL" into its WHERE
// unconditionally, since no null row can have been emitted yet (the
// non-null block always precedes it); a cursor with a nil started_at means
// the page already reached the null block, so the tiebreak narrows to
// "started_at IS NULL AND id < ?" and excludes the (already fully
// returned) non-null block instead. Neither branch can re-surface a row
// the caller has already seen.
func (r *repository) ListWorkflows(q domain.ListQuery) (*domain.Page, error) {
	var where []string
	var args []any
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if q.WorktreePath != "" {
		where = append(where, "worktree_path = ?")
		args = append(args, q.WorktreePath)
	}
	if q.Cursor != nil {
		if q.Cursor.StartedAt != nil {
			where = append(where, `(started_at IS NULL OR started_at < ? OR (started_at = ? AND id < ?))`)
			ts := q.Cursor.StartedAt.Unix()
			args = append(args, ts, ts, q.Cursor.ID)
		} else {
			where = append(where, `(started_at IS NULL AND id < ?)`)
			args = append(args, q.Cursor.ID)
		}
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY (started_at IS NULL) ASC, started_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var workflows []*domain.Workflow
	for rows.Next() {
		m, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		w, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &domain.Page{Workflows: workflows}
	if len(workflows) > limit {
		page.Workflows = workflows[:limit]
		page.HasMore = true
		last := page.Workflows[len(page.Workflows)-1]
		page.Next = &domain.Cursor{StartedAt: last.StartedAt(), ID: last.ID()}
	}
	return page, nil
}

func (r *repository) ListActive(worktreePath string) ([]*domain.Workflow, error) {
	args := []any{string(domain.StatusPending), string(domain.StatusInProgress), string(domain.StatusBlocked)}
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE status IN (?,?,?)`
	if worktreePath != "" {
		query += " AND worktree_path = ?"
		args = append(args, worktreePath)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Workflow
	for rows.Next() {
		m, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		w, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *repository) CountWorkflows(status domain.Status, worktreePath string) (int, error) {
	var where []string
	var args []any
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, string(status))
	}
	if worktreePath != "" {
		where = append(where, "worktree_path = ?")
		args = append(args, worktreePath)
	}
	query := "SELECT COUNT(*) FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	var count int
	err := r.db.QueryRow(query, args...).Scan(&count)
	return count, err
}

func (r *repository) CountActive() (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM workflows WHERE status IN (?,?,?)`,
		string(domain.StatusPending), string(domain.StatusInProgress), string(domain.StatusBlocked),
	).Scan(&count)
	return count, err
}

func (r *repository) FindByStatus(statuses ...domain.Status) ([]*domain.Workflow, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	query := fmt.Sprintf(`SELECT %s FROM workflows WHERE status IN (%s) ORDER BY created_at ASC`,
		workflowColumns, strings.Join(placeholders, ","))
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Workflow
	for rows.Next() {
		m, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		w, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *repository) SaveEvent(e *domain.Event) error {
	if !e.EventType().IsPersisted() {
		return nil
	}
	m, err := toEventModel(e)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`INSERT INTO workflow_log (`+eventColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.WorkflowID, m.Sequence, m.Timestamp, m.Agent, m.EventType,
		m.Level, m.Message, m.Data, m.IsError, m.CorrelationID,
	)
	return err
}

func (r *repository) GetMaxEventSequence(workflowID string) (int64, error) {
	var seq sql.NullInt64
	err := r.db.QueryRow(`SELECT MAX(sequence) FROM workflow_log WHERE workflow_id = ?`, workflowID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

func (r *repository) EventExists(eventID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM workflow_log WHERE id = ?)`, eventID).Scan(&exists)
	return exists, err
}

func (r *repository) GetEventsAfter(sinceEventID string, limit int) ([]*domain.Event, error) {
	var workflowID string
	var sequence int64
	err := r.db.QueryRow(`SELECT workflow_id, sequence FROM workflow_log WHERE id = ?`, sinceEventID).
		Scan(&workflowID, &sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "event", ID: sinceEventID}
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(`SELECT `+eventColumns+` FROM workflow_log
		WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC LIMIT ?`,
		workflowID, sequence, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (r *repository) GetRecentEvents(workflowID string, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.db.Query(`SELECT * FROM (
		SELECT `+eventColumns+` FROM workflow_log WHERE workflow_id = ? ORDER BY sequence DESC LIMIT ?
	) ORDER BY sequence ASC`, workflowID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*domain.Event, error) {
	var out []*domain.Event
	for rows.Next() {
		m, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		e, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *repository) SaveTokenUsage(u *domain.TokenUsage) error {
	m := toTokenUsageModel(u)
	_, err := r.db.Exec(`INSERT INTO token_usage (`+tokenUsageColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.WorkflowID, m.Agent, m.Model, m.InputTokens, m.OutputTokens,
		m.CacheReadTokens, m.CacheCreationTokens, m.CostUSD, m.DurationMs, m.NumTurns, m.Timestamp,
	)
	return err
}

func (r *repository) GetTokenUsage(workflowID string) ([]*domain.TokenUsage, error) {
	rows, err := r.db.Query(`SELECT `+tokenUsageColumns+` FROM token_usage WHERE workflow_id = ? ORDER BY timestamp ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.TokenUsage
	for rows.Next() {
		m, err := scanTokenUsage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m.toDomain())
	}
	return out, rows.Err()
}

func (r *repository) GetTokenSummary(workflowID string) (*domain.TokenSummary, error) {
	records, err := r.GetTokenUsage(workflowID)
	if err != nil {
		return nil, err
	}
	return domain.SummarizeTokenUsage(workflowID, records), nil
}

func (r *repository) GetTokenSummariesBatch(workflowIDs []string) (map[string]*domain.TokenSummary, error) {
	out := make(map[string]*domain.TokenSummary, len(workflowIDs))
	for _, id := range workflowIDs {
		out[id] = nil
	}
	if len(workflowIDs) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(workflowIDs))
	args := make([]any, len(workflowIDs))
	for i, id := range workflowIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT workflow_id,
		SUM(input_tokens), SUM(output_tokens), SUM(cache_read_tokens), SUM(cache_creation_tokens),
		SUM(cost_usd), COUNT(*)
		FROM token_usage WHERE workflow_id IN (%s) GROUP BY workflow_id`, strings.Join(placeholders, ","))

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id string
		s := &domain.TokenSummary{}
		if err := rows.Scan(&id, &s.InputTokens, &s.OutputTokens, &s.CacheReadTokens,
			&s.CacheCreationTokens, &s.TotalCostUSD, &s.RecordCount); err != nil {
			return nil, err
		}
		s.WorkflowID = id
		out[id] = s
	}
	return out, rows.Err()
}

func (r *repository) GetUsageSummary(start, end time.Time) (*domain.UsageSummary, error) {
	summary := &domain.UsageSummary{Start: start, End: end}

	err := r.db.QueryRow(`SELECT COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0), COALESCE(SUM(cost_usd),0)
		FROM token_usage WHERE timestamp >= ? AND timestamp <= ?`, start.Unix(), end.Unix()).
		Scan(&summary.InputTokens, &summary.OutputTokens, &summary.TotalCostUSD)
	if err != nil {
		return nil, err
	}

	duration := end.Sub(start)
	prevStart := start.Add(-duration)
	err = r.db.QueryRow(`SELECT COALESCE(SUM(cost_usd),0) FROM token_usage WHERE timestamp >= ? AND timestamp < ?`,
		prevStart.Unix(), start.Unix()).Scan(&summary.PreviousCostUSD)
	if err != nil {
		return nil, err
	}

	err = r.db.QueryRow(`SELECT COUNT(*) FROM workflows WHERE status = ? AND completed_at >= ? AND completed_at <= ?`,
		string(domain.StatusCompleted), start.Unix(), end.Unix()).Scan(&summary.CompletedCount)
	if err != nil {
		return nil, err
	}

	err = r.db.QueryRow(`SELECT COUNT(*) FROM workflows WHERE status IN (?,?,?) AND completed_at >= ? AND completed_at <= ?`,
		string(domain.StatusCompleted), string(domain.StatusFailed), string(domain.StatusCancelled),
		start.Unix(), end.Unix()).Scan(&summary.TerminalCount)
	if err != nil {
		return nil, err
	}

	return summary, nil
}

func (r *repository) GetUsageTrend(start, end time.Time) ([]domain.UsageTrendPoint, error) {
	rows, err := r.db.Query(`SELECT date(timestamp, 'unixepoch') AS day, model, SUM(cost_usd)
		FROM token_usage WHERE timestamp >= ? AND timestamp <= ?
		GROUP BY day, model ORDER BY day ASC`, start.Unix(), end.Unix())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	byDay := make(map[string]map[string]float64)
	var order []string
	for rows.Next() {
		var day, model string
		var cost float64
		if err := rows.Scan(&day, &model, &cost); err != nil {
			return nil, err
		}
		if _, ok := byDay[day]; !ok {
			byDay[day] = make(map[string]float64)
			order = append(order, day)
		}
		byDay[day][model] = cost
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.UsageTrendPoint, 0, len(order))
	for _, day := range order {
		t, err := time.Parse("2006-01-02", day)
		if err != nil {
			return nil, err
		}
		point := domain.UsageTrendPoint{Date: t, CostByModel: byDay[day]}
		for _, c := range byDay[day] {
			point.TotalCost += c
		}
		out = append(out, point)
	}
	return out, nil
}

func (r *repository) GetUsageByModel(start, end time.Time) ([]domain.ModelUsage, error) {
	days := dailyBuckets(start, end)

	rows, err := r.db.Query(`SELECT model, date(timestamp, 'unixepoch') AS day, SUM(cost_usd)
		FROM token_usage WHERE timestamp >= ? AND timestamp <= ?
		GROUP BY model, day`, start.Unix(), end.Unix())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	byModel := make(map[string]map[string]float64)
	var modelOrder []string
	for rows.Next() {
		var model, day string
		var cost float64
		if err := rows.Scan(&model, &day, &cost); err != nil {
			return nil, err
		}
		if _, ok := byModel[model]; !ok {
			byModel[model] = make(map[string]float64)
			modelOrder = append(modelOrder, model)
		}
		byModel[model][day] = cost
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.ModelUsage, 0, len(modelOrder))
	for _, model := range modelOrder {
		mu := domain.ModelUsage{Model: model, DailyCosts: make([]float64, len(days))}
		for i, day := range days {
			c := byModel[model][day]
			mu.DailyCosts[i] = c
			mu.TotalCost += c
		}
		out = append(out, mu)
	}
	return out, nil
}

func dailyBuckets(start, end time.Time) []string {
	var days []string
	cur := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	last := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	for !cur.After(last) {
		days = append(days, cur.Format("2006-01-02"))
		cur = cur.AddDate(0, 0, 1)
	}
	return days
}

func (r *repository) Close() error {
	return nil
}
