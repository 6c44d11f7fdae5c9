package domain

import "time"

// TokenUsage is one record per agent invocation, used for cost accounting
// and usage aggregation.
type TokenUsage struct {
	id                  string
	workflowID          string
	agent               string
	model               string
	inputTokens         int64
	outputTokens        int64
	cacheReadTokens     int64
	cacheCreationTokens int64
	costUSD             float64
	durationMs          int64
	numTurns            int
	timestamp           time.Time
}

// NewTokenUsage constructs a TokenUsage record, stamping the current time.
func NewTokenUsage(id, workflowID, agent, model string, inputTokens, outputTokens, cacheReadTokens, cacheCreationTokens int64, costUSD float64, durationMs int64, numTurns int) *TokenUsage {
	return &TokenUsage{
		id:                  id,
		workflowID:          workflowID,
		agent:               agent,
		model:               model,
		inputTokens:         inputTokens,
		outputTokens:        outputTokens,
		cacheReadTokens:     cacheReadTokens,
		cacheCreationTokens: cacheCreationTokens,
		costUSD:             costUSD,
		durationMs:          durationMs,
		numTurns:            numTurns,
		timestamp:           time.Now().UTC(),
	}
}

// ReconstituteTokenUsage rebuilds a TokenUsage record from persisted values.
func ReconstituteTokenUsage(id, workflowID, agent, model string, inputTokens, outputTokens, cacheReadTokens, cacheCreationTokens int64, costUSD float64, durationMs int64, numTurns int, timestamp time.Time) *TokenUsage {
	return &TokenUsage{
		id:                  id,
		workflowID:          workflowID,
		agent:               agent,
		model:               model,
		inputTokens:         inputTokens,
		outputTokens:        outputTokens,
		cacheReadTokens:     cacheReadTokens,
		cacheCreationTokens: cacheCreationTokens,
		costUSD:             costUSD,
		durationMs:          durationMs,
		numTurns:            numTurns,
		timestamp:           timestamp,
	}
}

func (u *TokenUsage) ID() string                  { return u.id }
func (u *TokenUsage) WorkflowID() string          { return u.workflowID }
func (u *TokenUsage) Agent() string                { return u.agent }
func (u *TokenUsage) Model() string                { return u.model }
func (u *TokenUsage) InputTokens() int64           { return u.inputTokens }
func (u *TokenUsage) OutputTokens() int64          { return u.outputTokens }
func (u *TokenUsage) CacheReadTokens() int64       { return u.cacheReadTokens }
func (u *TokenUsage) CacheCreationTokens() int64   { return u.cacheCreationTokens }
func (u *TokenUsage) CostUSD() float64             { return u.costUSD }
func (u *TokenUsage) DurationMs() int64            { return u.durationMs }
func (u *TokenUsage) NumTurns() int                { return u.numTurns }
func (u *TokenUsage) Timestamp() time.Time         { return u.timestamp }

// TokenSummary aggregates TokenUsage records for a single workflow.
type TokenSummary struct {
	WorkflowID          string
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	TotalCostUSD        float64
	RecordCount         int
}

// SummarizeTokenUsage folds a slice of TokenUsage records for one workflow
// into a TokenSummary. Returns nil when there are no records, so callers
// can distinguish "no usage yet" from an all-zero summary.
func SummarizeTokenUsage(workflowID string, records []*TokenUsage) *TokenSummary {
	if len(records) == 0 {
		return nil
	}
	s := &TokenSummary{WorkflowID: workflowID}
	for _, r := range records {
		s.InputTokens += r.InputTokens()
		s.OutputTokens += r.OutputTokens()
		s.CacheReadTokens += r.CacheReadTokens()
		s.CacheCreationTokens += r.CacheCreationTokens()
		s.TotalCostUSD += r.CostUSD()
	}
	s.RecordCount = len(records)
	return s
}
