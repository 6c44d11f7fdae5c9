package domain

import "time"

// EventType enumerates the kinds of observable occurrences within a
// workflow. The set is static and drives both persistence classification
// and level derivation.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowCancelled EventType = "workflow_cancelled"

	EventStageStarted   EventType = "stage_started"
	EventStageCompleted EventType = "stage_completed"

	EventApprovalRequired EventType = "approval_required"
	EventApprovalGranted  EventType = "approval_granted"
	EventApprovalRejected EventType = "approval_rejected"

	EventFileCreated  EventType = "file_created"
	EventFileModified EventType = "file_modified"
	EventFileDeleted  EventType = "file_deleted"

	EventReviewRequested  EventType = "review_requested"
	EventReviewCompleted  EventType = "review_completed"
	EventRevisionRequested EventType = "revision_requested"

	EventAgentMessage  EventType = "agent_message"
	EventTaskStarted   EventType = "task_started"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"

	EventSystemError   EventType = "system_error"
	EventSystemWarning EventType = "system_warning"

	// Stream-only: high-frequency trace-level payloads, never persisted.
	EventTraceToken       EventType = "trace_token"
	EventTraceToolCall     EventType = "trace_tool_call"
	EventTraceThinking     EventType = "trace_thinking"
	EventTraceSubAgentPing EventType = "trace_subagent_ping"
)

// persistedEventTypes is the static classification set consulted by
// SaveEvent; anything absent is stream-only and dropped on write.
var persistedEventTypes = map[EventType]bool{
	EventWorkflowStarted:   true,
	EventWorkflowCompleted: true,
	EventWorkflowFailed:    true,
	EventWorkflowCancelled: true,

	EventStageStarted:   true,
	EventStageCompleted: true,

	EventApprovalRequired: true,
	EventApprovalGranted:  true,
	EventApprovalRejected: true,

	EventFileCreated:  true,
	EventFileModified: true,
	EventFileDeleted:  true,

	EventReviewRequested:  true,
	EventReviewCompleted:  true,
	EventRevisionRequested: true,

	EventAgentMessage:  true,
	EventTaskStarted:   true,
	EventTaskCompleted: true,
	EventTaskFailed:    true,

	EventSystemError:   true,
	EventSystemWarning: true,
}

// IsPersisted reports whether events of type t are written to the durable
// log. Stream-only (trace-level) types return false.
func (t EventType) IsPersisted() bool {
	return persistedEventTypes[t]
}

// Level is the severity used to derive persistence and broadcast routing.
type Level string

const (
	LevelTrace   Level = "trace"
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// eventLevels is the fixed lookup table mapping an event type to its
// level.
var eventLevels = map[EventType]Level{
	EventWorkflowStarted:   LevelInfo,
	EventWorkflowCompleted: LevelInfo,
	EventWorkflowFailed:    LevelError,
	EventWorkflowCancelled: LevelWarning,

	EventStageStarted:   LevelInfo,
	EventStageCompleted: LevelInfo,

	EventApprovalRequired: LevelInfo,
	EventApprovalGranted:  LevelInfo,
	EventApprovalRejected: LevelWarning,

	EventFileCreated:  LevelDebug,
	EventFileModified: LevelDebug,
	EventFileDeleted:  LevelDebug,

	EventReviewRequested:  LevelInfo,
	EventReviewCompleted:  LevelInfo,
	EventRevisionRequested: LevelInfo,

	EventAgentMessage:  LevelDebug,
	EventTaskStarted:   LevelDebug,
	EventTaskCompleted: LevelDebug,
	EventTaskFailed:    LevelWarning,

	EventSystemError:   LevelError,
	EventSystemWarning: LevelWarning,

	EventTraceToken:       LevelTrace,
	EventTraceToolCall:     LevelTrace,
	EventTraceThinking:     LevelTrace,
	EventTraceSubAgentPing: LevelTrace,
}

// LevelFor derives the level for an event type from the fixed lookup table,
// defaulting to info for any type the table doesn't recognize.
func LevelFor(t EventType) Level {
	if l, ok := eventLevels[t]; ok {
		return l
	}
	return LevelInfo
}

// Event is one observable occurrence within a workflow. Events are
// append-only: never mutated after being written.
type Event struct {
	id            string
	workflowID    string
	sequence      int64
	timestamp     time.Time
	agent         string
	eventType     EventType
	level         Level
	message       string
	data          map[string]any
	isError       bool
	correlationID *string
}

// NewEvent constructs an Event with its level derived from eventType.
func NewEvent(id, workflowID string, sequence int64, agent string, eventType EventType, message string, data map[string]any, correlationID *string) *Event {
	return &Event{
		id:            id,
		workflowID:    workflowID,
		sequence:      sequence,
		timestamp:     time.Now().UTC(),
		agent:         agent,
		eventType:     eventType,
		level:         LevelFor(eventType),
		message:       message,
		data:          data,
		isError:       eventType == EventWorkflowFailed || eventType == EventSystemError || eventType == EventTaskFailed,
		correlationID: correlationID,
	}
}

// ReconstituteEvent rebuilds an Event from persisted field values.
func ReconstituteEvent(
	id, workflowID string,
	sequence int64,
	timestamp time.Time,
	agent string,
	eventType EventType,
	level Level,
	message string,
	data map[string]any,
	isError bool,
	correlationID *string,
) *Event {
	return &Event{
		id:            id,
		workflowID:    workflowID,
		sequence:      sequence,
		timestamp:     timestamp,
		agent:         agent,
		eventType:     eventType,
		level:         level,
		message:       message,
		data:          data,
		isError:       isError,
		correlationID: correlationID,
	}
}

func (e *Event) ID() string               { return e.id }
func (e *Event) WorkflowID() string       { return e.workflowID }
func (e *Event) Sequence() int64          { return e.sequence }
func (e *Event) Timestamp() time.Time     { return e.timestamp }
func (e *Event) Agent() string            { return e.agent }
func (e *Event) EventType() EventType     { return e.eventType }
func (e *Event) Level() Level             { return e.level }
func (e *Event) Message() string          { return e.message }
func (e *Event) Data() map[string]any     { return e.data }
func (e *Event) IsError() bool            { return e.isError }
func (e *Event) CorrelationID() *string   { return e.correlationID }
