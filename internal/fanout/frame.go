package fanout

import (
	"time"

	"github.com/zjrosen/workflowcore/internal/workflow/domain"
)

// Domain routes a side-channel payload to the framing function that knows
// how to shape it for the wire. "workflow" is handled specially by
// Broadcast/BroadcastStream (it always wraps a *domain.Event); Domain and
// the Framer registry exist for everything else that rides this
// infrastructure (brainstorm sessions and future side channels).
type Domain string

const DomainWorkflow Domain = "workflow"

// Frame is a transport-agnostic server-to-client message. Payload is
// whatever shape the concrete frame is (an EventPayload, a
// SideChannelPayload, or a bare marker struct); the Connection
// implementation owns turning it into wire bytes.
type Frame struct {
	Type    string
	Payload any
}

// EventPayload is the wrapped shape for workflow-domain events:
// {type: "event", payload: <event>}.
type EventPayload struct {
	ID            string         `json:"id"`
	WorkflowID    string         `json:"workflow_id"`
	Sequence      int64          `json:"sequence"`
	Timestamp     time.Time      `json:"timestamp"`
	Agent         string         `json:"agent"`
	EventType     string         `json:"event_type"`
	Level         string         `json:"level"`
	Message       string         `json:"message"`
	Data          map[string]any `json:"data,omitempty"`
	IsError       bool           `json:"is_error"`
	CorrelationID *string        `json:"correlation_id,omitempty"`
}

func eventPayload(e *domain.Event) EventPayload {
	return EventPayload{
		ID:            e.ID(),
		WorkflowID:    e.WorkflowID(),
		Sequence:      e.Sequence(),
		Timestamp:     e.Timestamp(),
		Agent:         e.Agent(),
		EventType:     string(e.EventType()),
		Level:         string(e.Level()),
		Message:       e.Message(),
		Data:          e.Data(),
		IsError:       e.IsError(),
		CorrelationID: e.CorrelationID(),
	}
}

// eventFrame builds the wrapped workflow-domain frame.
func eventFrame(e *domain.Event) Frame {
	return Frame{Type: "event", Payload: eventPayload(e)}
}

// SideChannelEvent is the flat shape used by domains other than workflow
// (brainstorm and future side channels): {type: domain, event_type,
// session_id, message_id?, data, timestamp}.
type SideChannelEvent struct {
	Domain    Domain
	EventType string
	SessionID string
	MessageID *string
	Data      map[string]any
	Timestamp time.Time
}

// FramerFunc turns a SideChannelEvent into the wire Frame for its domain.
type FramerFunc func(SideChannelEvent) Frame

// defaultFramer produces the flat side-channel shape, used for any domain
// without a registered override.
func defaultFramer(e SideChannelEvent) Frame {
	return Frame{
		Type: string(e.Domain),
		Payload: struct {
			EventType string         `json:"event_type"`
			SessionID string         `json:"session_id"`
			MessageID *string        `json:"message_id,omitempty"`
			Data      map[string]any `json:"data,omitempty"`
			Timestamp time.Time      `json:"timestamp"`
		}{
			EventType: e.EventType,
			SessionID: e.SessionID,
			MessageID: e.MessageID,
			Data:      e.Data,
			Timestamp: e.Timestamp,
		},
	}
}

// backfillCompleteFrame and backfillExpiredFrame are the two markers sent
// at the end of a backfill attempt.
func backfillCompleteFrame(count int) Frame {
	return Frame{Type: "backfill_complete", Payload: struct {
		Count int `json:"count"`
	}{Count: count}}
}

func backfillExpiredFrame(message string) Frame {
	return Frame{Type: "backfill_expired", Payload: struct {
		Message string `json:"message"`
	}{Message: message}}
}
