// Package tracing holds the shared span vocabulary for the orchestration
// core: attribute keys, span kinds, name prefixes, and span event names.
// The orchestrator emits these through whatever trace.Tracer the caller
// injects (orchestrator.WithTracer); building the provider and choosing an
// exporter is the embedding application's job.
package tracing

// Span attribute keys.
const (
	// Workflow attributes
	AttrWorkflowID   = "workflow.id"
	AttrWorkflowType = "workflow.type"
	AttrIssueID      = "issue.id"
	AttrProfileID    = "profile.id"

	// Status attributes, recorded on status-write spans.
	AttrStatusFrom = "status.from"
	AttrStatusTo   = "status.to"

	// Worktree attributes
	AttrWorktreePath = "worktree.path"

	// Graph executor attributes
	AttrNodeName = "node.name"

	// Retry attributes
	AttrRetryAttempt = "retry.attempt"
	AttrRetryDelayMs = "retry.delay_ms"
)

// Span kinds, appended to a prefix to form the span name.
const (
	SpanKindAdmission  = "admission"
	SpanKindSupervisor = "supervisor"
	SpanKindNode       = "node"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixOrchestrator = "orchestrator."
	SpanPrefixRepo         = "repo."
)

// Event names for span events.
const (
	EventAdmissionAccepted = "admission.accepted"
	EventAdmissionRejected = "admission.rejected"
	EventRetryScheduled    = "retry.scheduled"
)
