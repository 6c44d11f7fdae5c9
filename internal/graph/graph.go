// Package graph defines the contract the orchestrator uses to drive the
// external agent graph executor (architect -> human_approval -> developer ->
// reviewer), without depending on any concrete graph implementation.
//
// A Chunk is a tagged union over the two shapes the executor's stream can
// produce: a NodeUpdate (a node finished and produced a state delta) or an
// Interrupt (the graph paused before a gate node). NodeDelta is itself a
// tagged union over the per-agent payload kinds the orchestrator knows how
// to translate into events; an Unknown kind is tolerated so a new stage type
// added to the graph doesn't break an older orchestrator build.
package graph

import "context"

// NodeDeltaKind discriminates the payload carried by a NodeDelta.
type NodeDeltaKind string

const (
	NodeDeltaArchitect NodeDeltaKind = "architect"
	NodeDeltaDeveloper NodeDeltaKind = "developer"
	NodeDeltaReviewer  NodeDeltaKind = "reviewer"
	NodeDeltaUnknown   NodeDeltaKind = "unknown"
)

// ArchitectDelta carries the plan summary produced by the architect stage.
type ArchitectDelta struct {
	Goal      string
	Markdown  string
	KeyFiles  []string
	TaskCount int
}

// DeveloperDelta carries one step's task result produced by the developer stage.
type DeveloperDelta struct {
	TaskID  string
	Summary string
	Files   []FileChange
}

// FileChange describes one artifact touched by the developer stage.
type FileChange struct {
	Path   string
	Action string // "created", "modified", "deleted"
}

// ReviewerDelta carries the review summary produced by the reviewer stage.
type ReviewerDelta struct {
	Approved bool
	Summary  string
	Findings []string
}

// NodeDelta is the tagged-union payload attached to a NodeUpdate chunk.
// Exactly one of the typed fields is populated, selected by Kind. An
// executor emitting a stage this build doesn't recognize sets Kind to
// NodeDeltaUnknown and leaves Raw populated; callers must tolerate it.
type NodeDelta struct {
	Kind      NodeDeltaKind
	Architect *ArchitectDelta
	Developer *DeveloperDelta
	Reviewer  *ReviewerDelta
	Raw       map[string]any
}

// BlockerPayload describes the current blocker presented at the
// blocker_resolution_node gate.
type BlockerPayload struct {
	Description string
	Context     map[string]any
}

// GateKind identifies which interrupt_before node a graph paused at.
type GateKind string

const (
	GateHumanApproval    GateKind = "human_approval_node"
	GateBatchApproval    GateKind = "batch_approval_node"
	GateBlockerResolution GateKind = "blocker_resolution_node"
)

// Interrupt carries the payload of an "__interrupt__" chunk.
type Interrupt struct {
	Gate    GateKind
	Blocker *BlockerPayload
}

// Chunk is one item from Executor.Stream: either a node update or an
// interrupt, never both.
type Chunk struct {
	NodeName string
	Delta    *NodeDelta
	Interrupt *Interrupt
}

// IsInterrupt reports whether this chunk is an interrupt marker rather than
// a node update.
func (c Chunk) IsInterrupt() bool {
	return c.Interrupt != nil
}

// State is the JSON-serializable graph state exchanged with the executor.
// The checkpoint store cannot serialize live in-memory object graphs, so the
// orchestrator converts its typed workflow state to this shape before
// invoking Stream; checkpoint stores serialize it, so values must be
// plain JSON-encodable data, never live objects.
type State map[string]any

// RunConfig identifies the checkpoint thread a Stream/GetState/UpdateState
// call operates against.
type RunConfig struct {
	ThreadID string
}

// StateSnapshot is the result of Executor.GetState.
type StateSnapshot struct {
	Values State
	Next   []string
}

// Executor is the contract the orchestrator depends on. Any
// implementation meeting this shape suffices; the orchestrator treats it as
// opaque aside from the Chunk/NodeDelta tagged unions above.
type Executor interface {
	// Stream runs the graph from initialState, or resumes from the last
	// checkpoint for cfg.ThreadID when initialState is nil. The returned
	// channel is closed when the stream ends (completion or interrupt);
	// ctx cancellation stops the stream and closes the channel.
	Stream(ctx context.Context, initialState State, cfg RunConfig) (<-chan Chunk, <-chan error)

	// GetState reads the current checkpointed state for cfg.ThreadID.
	GetState(ctx context.Context, cfg RunConfig) (StateSnapshot, error)

	// UpdateState merges patch into the checkpointed state for
	// cfg.ThreadID, used to inject human_approved/blocker_resolution.
	UpdateState(ctx context.Context, cfg RunConfig, patch State) error
}

// InterruptBeforeNodes is the fixed set of human-gate nodes the graph is
// compiled to pause before.
var InterruptBeforeNodes = []string{
	string(GateHumanApproval),
	string(GateBatchApproval),
	string(GateBlockerResolution),
}
