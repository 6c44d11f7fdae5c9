// Package mock provides an in-memory graph.Executor for tests: a
// scriptable fake standing in for a real subprocess-driven dependency,
// with programmable interrupts and fault injection.
package mock

import (
	"context"
	"sync"

	"github.com/zjrosen/workflowcore/internal/graph"
)

// nodeSequence is the fixed stage order a real graph compiles to.
var nodeSequence = []string{"architect", "human_approval_node", "developer", "reviewer"}

// Executor is a reference graph.Executor: it walks a fixed node sequence,
// interrupting before any node named in InterruptBefore, and supports
// programmatic injection of a transient failure or a custom interrupt at a
// given node for retry/interrupt tests.
type Executor struct {
	mu sync.Mutex

	// InterruptBefore names the nodes to pause before, defaulting to
	// graph.InterruptBeforeNodes.
	InterruptBefore map[string]bool

	// FailOnce, if set, is returned as a stream error the first time the
	// named node is about to run; subsequent runs of the same thread
	// succeed. Used to test the orchestrator's retry policy.
	FailOnce map[string]error

	// checkpoints stores the last-seen state per thread ID, keyed by
	// ThreadID, simulating a real checkpoint store.
	checkpoints map[string]graph.State

	// resumeFrom records, per thread, which sequence index to resume from.
	resumeFrom map[string]int

	// failed tracks which (thread, node) pairs have already failed once.
	failed map[string]bool
}

// New constructs a mock Executor with default interrupt-before nodes.
func New() *Executor {
	interrupts := make(map[string]bool, len(graph.InterruptBeforeNodes))
	for _, n := range graph.InterruptBeforeNodes {
		interrupts[n] = true
	}
	return &Executor{
		InterruptBefore: interrupts,
		FailOnce:        make(map[string]error),
		checkpoints:     make(map[string]graph.State),
		resumeFrom:      make(map[string]int),
		failed:          make(map[string]bool),
	}
}

// Stream implements graph.Executor.
func (e *Executor) Stream(ctx context.Context, initialState graph.State, cfg graph.RunConfig) (<-chan graph.Chunk, <-chan error) {
	out := make(chan graph.Chunk)
	errCh := make(chan error, 1)

	e.mu.Lock()
	start := 0
	if initialState != nil {
		e.checkpoints[cfg.ThreadID] = initialState
		e.resumeFrom[cfg.ThreadID] = 0
	} else {
		start = e.resumeFrom[cfg.ThreadID]
	}
	e.mu.Unlock()

	go func() {
		defer close(out)
		defer close(errCh)

		for i := start; i < len(nodeSequence); i++ {
			node := nodeSequence[i]

			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			e.mu.Lock()
			failKey := cfg.ThreadID + ":" + node
			if failErr, ok := e.FailOnce[node]; ok && !e.failed[failKey] {
				e.failed[failKey] = true
				e.mu.Unlock()
				errCh <- failErr
				return
			}
			interrupt := e.InterruptBefore[node]
			e.mu.Unlock()

			if interrupt {
				e.mu.Lock()
				e.resumeFrom[cfg.ThreadID] = i + 1
				e.mu.Unlock()
				select {
				case out <- graph.Chunk{
					Interrupt: &graph.Interrupt{Gate: graph.GateKind(node)},
				}:
				case <-ctx.Done():
					errCh <- ctx.Err()
				}
				return
			}

			delta := deltaFor(node)
			select {
			case out <- graph.Chunk{NodeName: node, Delta: &delta}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}

		e.mu.Lock()
		e.resumeFrom[cfg.ThreadID] = len(nodeSequence)
		e.mu.Unlock()
	}()

	return out, errCh
}

// GetState implements graph.Executor.
func (e *Executor) GetState(ctx context.Context, cfg graph.RunConfig) (graph.StateSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := e.resumeFrom[cfg.ThreadID]
	var next []string
	if idx < len(nodeSequence) {
		next = []string{nodeSequence[idx]}
	}
	return graph.StateSnapshot{Values: e.checkpoints[cfg.ThreadID], Next: next}, nil
}

// UpdateState implements graph.Executor.
func (e *Executor) UpdateState(ctx context.Context, cfg graph.RunConfig, patch graph.State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	state := e.checkpoints[cfg.ThreadID]
	if state == nil {
		state = graph.State{}
	}
	for k, v := range patch {
		state[k] = v
	}
	e.checkpoints[cfg.ThreadID] = state
	return nil
}

func deltaFor(node string) graph.NodeDelta {
	switch node {
	case "architect":
		return graph.NodeDelta{
			Kind: graph.NodeDeltaArchitect,
			Architect: &graph.ArchitectDelta{
				Goal:      "implement the requested change",
				Markdown:  "## Plan\n1. Investigate\n2. Implement\n3. Test",
				KeyFiles:  []string{"main.go"},
				TaskCount: 3,
			},
		}
	case "developer":
		return graph.NodeDelta{
			Kind: graph.NodeDeltaDeveloper,
			Developer: &graph.DeveloperDelta{
				TaskID:  "task-1",
				Summary: "implemented task-1",
				Files:   []graph.FileChange{{Path: "main.go", Action: "modified"}},
			},
		}
	case "reviewer":
		return graph.NodeDelta{
			Kind: graph.NodeDeltaReviewer,
			Reviewer: &graph.ReviewerDelta{
				Approved: true,
				Summary:  "looks good",
			},
		}
	default:
		return graph.NodeDelta{Kind: graph.NodeDeltaUnknown, Raw: map[string]any{"node": node}}
	}
}

// Reset clears all fault injection and checkpoint state, useful between
// subtests that share an Executor.
func (e *Executor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkpoints = make(map[string]graph.State)
	e.resumeFrom = make(map[string]int)
	e.failed = make(map[string]bool)
}
