package orchestrator

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/workflowcore/internal/workflow/domain"
	"github.com/zjrosen/workflowcore/internal/workflow/sqlite"
)

func newSeqTestRepo(t *testing.T) domain.Repository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflows.db")
	db, err := sqlite.NewDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db.Repository()
}

// TestNextSequence_ContiguousUnderConcurrency is a property test of the
// per-workflow sequence lock: however many goroutines race to call
// nextSequence for the same workflow, the set of values handed out must be
// exactly {1, ..., n} with no gaps or repeats.
func TestNextSequence_ContiguousUnderConcurrency(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 50).Draw(rt, "n")

		repo := newSeqTestRepo(t)
		wf := domain.NewWorkflow(uuid.NewString(), "ISSUE-1", t.TempDir(), domain.WorkflowTypeFull, "default")
		require.NoError(t, repo.Create(wf))

		o := &Orchestrator{repo: repo}

		var wg sync.WaitGroup
		results := make([]int64, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				seq, err := o.nextSequence(wf.ID())
				require.NoError(rt, err)
				results[i] = seq
			}(i)
		}
		wg.Wait()

		seen := make(map[int64]bool, n)
		for _, s := range results {
			seen[s] = true
		}
		require.Len(rt, seen, n, "every assigned sequence must be unique")
		for i := int64(1); i <= int64(n); i++ {
			require.True(rt, seen[i], "sequence %d must have been assigned", i)
		}
	})
}

// TestNextSequence_SeedsFromExistingMax verifies a fresh seqState seeds from
// GetMaxEventSequence rather than starting at 1, so a workflow resumed from
// a crash continues its sequence rather than restarting it.
func TestNextSequence_SeedsFromExistingMax(t *testing.T) {
	repo := newSeqTestRepo(t)
	wf := domain.NewWorkflow(uuid.NewString(), "ISSUE-1", t.TempDir(), domain.WorkflowTypeFull, "default")
	require.NoError(t, repo.Create(wf))
	require.NoError(t, repo.SaveEvent(domain.NewEvent(uuid.NewString(), wf.ID(), 5, "system", domain.EventWorkflowStarted, "started", nil, nil)))

	o := &Orchestrator{repo: repo}
	seq, err := o.nextSequence(wf.ID())
	require.NoError(t, err)
	require.Equal(t, int64(6), seq)
}
