package orchestrator_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/workflowcore/internal/eventbus"
	"github.com/zjrosen/workflowcore/internal/graph"
	"github.com/zjrosen/workflowcore/internal/graph/mock"
	"github.com/zjrosen/workflowcore/internal/orchestrator"
	"github.com/zjrosen/workflowcore/internal/workflow/domain"
	"github.com/zjrosen/workflowcore/internal/workflow/sqlite"
)

type fakeResolver struct {
	profile domain.Profile
}

func (r fakeResolver) Resolve(id string) (domain.Profile, error) {
	return r.profile, nil
}

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflows.db")
	db, err := sqlite.NewDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db.Repository()
}

func newWorktree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))
	return dir
}

func newOrchestrator(repo domain.Repository, bus *eventbus.Bus, maxConcurrent int, opts ...orchestrator.Option) *orchestrator.Orchestrator {
	resolver := fakeResolver{profile: domain.Profile{
		ID:            "default",
		Driver:        "test",
		Model:         "test-model",
		RetryPolicy:   domain.RetryPolicy{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, MaxRetries: 2},
		MaxConcurrent: maxConcurrent,
	}}
	return orchestrator.New(repo, bus, resolver, mock.New(), maxConcurrent, opts...)
}

func collectEvents(bus *eventbus.Bus) (*[]*domain.Event, func()) {
	events := make([]*domain.Event, 0)
	ptr := &events
	id := bus.Subscribe(func(e *domain.Event) {
		*ptr = append(*ptr, e)
	})
	return ptr, func() { bus.Unsubscribe(id) }
}

func waitForStatus(t *testing.T, repo domain.Repository, workflowID string, status domain.Status) *domain.Workflow {
	t.Helper()
	var wf *domain.Workflow
	require.Eventually(t, func() bool {
		w, err := repo.Get(workflowID)
		if err != nil {
			return false
		}
		wf = w
		return w.Status() == status
	}, 2*time.Second, 5*time.Millisecond, "workflow never reached status %s", status)
	return wf
}

// TestOrchestrator_HappyPathWithApproval: start a workflow, it pauses for
// approval after the architect stage, approving it drives the graph to
// completion.
func TestOrchestrator_HappyPathWithApproval(t *testing.T) {
	repo := newTestRepo(t)
	bus := eventbus.New()
	events, unsub := collectEvents(bus)
	defer unsub()
	o := newOrchestrator(repo, bus, 0)

	wf, err := o.StartWorkflow("ISSUE-1", newWorktree(t), domain.WorkflowTypeFull, "default")
	require.NoError(t, err)

	waitForStatus(t, repo, wf.ID(), domain.StatusBlocked)

	require.NoError(t, o.ApproveWorkflow(wf.ID()))

	final := waitForStatus(t, repo, wf.ID(), domain.StatusCompleted)
	assert.Nil(t, final.FailureReason())

	var completedCount, approvalRequiredCount int
	for _, e := range *events {
		switch e.EventType() {
		case domain.EventWorkflowCompleted:
			completedCount++
		case domain.EventApprovalRequired:
			approvalRequiredCount++
		}
	}
	assert.Equal(t, 1, completedCount, "WORKFLOW_COMPLETED must fire exactly once")
	assert.Equal(t, 1, approvalRequiredCount)
}

// TestOrchestrator_WorktreeConflict covers scenario 2: a second workflow on
// an occupied worktree is rejected at admission.
func TestOrchestrator_WorktreeConflict(t *testing.T) {
	repo := newTestRepo(t)
	bus := eventbus.New()
	o := newOrchestrator(repo, bus, 0)

	worktree := newWorktree(t)
	_, err := o.StartWorkflow("ISSUE-1", worktree, domain.WorkflowTypeFull, "default")
	require.NoError(t, err)

	_, err = o.StartWorkflow("ISSUE-2", worktree, domain.WorkflowTypeFull, "default")
	var conflict *domain.WorktreeConflictError
	assert.ErrorAs(t, err, &conflict)
}

// TestOrchestrator_RetryThenSucceed covers scenario 3: a transient failure
// injected at the developer node is retried and the workflow completes.
func TestOrchestrator_RetryThenSucceed(t *testing.T) {
	repo := newTestRepo(t)
	bus := eventbus.New()
	resolver := fakeResolver{profile: domain.Profile{
		ID:          "default",
		RetryPolicy: domain.RetryPolicy{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, MaxRetries: 3},
	}}
	exec := mock.New()
	exec.FailOnce["developer"] = &orchestrator.TransientError{Err: errors.New("developer hiccup")}
	o := orchestrator.New(repo, bus, resolver, exec, 0)

	wf, err := o.StartWorkflow("ISSUE-1", newWorktree(t), domain.WorkflowTypeFull, "default")
	require.NoError(t, err)

	waitForStatus(t, repo, wf.ID(), domain.StatusBlocked)
	require.NoError(t, o.ApproveWorkflow(wf.ID()))

	final := waitForStatus(t, repo, wf.ID(), domain.StatusCompleted)
	assert.Equal(t, 0, final.ConsecutiveErrors(), "error counter resets after the retry succeeds")
}

// TestOrchestrator_Reject covers scenario 4: rejecting a blocked workflow
// fails it with the operator's feedback as the reason.
func TestOrchestrator_Reject(t *testing.T) {
	repo := newTestRepo(t)
	bus := eventbus.New()
	o := newOrchestrator(repo, bus, 0)

	wf, err := o.StartWorkflow("ISSUE-1", newWorktree(t), domain.WorkflowTypeFull, "default")
	require.NoError(t, err)

	waitForStatus(t, repo, wf.ID(), domain.StatusBlocked)
	require.NoError(t, o.RejectWorkflow(wf.ID(), "plan needs more detail"))

	final := waitForStatus(t, repo, wf.ID(), domain.StatusFailed)
	require.NotNil(t, final.FailureReason())
	assert.Equal(t, "plan needs more detail", *final.FailureReason())
}

// TestOrchestrator_ReconnectBackfill covers scenario 5: events persisted
// before a client connects are replayed in sequence order via the
// repository, matching what the Connection Fan-out's Backfill would
// deliver on reconnect.
func TestOrchestrator_ReconnectBackfill(t *testing.T) {
	repo := newTestRepo(t)
	bus := eventbus.New()
	o := newOrchestrator(repo, bus, 0)

	wf, err := o.StartWorkflow("ISSUE-1", newWorktree(t), domain.WorkflowTypeFull, "default")
	require.NoError(t, err)
	waitForStatus(t, repo, wf.ID(), domain.StatusBlocked)

	all, err := repo.GetRecentEvents(wf.ID(), 100)
	require.NoError(t, err)
	require.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		assert.Equal(t, all[i-1].Sequence()+1, all[i].Sequence(), "events must be sequence-contiguous")
	}

	// Backfill reads GetEventsAfter from the client's last seen event id.
	after, err := repo.GetEventsAfter(all[0].ID(), 100)
	require.NoError(t, err)
	require.Len(t, after, len(all)-1)
	for i, e := range after {
		assert.Equal(t, all[i+1].ID(), e.ID(), "backfill replays the same events in sequence order")
	}
}

// TestOrchestrator_CrashRecovery covers scenario 6: RecoverInterruptedWorkflows
// fails every in_progress row on startup and re-announces blocked ones.
func TestOrchestrator_CrashRecovery(t *testing.T) {
	repo := newTestRepo(t)
	bus := eventbus.New()
	events, unsub := collectEvents(bus)
	defer unsub()
	o := newOrchestrator(repo, bus, 0)

	stuck := domain.NewWorkflow("wf-stuck", "ISSUE-1", newWorktree(t), domain.WorkflowTypeFull, "default")
	stuck.ForceStatus(domain.StatusInProgress)
	require.NoError(t, repo.Create(stuck))

	blocked := domain.NewWorkflow("wf-blocked", "ISSUE-2", newWorktree(t), domain.WorkflowTypeFull, "default")
	blocked.ForceStatus(domain.StatusInProgress)
	require.NoError(t, repo.Create(blocked))
	require.NoError(t, repo.SetStatus(blocked.ID(), domain.StatusBlocked, nil))

	require.NoError(t, o.RecoverInterruptedWorkflows())

	gotStuck, err := repo.Get(stuck.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, gotStuck.Status())
	require.NotNil(t, gotStuck.FailureReason())
	assert.Equal(t, "Server restarted while workflow was running", *gotStuck.FailureReason())

	gotBlocked, err := repo.Get(blocked.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBlocked, gotBlocked.Status(), "blocked workflows are left alone")

	var sawApprovalRequiredForBlocked, sawFailedForStuck bool
	for _, e := range *events {
		if e.WorkflowID() == blocked.ID() && e.EventType() == domain.EventApprovalRequired {
			sawApprovalRequiredForBlocked = true
		}
		if e.WorkflowID() == stuck.ID() && e.EventType() == domain.EventWorkflowFailed {
			sawFailedForStuck = true
		}
	}
	assert.True(t, sawApprovalRequiredForBlocked)
	assert.True(t, sawFailedForStuck)
}

// TestOrchestrator_CancelWorkflow_Idempotence verifies cancelling an already
// terminal workflow is rejected rather than silently succeeding twice.
func TestOrchestrator_CancelWorkflow_Idempotence(t *testing.T) {
	repo := newTestRepo(t)
	bus := eventbus.New()
	o := newOrchestrator(repo, bus, 0)

	wf, err := o.StartWorkflow("ISSUE-1", newWorktree(t), domain.WorkflowTypeFull, "default")
	require.NoError(t, err)

	require.NoError(t, o.CancelWorkflow(wf.ID(), "operator cancelled"))
	waitForStatus(t, repo, wf.ID(), domain.StatusCancelled)

	err = o.CancelWorkflow(wf.ID(), "operator cancelled again")
	var invalid *domain.InvalidStateError
	assert.ErrorAs(t, err, &invalid)
}

// TestOrchestrator_ResumeWorkflow verifies resume_workflow's one documented
// exception to the terminal-states-are-sinks invariant: a failed workflow
// can be forced back to in_progress and re-driven to completion.
func TestOrchestrator_ResumeWorkflow(t *testing.T) {
	repo := newTestRepo(t)
	bus := eventbus.New()
	o := newOrchestrator(repo, bus, 0)

	wf, err := o.StartWorkflow("ISSUE-1", newWorktree(t), domain.WorkflowTypeFull, "default")
	require.NoError(t, err)
	waitForStatus(t, repo, wf.ID(), domain.StatusBlocked)
	require.NoError(t, o.RejectWorkflow(wf.ID(), "not ready"))
	waitForStatus(t, repo, wf.ID(), domain.StatusFailed)

	require.Eventually(t, func() bool {
		return o.ResumeWorkflow(wf.ID()) == nil
	}, 2*time.Second, 5*time.Millisecond, "resume should succeed once the rejected supervisor has fully exited")

	resumed := waitForStatus(t, repo, wf.ID(), domain.StatusCompleted)
	assert.Nil(t, resumed.FailureReason())
}

// TestOrchestrator_ConcurrencyLimit: admission refuses a second workflow
// once the active-task map is at the ceiling, with a typed error the REST
// layer can map to a 429.
func TestOrchestrator_ConcurrencyLimit(t *testing.T) {
	repo := newTestRepo(t)
	bus := eventbus.New()
	o := newOrchestrator(repo, bus, 1)

	_, err := o.StartWorkflow("ISSUE-1", newWorktree(t), domain.WorkflowTypeFull, "default")
	require.NoError(t, err)

	_, err = o.StartWorkflow("ISSUE-2", newWorktree(t), domain.WorkflowTypeFull, "default")
	var limit *domain.ConcurrencyLimitError
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, 1, limit.MaxConcurrent)
}

type denyAllPolicy struct{}

func (denyAllPolicy) Admit(issueID, worktreePath string, workflowType domain.WorkflowType, profileID string) error {
	return &domain.PolicyDeniedError{Reason: "maintenance window"}
}

// TestOrchestrator_AdmissionPolicyDenied: an installed policy hook can veto
// admission before any row is created.
func TestOrchestrator_AdmissionPolicyDenied(t *testing.T) {
	repo := newTestRepo(t)
	bus := eventbus.New()
	o := newOrchestrator(repo, bus, 0, orchestrator.WithAdmissionPolicy(denyAllPolicy{}))

	_, err := o.StartWorkflow("ISSUE-1", newWorktree(t), domain.WorkflowTypeFull, "default")
	var denied *domain.PolicyDeniedError
	require.ErrorAs(t, err, &denied)

	count, err := repo.CountWorkflows("", "")
	require.NoError(t, err)
	assert.Equal(t, 0, count, "a vetoed admission must not persist a row")
}

// TestOrchestrator_ResolveBlocker: resolving a gate patches the checkpoint
// with the chosen resolution string and resumes the graph to completion.
func TestOrchestrator_ResolveBlocker(t *testing.T) {
	repo := newTestRepo(t)
	bus := eventbus.New()
	resolver := fakeResolver{profile: domain.Profile{
		ID:          "default",
		RetryPolicy: domain.RetryPolicy{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, MaxRetries: 2},
	}}
	exec := mock.New()
	o := orchestrator.New(repo, bus, resolver, exec, 0)

	wf, err := o.StartWorkflow("ISSUE-1", newWorktree(t), domain.WorkflowTypeFull, "default")
	require.NoError(t, err)
	waitForStatus(t, repo, wf.ID(), domain.StatusBlocked)

	require.NoError(t, o.ResolveBlocker(wf.ID(), orchestrator.BlockerSkip, ""))
	waitForStatus(t, repo, wf.ID(), domain.StatusCompleted)

	snapshot, err := exec.GetState(context.Background(), graph.RunConfig{ThreadID: wf.ID()})
	require.NoError(t, err)
	assert.Equal(t, "skip", snapshot.Values["blocker_resolution"])
}

func TestOrchestrator_ResolveBlocker_UnknownAction(t *testing.T) {
	repo := newTestRepo(t)
	bus := eventbus.New()
	o := newOrchestrator(repo, bus, 0)

	wf, err := o.StartWorkflow("ISSUE-1", newWorktree(t), domain.WorkflowTypeFull, "default")
	require.NoError(t, err)
	waitForStatus(t, repo, wf.ID(), domain.StatusBlocked)

	err = o.ResolveBlocker(wf.ID(), orchestrator.BlockerAction("shrug"), "")
	var invalid *domain.ValidationError
	assert.ErrorAs(t, err, &invalid)
}

// TestOrchestrator_InterruptBeforeFirstNode: a graph that pauses before its
// very first node still lands the workflow in blocked, with no
// STAGE_COMPLETED recorded.
func TestOrchestrator_InterruptBeforeFirstNode(t *testing.T) {
	repo := newTestRepo(t)
	bus := eventbus.New()
	events, unsub := collectEvents(bus)
	defer unsub()
	resolver := fakeResolver{profile: domain.Profile{ID: "default"}}
	exec := mock.New()
	exec.InterruptBefore["architect"] = true
	o := orchestrator.New(repo, bus, resolver, exec, 0)

	wf, err := o.StartWorkflow("ISSUE-1", newWorktree(t), domain.WorkflowTypeFull, "default")
	require.NoError(t, err)
	waitForStatus(t, repo, wf.ID(), domain.StatusBlocked)

	for _, e := range *events {
		assert.NotEqual(t, domain.EventStageCompleted, e.EventType(),
			"no stage may complete before the first gate")
	}
}

// TestOrchestrator_PauseAndResumeShareCorrelationID: the APPROVAL_REQUIRED
// emitted at a gate and the APPROVAL_GRANTED that answers it carry the same
// correlation id, so clients can pair them.
func TestOrchestrator_PauseAndResumeShareCorrelationID(t *testing.T) {
	repo := newTestRepo(t)
	bus := eventbus.New()
	events, unsub := collectEvents(bus)
	defer unsub()
	o := newOrchestrator(repo, bus, 0)

	wf, err := o.StartWorkflow("ISSUE-1", newWorktree(t), domain.WorkflowTypeFull, "default")
	require.NoError(t, err)
	waitForStatus(t, repo, wf.ID(), domain.StatusBlocked)
	require.NoError(t, o.ApproveWorkflow(wf.ID()))
	waitForStatus(t, repo, wf.ID(), domain.StatusCompleted)

	var required, granted *domain.Event
	for _, e := range *events {
		switch e.EventType() {
		case domain.EventApprovalRequired:
			required = e
		case domain.EventApprovalGranted:
			granted = e
		}
	}
	require.NotNil(t, required)
	require.NotNil(t, granted)
	require.NotNil(t, required.CorrelationID())
	require.NotNil(t, granted.CorrelationID())
	assert.Equal(t, *required.CorrelationID(), *granted.CorrelationID())
}
