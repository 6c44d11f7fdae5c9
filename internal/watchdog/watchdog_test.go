package watchdog_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/workflowcore/internal/watchdog"
)

type fakeLister struct {
	mu        sync.Mutex
	workflows []watchdog.ActiveWorkflow
}

func (l *fakeLister) ActiveWorkflows() []watchdog.ActiveWorkflow {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]watchdog.ActiveWorkflow, len(l.workflows))
	copy(out, l.workflows)
	return out
}

func (l *fakeLister) set(workflows []watchdog.ActiveWorkflow) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.workflows = workflows
}

type fakeCanceler struct {
	mu        sync.Mutex
	cancelled map[string]string
}

func newFakeCanceler() *fakeCanceler {
	return &fakeCanceler{cancelled: make(map[string]string)}
}

func (c *fakeCanceler) CancelWorkflow(workflowID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled[workflowID] = reason
	return nil
}

func (c *fakeCanceler) wasCancelled(workflowID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reason, ok := c.cancelled[workflowID]
	return reason, ok
}

func setupWorktree(t *testing.T) string {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))
	return dir
}

func TestWatchdog_HealthyWorktreeIsNotCancelled(t *testing.T) {
	dir := setupWorktree(t)
	lister := &fakeLister{workflows: []watchdog.ActiveWorkflow{{WorkflowID: "wf-1", WorktreePath: dir}}}
	canceler := newFakeCanceler()

	w := watchdog.New(lister, canceler, watchdog.Config{CheckInterval: 10 * time.Millisecond})
	w.Start()
	time.Sleep(40 * time.Millisecond)
	w.Stop()

	_, cancelled := canceler.wasCancelled("wf-1")
	assert.False(t, cancelled)
}

func TestWatchdog_VanishedWorktreeCancelsWorkflow(t *testing.T) {
	dir := setupWorktree(t)
	lister := &fakeLister{workflows: []watchdog.ActiveWorkflow{{WorkflowID: "wf-1", WorktreePath: dir}}}
	canceler := newFakeCanceler()

	w := watchdog.New(lister, canceler, watchdog.Config{CheckInterval: 10 * time.Millisecond})
	w.Start()
	require.NoError(t, os.RemoveAll(dir))

	require.Eventually(t, func() bool {
		_, ok := canceler.wasCancelled("wf-1")
		return ok
	}, time.Second, 5*time.Millisecond)

	w.Stop()
	reason, _ := canceler.wasCancelled("wf-1")
	assert.Equal(t, "Worktree directory no longer exists", reason)
}

func TestWatchdog_WorktreeMissingGitDirIsUnhealthy(t *testing.T) {
	dir := t.TempDir() // no .git subdirectory
	lister := &fakeLister{workflows: []watchdog.ActiveWorkflow{{WorkflowID: "wf-2", WorktreePath: dir}}}
	canceler := newFakeCanceler()

	w := watchdog.New(lister, canceler, watchdog.Config{CheckInterval: 10 * time.Millisecond})
	w.Start()

	require.Eventually(t, func() bool {
		_, ok := canceler.wasCancelled("wf-2")
		return ok
	}, time.Second, 5*time.Millisecond)

	w.Stop()
}

func TestWatchdog_StopTerminatesLoopPromptly(t *testing.T) {
	lister := &fakeLister{}
	canceler := newFakeCanceler()
	w := watchdog.New(lister, canceler, watchdog.Config{CheckInterval: time.Hour})
	w.Start()

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return promptly")
	}
}

func TestWatchdog_MultipleWorkflowsCheckedIndependently(t *testing.T) {
	healthyDir := setupWorktree(t)
	goneDir := setupWorktree(t)
	lister := &fakeLister{workflows: []watchdog.ActiveWorkflow{
		{WorkflowID: "healthy", WorktreePath: healthyDir},
		{WorkflowID: "gone", WorktreePath: goneDir},
	}}
	canceler := newFakeCanceler()

	w := watchdog.New(lister, canceler, watchdog.Config{CheckInterval: 10 * time.Millisecond})
	w.Start()
	require.NoError(t, os.RemoveAll(goneDir))

	require.Eventually(t, func() bool {
		_, ok := canceler.wasCancelled("gone")
		return ok
	}, time.Second, 5*time.Millisecond)

	w.Stop()
	_, healthyCancelled := canceler.wasCancelled("healthy")
	assert.False(t, healthyCancelled)
}
