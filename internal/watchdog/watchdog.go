// Package watchdog is the worktree health watchdog:
// a periodic background loop that checks every active workflow's worktree
// is still a directory containing a .git entry, cancelling the workflow
// when it is not. The check is a liveness poll, not an edit-debounce:
// deleted worktrees are the interesting signal, not writes.
package watchdog

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zjrosen/workflowcore/internal/log"
)

// DefaultCheckInterval is how often worktrees are re-checked by default.
const DefaultCheckInterval = 30 * time.Second

// ActiveWorkflow is the minimal view the watchdog needs of a running
// workflow: its id (for cancellation) and the worktree path to check.
type ActiveWorkflow struct {
	WorkflowID   string
	WorktreePath string
}

// Canceller is the narrow slice of Orchestrator the watchdog depends on,
// so this package never imports the concrete orchestrator type.
type Canceller interface {
	CancelWorkflow(workflowID, reason string) error
}

// Lister supplies the current set of workflows the watchdog should check
// each tick. The orchestrator implements this over its active-task table.
type Lister interface {
	ActiveWorkflows() []ActiveWorkflow
}

// Watchdog periodically verifies active workflows' worktrees still exist.
type Watchdog struct {
	lister   Lister
	canceler Canceller
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
}

// Config holds watchdog configuration options.
type Config struct {
	CheckInterval time.Duration
}

// DefaultConfig returns sensible defaults for the watchdog.
func DefaultConfig() Config {
	return Config{CheckInterval: DefaultCheckInterval}
}

// New constructs a Watchdog. It does not start checking until Start is called.
func New(lister Lister, canceler Canceller, cfg Config) *Watchdog {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Watchdog{
		lister:   lister,
		canceler: canceler,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the periodic check loop in a background goroutine.
func (w *Watchdog) Start() {
	log.Info(log.CatWatchdog, "starting worktree health watchdog", "interval", w.interval.String())
	w.wg.Add(1)
	go w.loop()
}

// Stop terminates the watchdog and waits for the current tick (if any) to finish.
func (w *Watchdog) Stop() {
	close(w.done)
	w.wg.Wait()
}

func (w *Watchdog) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runCheck()
		case <-w.done:
			return
		}
	}
}

// runCheck dispatches one filesystem check per active workflow onto its
// own goroutine, keeping slow or network filesystems off the ticker
// goroutine, and waits for the round to finish before the next tick can
// start. A panic inside one workflow's check is recovered so it cannot
// take down the loop.
func (w *Watchdog) runCheck() {
	workflows := w.lister.ActiveWorkflows()
	var wg sync.WaitGroup
	wg.Add(len(workflows))
	for _, wf := range workflows {
		wf := wf
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error(log.CatWatchdog, "panic during worktree check", "workflow_id", wf.WorkflowID, "panic", r)
				}
			}()
			w.checkOne(wf)
		}()
	}
	wg.Wait()
}

func (w *Watchdog) checkOne(wf ActiveWorkflow) {
	if worktreeHealthy(wf.WorktreePath) {
		return
	}
	log.Warn(log.CatWatchdog, "worktree vanished, cancelling workflow", "workflow_id", wf.WorkflowID, "worktree", wf.WorktreePath)
	if err := w.canceler.CancelWorkflow(wf.WorkflowID, "Worktree directory no longer exists"); err != nil {
		log.ErrorErr(log.CatWatchdog, "failed to cancel workflow after worktree check", err, "workflow_id", wf.WorkflowID)
	}
}

// worktreeHealthy reports whether path exists, is a directory, and contains
// a .git entry.
func worktreeHealthy(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	_, err = os.Stat(filepath.Join(path, ".git"))
	return err == nil
}
