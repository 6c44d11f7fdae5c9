// Package orchestrator is the per-workflow task supervisor: admission,
// the lifecycle state machine, the graph drive loop, approval gating, the
// retry policy, and cancellation/crash-recovery. It depends only on the
// domain.Repository and graph.Executor interfaces, never on a concrete
// storage or executor implementation.
package orchestrator

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/workflowcore/internal/graph"
	"github.com/zjrosen/workflowcore/internal/log"
	"github.com/zjrosen/workflowcore/internal/tracing"
	"github.com/zjrosen/workflowcore/internal/workflow/domain"
)

// EventEmitter is the narrow interface the Orchestrator needs from the
// Event Bus: persist-and-fan-out a single event. Declaring it here instead
// of importing eventbus keeps the Orchestrator ignorant of bus internals,
// the same inversion eventbus.Fanout applies to the Connection Fan-out.
type EventEmitter interface {
	Emit(e *domain.Event)
}

type activeTask struct {
	workflowID   string
	worktreePath string
	cancel       context.CancelFunc
	done         chan struct{}
	resumeCh     chan resumeRequest

	// pauseCorrelationID groups an APPROVAL_REQUIRED event with the
	// granted/rejected event that answers it. Only the supervisor goroutine
	// touches it (handleInterrupt sets, applyResume consumes), so no lock.
	pauseCorrelationID *string
}

type seqState struct {
	mu     sync.Mutex
	next   int64
	seeded bool
}

// Orchestrator supervises every active workflow: one goroutine per
// workflow drives the graph executor, with admission, approval gating,
// retries, and recovery layered around it.
type Orchestrator struct {
	repo       domain.Repository
	bus        EventEmitter
	profiles   domain.ProfileResolver
	executor   graph.Executor
	classifier RetryClassifier
	policy     AdmissionPolicy
	tracer     trace.Tracer

	maxConcurrent int

	startMu    sync.Mutex
	byWorktree map[string]*activeTask
	byWorkflow map[string]*activeTask
	wg         sync.WaitGroup

	approvalMu sync.Mutex

	seqStates sync.Map // workflow id -> *seqState
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithRetryClassifier overrides the default transient-error classifier.
func WithRetryClassifier(c RetryClassifier) Option {
	return func(o *Orchestrator) { o.classifier = c }
}

// AdmissionPolicy is an optional external veto consulted before a workflow
// row is created. Returning an error (typically *domain.PolicyDeniedError)
// rejects the admission; the orchestrator propagates it unchanged.
type AdmissionPolicy interface {
	Admit(issueID, worktreePath string, workflowType domain.WorkflowType, profileID string) error
}

// WithAdmissionPolicy installs an admission veto hook.
func WithAdmissionPolicy(p AdmissionPolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithTracer attaches a tracer for admission/supervisor spans. Without it,
// spans go to a package-level no-op tracer and are not recorded.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// New constructs an Orchestrator. maxConcurrent <= 0 means unlimited.
func New(repo domain.Repository, bus EventEmitter, profiles domain.ProfileResolver, executor graph.Executor, maxConcurrent int, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:          repo,
		bus:           bus,
		profiles:      profiles,
		executor:      executor,
		classifier:    defaultClassifier{},
		maxConcurrent: maxConcurrent,
		byWorktree:    make(map[string]*activeTask),
		byWorkflow:    make(map[string]*activeTask),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) lookupTask(workflowID string) (*activeTask, bool) {
	o.startMu.Lock()
	defer o.startMu.Unlock()
	t, ok := o.byWorkflow[workflowID]
	return t, ok
}

// StartWorkflow validates the worktree, checks for a worktree conflict and
// the concurrency ceiling under the start lock, persists the row, and
// spawns the workflow's supervisor goroutine. The row is created with
// status pending; only the supervisor itself moves it to in_progress once
// it actually begins iterating the graph stream.
func (o *Orchestrator) StartWorkflow(issueID, worktreePath string, workflowType domain.WorkflowType, profileID string) (*domain.Workflow, error) {
	ctx, span := o.startSpan(context.Background(), tracing.SpanPrefixOrchestrator, tracing.SpanKindAdmission, "",
		attribute.String(tracing.AttrIssueID, issueID),
		attribute.String(tracing.AttrProfileID, profileID),
		attribute.String(tracing.AttrWorkflowType, string(workflowType)),
		attribute.String(tracing.AttrWorktreePath, worktreePath))
	var err error
	defer func() { endSpan(span, err) }()

	if err = validateIssueID(issueID); err != nil {
		return nil, err
	}
	var canon string
	canon, err = canonicalizeWorktree(worktreePath)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String(tracing.AttrWorktreePath, canon))

	if o.policy != nil {
		if err = o.policy.Admit(issueID, canon, workflowType, profileID); err != nil {
			span.AddEvent(tracing.EventAdmissionRejected)
			return nil, err
		}
	}

	o.startMu.Lock()
	if _, exists := o.byWorktree[canon]; exists {
		o.startMu.Unlock()
		err = &domain.WorktreeConflictError{WorktreePath: canon}
		span.AddEvent(tracing.EventAdmissionRejected)
		return nil, err
	}
	if o.maxConcurrent > 0 && len(o.byWorktree) >= o.maxConcurrent {
		o.startMu.Unlock()
		err = &domain.ConcurrencyLimitError{MaxConcurrent: o.maxConcurrent}
		span.AddEvent(tracing.EventAdmissionRejected)
		return nil, err
	}

	var profile domain.Profile
	profile, err = o.profiles.Resolve(profileID)
	if err != nil {
		o.startMu.Unlock()
		return nil, err
	}

	// The repository surfaces its active-worktree uniqueness violation as a
	// WorktreeConflictError, covering the race against rows that predate
	// this process (crash recovery) and so have no in-memory task entry.
	wf := domain.NewWorkflow(uuid.NewString(), issueID, canon, workflowType, profileID)
	if err = o.withRepoSpan(ctx, "Create", wf.ID(), func() error { return o.repo.Create(wf) }); err != nil {
		o.startMu.Unlock()
		return nil, err
	}

	task := o.registerTask(canon, wf.ID())
	o.startMu.Unlock()
	span.SetAttributes(attribute.String(tracing.AttrWorkflowID, wf.ID()))
	span.AddEvent(tracing.EventAdmissionAccepted)

	log.Info(log.CatOrch, "workflow admitted", "workflow_id", wf.ID(), "worktree", canon)
	taskCtx, cancel := context.WithCancel(context.Background())
	task.cancel = cancel
	o.spawnSupervisor(taskCtx, task, profile, o.runSupervisor)

	return wf, nil
}

// registerTask allocates and registers a new activeTask under the start
// lock (caller must hold o.startMu). The returned task's cancel field is
// set by the caller once the context is built, since context creation
// shouldn't happen while holding the lock.
func (o *Orchestrator) registerTask(worktreePath, workflowID string) *activeTask {
	task := &activeTask{
		workflowID:   workflowID,
		worktreePath: worktreePath,
		done:         make(chan struct{}),
		resumeCh:     make(chan resumeRequest),
	}
	o.byWorktree[worktreePath] = task
	o.byWorkflow[workflowID] = task
	o.wg.Add(1)
	return task
}

func (o *Orchestrator) spawnSupervisor(ctx context.Context, task *activeTask, profile domain.Profile, run func(context.Context, *activeTask, domain.Profile)) {
	log.SafeGo(log.CatOrch, "supervisor", func() {
		defer o.wg.Done()
		defer close(task.done)
		defer o.dropTask(task)
		run(ctx, task, profile)
	})
}

func (o *Orchestrator) dropTask(task *activeTask) {
	o.startMu.Lock()
	if o.byWorktree[task.worktreePath] == task {
		delete(o.byWorktree, task.worktreePath)
	}
	if o.byWorkflow[task.workflowID] == task {
		delete(o.byWorkflow, task.workflowID)
	}
	o.startMu.Unlock()
	o.seqStates.Delete(task.workflowID)
}

// emit assigns the next sequence under the per-workflow lock, builds the
// Event, persists it (subject to classification inside SaveEvent), and
// hands it to the bus. Persistence precedes broadcast so a client notified
// over a connection is guaranteed to find the event in the durable log.
func (o *Orchestrator) emit(workflowID string, eventType domain.EventType, message, agent string, data map[string]any, correlationID *string) {
	seq, err := o.nextSequence(workflowID)
	if err != nil {
		log.ErrorErr(log.CatOrch, "emit: sequence assignment failed", err, "workflow_id", workflowID)
		return
	}
	e := domain.NewEvent(uuid.NewString(), workflowID, seq, agent, eventType, message, data, correlationID)
	if err := o.withRepoSpan(context.Background(), "SaveEvent", workflowID, func() error { return o.repo.SaveEvent(e) }); err != nil {
		log.ErrorErr(log.CatOrch, "emit: save_event failed", err, "workflow_id", workflowID, "event_type", string(eventType))
	}
	o.bus.Emit(e)
}

// nextSequence hands out the next per-workflow sequence number. The
// per-workflow counter state is created lazily via sync.Map's atomic
// LoadOrStore and seeded from the durable log's max on first use, so
// sequences stay contiguous across supervisor restarts.
func (o *Orchestrator) nextSequence(workflowID string) (int64, error) {
	v, _ := o.seqStates.LoadOrStore(workflowID, &seqState{})
	st := v.(*seqState)

	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.seeded {
		max, err := o.repo.GetMaxEventSequence(workflowID)
		if err != nil {
			return 0, err
		}
		st.next = max + 1
		st.seeded = true
	}
	seq := st.next
	st.next++
	return seq, nil
}

func (o *Orchestrator) buildInitialState(wf *domain.Workflow) graph.State {
	state := graph.State{
		"workflow_id":   wf.ID(),
		"issue_id":      wf.IssueID(),
		"worktree_path": wf.WorktreePath(),
		"workflow_type": string(wf.WorkflowType()),
	}
	if cache := wf.IssueCache(); cache != nil {
		state["issue_cache"] = cache
	}
	for k, v := range wf.ExecutionState() {
		state[k] = v
	}
	return state
}
