// Package orchestrator wires the Plan State Engine, Scheduler, Worker
// Supervisor, Registry, Event Bus, Push Server, and Control Adapter
// together into one running instance, and implements the pushserver.Backend
// and control.Handler seams those surfaces depend on.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/taskforge/orchestrator/internal/applog"
	"github.com/taskforge/orchestrator/internal/control"
	"github.com/taskforge/orchestrator/internal/eventbus"
	"github.com/taskforge/orchestrator/internal/gitadapter"
	"github.com/taskforge/orchestrator/internal/planmodel"
	"github.com/taskforge/orchestrator/internal/planparser"
	"github.com/taskforge/orchestrator/internal/pushserver"
	"github.com/taskforge/orchestrator/internal/registry"
	"github.com/taskforge/orchestrator/internal/statemodel"
	"github.com/taskforge/orchestrator/internal/supervisor"
	"github.com/taskforge/orchestrator/internal/worker"
)

// Options configures one Instance.
type Options struct {
	PlanPath      string
	OutputRoot    string
	ConfigRoot    string
	WorkDir       string
	WorkerBinary  string
	MaxParallel   int
	MaxIterations int
	TimeoutPerTaskSeconds int
	PhasePriority bool
}

// Instance is one running orchestrator: one supervised plan, plus read-only
// visibility into every other plan's status.json under OutputRoot.
type Instance struct {
	opts       Options
	plan       *planmodel.Plan
	model      *statemodel.Model
	bus        *eventbus.Bus
	sup        *supervisor.Supervisor
	registry   *registry.Registry
	git        gitadapter.Adapter
	log        applog.Logger
	instanceID string

	mu      sync.Mutex
	running bool
	started time.Time
	loopErr error
	cancel  context.CancelFunc
}

// New parses the plan at opts.PlanPath and prepares (but does not start)
// an Instance.
func New(opts Options) (*Instance, error) {
	plan, err := planparser.Parse(opts.PlanPath)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: parse plan: %w", err)
	}

	bus := eventbus.New()
	planDir := filepath.Join(opts.OutputRoot, plan.ID)
	if err := os.MkdirAll(planDir, 0o755); err != nil {
		return nil, fmt.Errorf("orchestrator: create output dir: %w", err)
	}
	model := statemodel.New(planDir, plan.ID, bus)

	inst := &Instance{
		opts:     opts,
		plan:     plan,
		model:    model,
		bus:      bus,
		registry: registry.New(opts.ConfigRoot),
		git:      gitadapter.New(),
		log:      applog.WithPlan(applog.For("orchestrator"), plan.ID),
	}
	return inst, nil
}

// Plan returns the parsed plan this instance supervises.
func (o *Instance) Plan() *planmodel.Plan { return o.plan }

// Bus returns the shared event bus, for wiring into the push server.
func (o *Instance) Bus() *eventbus.Bus { return o.bus }

// socketPath is the unix socket path this instance's control adapter binds,
// scoped by plan id so distinct plans never collide.
func (o *Instance) socketPath() string {
	return filepath.Join(o.opts.ConfigRoot, fmt.Sprintf("orchestrator-%s.sock", o.plan.ID))
}

// SocketPathForCLI exposes socketPath to cmd/orchestrator's root command,
// which binds the control.Server for this instance.
func (o *Instance) SocketPathForCLI() string { return o.socketPath() }

// GetCachedStatus returns the last status.json snapshot this instance wrote
// or loaded, for the CLI's end-of-run summary. Nil before the first load.
func (o *Instance) GetCachedStatus() *statemodel.Status { return o.model.Cached() }

// Start loads or initializes status.json, registers the instance, and
// launches the supervisor loop in the background. Returns
// *registry.AlreadyRunningError if another live instance already owns this
// plan.
func (o *Instance) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: already running")
	}
	o.mu.Unlock()

	if _, _, err := o.model.Load(ctx, o.plan); err != nil {
		if _, loadErr := o.model.Initialize(ctx, o.plan); loadErr != nil {
			return fmt.Errorf("orchestrator: initialize status: %w (after load error: %v)", loadErr, err)
		}
	}

	entry, err := o.registry.Register(ctx, o.plan.ID, o.socketPath())
	if err != nil {
		return err
	}
	o.instanceID = entry.InstanceID

	adapter := worker.NewProcessAdapter(o.opts.WorkerBinary)
	o.sup = supervisor.New(o.plan, o.model, o.bus, adapter, o.opts.WorkDir, supervisor.Options{
		MaxParallel:    o.opts.MaxParallel,
		MaxIterations:  o.opts.MaxIterations,
		TimeoutPerTask: time.Duration(o.opts.TimeoutPerTaskSeconds) * time.Second,
		PhasePriority:  o.opts.PhasePriority,
	})

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.running = true
	o.started = time.Now()
	o.mu.Unlock()

	go o.heartbeatLoop(runCtx)
	go func() {
		err := o.sup.Loop(runCtx)
		o.mu.Lock()
		o.running = false
		o.loopErr = err
		o.mu.Unlock()
		_ = o.registry.SetStatus(context.Background(), o.instanceID, registry.StatusStopped)
		if err != nil {
			o.log.Err().Err(err).Log("orchestrator.loop_exited_with_error")
			o.bus.Publish(eventbus.Event{
				Type:    "orchestrator.run_error",
				PlanID:  o.plan.ID,
				Payload: map[string]interface{}{"error": err.Error()},
			})
		} else {
			o.log.Info().Log("orchestrator.loop_complete")
			o.bus.Publish(eventbus.Event{Type: "orchestrator.run_complete", PlanID: o.plan.ID})
		}
	}()

	return nil
}

func (o *Instance) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(registry.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.registry.Heartbeat(context.Background(), o.instanceID); err != nil {
				o.log.Warning().Err(err).Log("orchestrator.heartbeat_failed")
			}
		}
	}
}

// Shutdown requests the supervisor loop stop (cancelling its context when
// force is set, otherwise asking it to stop after the current batch) and
// unregisters the instance. It does not wait for the loop to exit; the
// loop's own goroutine finishes asynchronously.
func (o *Instance) Shutdown(ctx context.Context, force bool) error {
	o.mu.Lock()
	running := o.running
	sup := o.sup
	cancel := o.cancel
	o.mu.Unlock()

	if !running || sup == nil {
		return nil
	}
	_ = o.registry.SetStatus(ctx, o.instanceID, registry.StatusStopping)
	if force {
		cancel()
	} else {
		sup.RequestShutdown()
	}
	_ = o.registry.Unregister(context.Background(), o.instanceID)
	return nil
}

// --- control.Handler ---

var _ control.Handler = (*Instance)(nil)

func (o *Instance) Status(ctx context.Context) (interface{}, error) {
	return o.model.Cached(), nil
}

func (o *Instance) Pause(ctx context.Context) error {
	o.mu.Lock()
	sup := o.sup
	o.mu.Unlock()
	if sup == nil {
		return fmt.Errorf("orchestrator: not running")
	}
	sup.Pause()
	return o.registry.SetStatus(ctx, o.instanceID, registry.StatusPaused)
}

func (o *Instance) Resume(ctx context.Context) error {
	o.mu.Lock()
	sup := o.sup
	o.mu.Unlock()
	if sup == nil {
		return fmt.Errorf("orchestrator: not running")
	}
	sup.Resume()
	return o.registry.SetStatus(ctx, o.instanceID, registry.StatusRunning)
}

func (o *Instance) SkipTask(ctx context.Context, taskID, reason string) error {
	_, err := o.model.UpdateTask(ctx, taskID, func(t *statemodel.TaskState) {
		t.Status = statemodel.StatusSkipped
		if reason != "" {
			t.Notes = &reason
		}
	})
	return err
}

func (o *Instance) RetryTask(ctx context.Context, taskID string) error {
	_, err := o.model.UpdateTask(ctx, taskID, func(t *statemodel.TaskState) {
		t.Status = statemodel.StatusPending
		t.RetryCount = 0
		t.LastError = nil
		t.StuckDetected = false
	})
	return err
}

// --- pushserver.Backend support (see backend.go for the PushBackend adapter) ---

func (o *Instance) ListPlans(ctx context.Context) ([]pushserver.PlanSummary, error) {
	entries, err := os.ReadDir(o.opts.OutputRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, pushserver.NewAPIError(pushserver.CodeInternalError, err.Error())
	}

	var out []pushserver.PlanSummary
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		status, err := o.readStatusFile(e.Name())
		if err != nil {
			continue
		}
		out = append(out, pushserver.PlanSummary{PlanID: status.PlanID, Summary: status.Summary})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanID < out[j].PlanID })
	return out, nil
}

func (o *Instance) readStatusFile(planID string) (*statemodel.Status, error) {
	if planID == o.plan.ID {
		if cached := o.model.Cached(); cached != nil {
			return cached, nil
		}
	}
	raw, err := os.ReadFile(filepath.Join(o.opts.OutputRoot, planID, "status.json"))
	if err != nil {
		return nil, err
	}
	var status statemodel.Status
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (o *Instance) requireActivePlan(planID string) error {
	if planID != o.plan.ID {
		return pushserver.NewAPIError(pushserver.CodePlanNotFound, fmt.Sprintf("plan %q is not managed by this instance", planID))
	}
	return nil
}

func (o *Instance) GetPlan(ctx context.Context, planID string) (*pushserver.PlanDetail, error) {
	status, err := o.readStatusFile(planID)
	if err != nil {
		return nil, pushserver.NewAPIError(pushserver.CodePlanNotFound, err.Error())
	}
	detail := &pushserver.PlanDetail{
		PlanID:       status.PlanID,
		PlanPath:     status.PlanPath,
		CurrentPhase: status.CurrentPhase,
		Summary:      status.Summary,
	}
	if planID == o.plan.ID {
		for _, ph := range o.plan.Phases {
			detail.Phases = append(detail.Phases, pushserver.PhaseDetail{
				Number: ph.Number, Title: ph.Title, TaskIDs: ph.TaskIDs,
			})
		}
	}
	return detail, nil
}

func (o *Instance) GetStatus(ctx context.Context, planID string) (*statemodel.Status, error) {
	status, err := o.readStatusFile(planID)
	if err != nil {
		return nil, pushserver.NewAPIError(pushserver.CodePlanNotFound, err.Error())
	}
	return status, nil
}

func (o *Instance) GetTasks(ctx context.Context, planID string) ([]*statemodel.TaskState, error) {
	status, err := o.readStatusFile(planID)
	if err != nil {
		return nil, pushserver.NewAPIError(pushserver.CodePlanNotFound, err.Error())
	}
	return status.Tasks, nil
}

func (o *Instance) GetFinding(ctx context.Context, planID, taskID string) ([]byte, error) {
	if err := o.requireActivePlan(planID); err != nil {
		return nil, err
	}
	path := filepath.Join(o.opts.OutputRoot, planID, "findings", taskID+".md")
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, pushserver.NewAPIError(pushserver.CodePlanNotFound, fmt.Sprintf("no finding recorded for task %q", taskID))
	}
	return content, nil
}

func (o *Instance) GetLogs(ctx context.Context, planID string, lines int) ([]string, error) {
	if err := o.requireActivePlan(planID); err != nil {
		return nil, err
	}
	// Logs are streamed live via the event bus (worker.stdout); this
	// endpoint is a best-effort tail of whatever the log sink retains.
	// No persistent log file is part of this spec's scope beyond the
	// live event stream, so an empty slice is a valid (if unhelpful)
	// response rather than an error.
	return nil, nil
}

func (o *Instance) StartPlan(ctx context.Context, planID string, opts pushserver.StartOptions) error {
	if err := o.requireActivePlan(planID); err != nil {
		return err
	}
	if err := o.Start(ctx); err != nil {
		var already *registry.AlreadyRunningError
		if isAlreadyRunning(err, &already) {
			return pushserver.NewAPIError(pushserver.CodeAlreadyRunning, err.Error())
		}
		return pushserver.NewAPIError(pushserver.CodeStartFailed, err.Error())
	}
	return nil
}

func (o *Instance) StopPlan(ctx context.Context, planID string, force bool) error {
	if err := o.requireActivePlan(planID); err != nil {
		return err
	}
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()
	if !running {
		return pushserver.NewAPIError(pushserver.CodeNotRunning, "orchestrator is not running for this plan")
	}
	if err := o.Shutdown(ctx, force); err != nil {
		return pushserver.NewAPIError(pushserver.CodeStopFailed, err.Error())
	}
	return nil
}

func (o *Instance) PausePlan(ctx context.Context, planID string) error {
	if err := o.requireActivePlan(planID); err != nil {
		return err
	}
	return o.Pause(ctx)
}

func (o *Instance) ResumePlan(ctx context.Context, planID string) error {
	if err := o.requireActivePlan(planID); err != nil {
		return err
	}
	return o.Resume(ctx)
}

func (o *Instance) Resources(ctx context.Context) (interface{}, error) {
	type resourceInfo struct {
		WorkDir          string `json:"work_dir"`
		CurrentBranch    string `json:"current_branch"`
		HasUncommitted   bool   `json:"has_uncommitted_changes"`
	}
	branch, err := o.git.CurrentBranch(ctx, o.opts.WorkDir)
	if err != nil {
		branch = ""
	}
	dirty, _ := o.git.HasUncommittedChanges(ctx, o.opts.WorkDir)
	return resourceInfo{WorkDir: o.opts.WorkDir, CurrentBranch: branch, HasUncommitted: dirty}, nil
}

func (o *Instance) Worktrees(ctx context.Context) (interface{}, error) {
	type worktreeInfo struct {
		Path   string `json:"path"`
		Branch string `json:"branch"`
	}
	branch, err := o.git.CurrentBranch(ctx, o.opts.WorkDir)
	if err != nil {
		return []worktreeInfo{}, nil
	}
	return []worktreeInfo{{Path: o.opts.WorkDir, Branch: branch}}, nil
}

func isAlreadyRunning(err error, target **registry.AlreadyRunningError) bool {
	for err != nil {
		if ar, ok := err.(*registry.AlreadyRunningError); ok {
			*target = ar
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
