package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/taskforge/orchestrator/internal/display"
	"github.com/taskforge/orchestrator/internal/eventbus"
	"github.com/taskforge/orchestrator/internal/orchestrator"
	"github.com/taskforge/orchestrator/internal/statemodel"
)

// renderEvents subscribes to inst's event bus and renders task transitions,
// worker output, and run-level notices to the terminal via d, until ctx is
// cancelled. This is the terminal-facing counterpart to the push server,
// which streams the same bus to HTTP/WS clients.
func renderEvents(ctx context.Context, d *display.Display, inst *orchestrator.Instance) {
	sub := inst.Bus().Subscribe(eventbus.ForPlan(inst.Plan().ID))
	defer inst.Bus().Unsubscribe(sub)

	iteration := 0
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			renderEvent(d, inst, &iteration, event)
		}
	}
}

func renderEvent(d *display.Display, inst *orchestrator.Instance, iteration *int, event eventbus.Event) {
	switch event.Type {
	case "batch.started":
		*iteration++
		total, completed := 0, 0
		if status := inst.GetCachedStatus(); status != nil {
			total = status.Summary.Total
			completed = status.Summary.Completed
		}
		d.BatchHeader(*iteration, event.PlanID, completed, total)

	case "task.status_changed":
		renderTaskStatusChanged(d, inst, event)

	case "worker.stdout":
		taskID, _ := event.Payload["task_id"].(string)
		line, _ := event.Payload["line"].(string)
		d.WorkerOutput(taskID, line)

	case "task.stuck_swept":
		count, _ := event.Payload["count"].(int)
		d.Warning(fmt.Sprintf("marked %d stuck task(s) failed", count))

	case "recovery.rebuilt":
		d.Info("recovery", "status.json missing or unusable, rebuilt from plan")

	case "recovery.from_backup":
		d.Warning("status.json corrupt, restored from backup")

	case "summary.fixed":
		d.Info("recovery", "summary counters drifted, corrected")

	case "orchestrator.paused":
		d.Warning("execution paused")

	case "orchestrator.shutdown":
		d.Info("shutdown", "stopping after the current batch")

	case "orchestrator.max_iterations_reached":
		max, _ := event.Payload["max"].(int)
		d.MaxIterations(max)

	case "orchestrator.run_complete":
		d.Success("run complete")

	case "orchestrator.run_error":
		errMsg, _ := event.Payload["error"].(string)
		d.Error(fmt.Sprintf("run exited with error: %s", errMsg))

	case "bus.dropped":
		count, _ := event.Payload["count"].(int)
		d.Warning(fmt.Sprintf("dropped %d event(s) under backlog", count))
	}
}

// renderTaskStatusChanged renders the terminal-state transitions published by
// statemodel.Model.UpdateTask; in_progress/completed/failed/skipped each have
// a dedicated Display method, looked up against the task's description (for
// the start line) or its current TaskState (for duration/error/reason).
func renderTaskStatusChanged(d *display.Display, inst *orchestrator.Instance, event eventbus.Event) {
	taskID, _ := event.Payload["task_id"].(string)
	status, _ := event.Payload["status"].(string)

	switch statemodel.TaskStatus(status) {
	case statemodel.StatusInProgress:
		description := ""
		if task, ok := inst.Plan().Task(taskID); ok {
			description = task.Description
		}
		d.TaskStarted(taskID, description)

	case statemodel.StatusCompleted:
		var dur time.Duration
		if s := inst.GetCachedStatus(); s != nil {
			if ts, ok := s.Task(taskID); ok && ts.DurationMS != nil {
				dur = time.Duration(*ts.DurationMS) * time.Millisecond
			}
		}
		d.TaskCompleted(taskID, dur)

	case statemodel.StatusFailed:
		errMsg := ""
		if s := inst.GetCachedStatus(); s != nil {
			if ts, ok := s.Task(taskID); ok && ts.LastError != nil {
				errMsg = *ts.LastError
			}
		}
		d.TaskFailed(taskID, display.Truncate(errMsg, 200))

	case statemodel.StatusSkipped:
		reason := ""
		if s := inst.GetCachedStatus(); s != nil {
			if ts, ok := s.Task(taskID); ok && ts.Notes != nil {
				reason = *ts.Notes
			}
		}
		d.TaskSkipped(taskID, display.Truncate(reason, 200))

	case statemodel.StatusPending:
		if s := inst.GetCachedStatus(); s != nil {
			if ts, ok := s.Task(taskID); ok {
				d.Warning(fmt.Sprintf("%s: retrying (attempt %d)", taskID, ts.RetryCount))
			}
		}
	}
}
