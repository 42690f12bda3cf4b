package workflow

import (
	"context"
	"fmt"
	"time"

	"camfleet/fleet-core/internal/recordstore"
)

// ResumeInterrupted re-drives tasks the previous process left open. Tasks
// whose TTL already elapsed are closed as timeouts; the rest run through the
// normal step sequence, which is idempotent.
func (e *Engine) ResumeInterrupted(ctx context.Context) error {
	filter := fmt.Sprintf("status = %s || status = %s",
		recordstore.Quote(recordstore.TaskRunning), recordstore.Quote(recordstore.TaskPending))
	tasks, err := e.store.ListTasks(ctx, filter)
	if err != nil {
		return fmt.Errorf("list interrupted tasks: %w", err)
	}

	for i := range tasks {
		task := tasks[i]

		if task.TTL != nil {
			deadline := task.StartedAt.Add(time.Duration(*task.TTL) * time.Second)
			if !e.now().Before(deadline) {
				msg := fmt.Sprintf("device %s did not become healthy within %d seconds", task.Device, *task.TTL)
				e.finalize(ctx, &task, recordstore.TaskTimeout, msg)
				continue
			}
		}

		e.log.Info().
			Str("task", task.ID).
			Str("device", task.Device).
			Str("action", task.ActionName).
			Msg("resuming interrupted task")

		req := Request{
			DeviceID: task.Device,
			Action:   task.ActionName,
			Params:   task.Parameters,
			TTL:      task.TTL,
			EventID:  task.InngestEventID,
		}
		go func(t recordstore.Task) {
			if err := e.drive(e.baseCtx, &t, req); err != nil {
				e.log.Error().Err(err).Str("task", t.ID).Msg("resumed task failed")
			}
		}(task)
	}
	return nil
}
