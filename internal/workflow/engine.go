package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"camfleet/fleet-core/internal/executor"
	"camfleet/fleet-core/internal/metrics"
	"camfleet/fleet-core/internal/recordstore"
)

// ErrTimeout marks a task whose TTL elapsed before the device came online.
var ErrTimeout = errors.New("timed out waiting for device")

// Store is the record-store surface the engine needs.
type Store interface {
	GetDevice(ctx context.Context, id string) (*recordstore.Device, error)
	GetRunConfig(ctx context.Context, action, model string) (*recordstore.RunConfig, error)
	CreateTask(ctx context.Context, t *recordstore.Task) (*recordstore.Task, error)
	UpdateTask(ctx context.Context, id string, patch map[string]any) (*recordstore.Task, error)
	ListTasks(ctx context.Context, filter string) ([]recordstore.Task, error)
}

// Runner executes a command locally or on the device.
type Runner interface {
	Run(ctx context.Context, cmd executor.Command) (string, error)
}

// HealthcheckAction is the synthetic run-config name resolved for every task.
const HealthcheckAction = "healthcheck"

// Request is one inbound offline-action trigger.
type Request struct {
	DeviceID string
	Action   string
	Params   map[string]string
	TTL      *int // seconds; nil waits forever
	EventID  string
}

// Engine drives the durable offline-action pipeline: resolve device and
// command templates, poll the device until healthy or TTL expiry, then run the
// requested command. Every step boundary is persisted so the pipeline
// survives restarts.
type Engine struct {
	log          zerolog.Logger
	store        Store
	run          Runner
	pollInterval time.Duration
	metrics      *metrics.Metrics
	now          func() time.Time
	baseCtx      context.Context
}

func New(ctx context.Context, log zerolog.Logger, store Store, run Runner, m *metrics.Metrics) *Engine {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Engine{
		log:          log,
		store:        store,
		run:          run,
		pollInterval: 5 * time.Second,
		metrics:      m,
		now:          time.Now,
		baseCtx:      ctx,
	}
}

// Submit accepts a request and runs the workflow asynchronously. It returns
// the correlation event id immediately.
func (e *Engine) Submit(req Request) string {
	if req.EventID == "" {
		req.EventID = uuid.NewString()
	}
	go func() {
		if _, err := e.Execute(e.baseCtx, req); err != nil {
			e.log.Error().Err(err).
				Str("device", req.DeviceID).
				Str("action", req.Action).
				Str("event_id", req.EventID).
				Msg("offline action failed")
		}
	}()
	return req.EventID
}

// Execute creates the task record and drives it to a terminal state. The
// returned task reflects the final persisted state.
func (e *Engine) Execute(ctx context.Context, req Request) (*recordstore.Task, error) {
	if req.EventID == "" {
		req.EventID = uuid.NewString()
	}

	task, err := e.store.CreateTask(ctx, &recordstore.Task{
		InngestEventID: req.EventID,
		Device:         req.DeviceID,
		ActionName:     req.Action,
		Parameters:     req.Params,
		TTL:            req.TTL,
		Status:         recordstore.TaskPending,
		StartedAt:      e.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("create task record: %w", err)
	}

	if err := e.drive(ctx, task, req); err != nil {
		return task, err
	}
	return task, nil
}

// drive runs the step sequence against an existing task record. Steps are
// idempotent under re-execution: resolution steps are pure reads and step
// records are upserted by name.
func (e *Engine) drive(ctx context.Context, task *recordstore.Task, req Request) error {
	if task.Terminal() {
		return nil
	}

	task.Status = recordstore.TaskRunning
	e.patch(ctx, task, map[string]any{"status": recordstore.TaskRunning})

	// Step 1: getting-ready resolves the device and both command templates.
	// Any miss is fatal and never retried.
	e.stepStart(ctx, task, recordstore.StepGettingReady)
	device, runCfg, healthCfg, err := e.resolve(ctx, req)
	if err != nil {
		e.stepFinish(ctx, task, recordstore.StepGettingReady, recordstore.TaskFailed, err.Error(), nil)
		e.finalize(ctx, task, recordstore.TaskFailed, err.Error())
		return err
	}
	e.stepFinish(ctx, task, recordstore.StepGettingReady, recordstore.TaskCompleted, "", map[string]any{"success": true})

	params := substitutionParams(device, req.Params)

	// Step 2: waiting-for-device polls the healthcheck command until the
	// device answers true or the TTL runs out.
	e.stepStart(ctx, task, recordstore.StepWaitingForDevice)
	if err := e.waitForDevice(ctx, task, device, healthCfg, params); err != nil {
		if errors.Is(err, ErrTimeout) {
			msg := fmt.Sprintf("device %s did not become healthy within %d seconds", req.DeviceID, *task.TTL)
			e.stepFinish(ctx, task, recordstore.StepWaitingForDevice, recordstore.TaskTimeout, msg, nil)
			e.finalize(ctx, task, recordstore.TaskTimeout, msg)
		}
		// Context cancellation leaves the task at its last persisted step for
		// the resume sweep.
		return err
	}
	e.stepFinish(ctx, task, recordstore.StepWaitingForDevice, recordstore.TaskCompleted, "", map[string]any{"success": true})

	// Step 3: running-action executes the real command.
	e.stepStart(ctx, task, recordstore.StepRunningAction)
	line := executor.Substitute(runCfg.Command, params)
	output, err := e.run.Run(ctx, buildCommand(runCfg, device, line))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.stepFinish(ctx, task, recordstore.StepRunningAction, recordstore.TaskFailed, err.Error(), nil)
		e.finalize(ctx, task, recordstore.TaskFailed, err.Error())
		return err
	}
	e.stepFinish(ctx, task, recordstore.StepRunningAction, recordstore.TaskCompleted, "", map[string]any{
		"success": true,
		"output":  output,
	})

	e.finalize(ctx, task, recordstore.TaskCompleted, "")
	return nil
}

func (e *Engine) resolve(ctx context.Context, req Request) (*recordstore.Device, *recordstore.RunConfig, *recordstore.RunConfig, error) {
	device, err := e.store.GetDevice(ctx, req.DeviceID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("device %s: %w", req.DeviceID, err)
	}

	runCfg, err := e.store.GetRunConfig(ctx, req.Action, device.Model)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("action %q: %w", req.Action, err)
	}

	healthCfg, err := e.store.GetRunConfig(ctx, HealthcheckAction, device.Model)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("healthcheck for model %q: %w", device.Model, err)
	}

	return device, runCfg, healthCfg, nil
}

func (e *Engine) waitForDevice(ctx context.Context, task *recordstore.Task, device *recordstore.Device, healthCfg *recordstore.RunConfig, params map[string]string) error {
	line := executor.Substitute(healthCfg.Command, params)
	cmd := buildCommand(healthCfg, device, line)

	var deadline time.Time
	if task.TTL != nil {
		deadline = task.StartedAt.Add(time.Duration(*task.TTL) * time.Second)
	}

	for {
		out, err := e.run.Run(ctx, cmd)
		if err != nil {
			// Transient: the device is expected to be offline for a while.
			e.log.Debug().Err(err).Str("device", device.ID).Msg("healthcheck attempt failed")
		} else if executor.ParseBool(out) {
			return nil
		}

		if !deadline.IsZero() && !e.now().Before(deadline) {
			return ErrTimeout
		}

		timer := time.NewTimer(e.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// substitutionParams builds the $token values: deviceId, then the device's
// information blob, then request parameters, later sources winning.
func substitutionParams(device *recordstore.Device, reqParams map[string]string) map[string]string {
	params := map[string]string{"deviceId": device.ID}
	for k, v := range executor.Flatten(device.Information) {
		params[k] = v
	}
	for k, v := range reqParams {
		params[k] = v
	}
	return params
}

func buildCommand(cfg *recordstore.RunConfig, device *recordstore.Device, line string) executor.Command {
	cmd := executor.Command{Line: line, Target: cfg.Target}
	if cfg.Target == recordstore.TargetDevice {
		cmd.Host = device.InfoString("host")
		cmd.User = device.InfoString("user")
		cmd.Password = device.InfoString("password")
		if p, err := strconv.Atoi(device.InfoString("port")); err == nil {
			cmd.Port = p
		}
	}
	return cmd
}

// stepStart upserts the named step as running and marks it current.
func (e *Engine) stepStart(ctx context.Context, task *recordstore.Task, name string) {
	now := e.now()
	step := upsertStep(task, name)
	step.Status = recordstore.TaskRunning
	step.StartedAt = &now
	task.CurrentStep = name

	e.patch(ctx, task, map[string]any{
		"current_step": name,
		"steps":        task.Steps,
	})
}

// stepFinish stamps the named step with a terminal status.
func (e *Engine) stepFinish(ctx context.Context, task *recordstore.Task, name, status, errMsg string, result map[string]any) {
	now := e.now()
	step := upsertStep(task, name)
	step.Status = status
	step.CompletedAt = &now
	step.Error = errMsg
	step.Result = result

	e.patch(ctx, task, map[string]any{"steps": task.Steps})
}

// upsertStep finds or appends the step with the given name; steps are never
// duplicated.
func upsertStep(task *recordstore.Task, name string) *recordstore.TaskStep {
	for i := range task.Steps {
		if task.Steps[i].Name == name {
			return &task.Steps[i]
		}
	}
	task.Steps = append(task.Steps, recordstore.TaskStep{Name: name})
	return &task.Steps[len(task.Steps)-1]
}

// finalize moves the task to a terminal status exactly once.
func (e *Engine) finalize(ctx context.Context, task *recordstore.Task, status, errMsg string) {
	if task.Terminal() {
		return
	}
	now := e.now()
	task.Status = status
	task.CompletedAt = &now
	task.ErrorMessage = errMsg

	e.patch(ctx, task, map[string]any{
		"status":        status,
		"completed_at":  now,
		"error_message": errMsg,
		"steps":         task.Steps,
	})

	e.metrics.ObserveWorkflowTask(status, now.Sub(task.StartedAt))
	e.log.Info().
		Str("task", task.ID).
		Str("device", task.Device).
		Str("action", task.ActionName).
		Str("status", status).
		Msg("offline action finished")
}

// patch persists task state; a store glitch is logged but does not abort the
// workflow, the next boundary will write the full state again.
func (e *Engine) patch(ctx context.Context, task *recordstore.Task, fields map[string]any) {
	if _, err := e.store.UpdateTask(ctx, task.ID, fields); err != nil && ctx.Err() == nil {
		e.log.Warn().Err(err).Str("task", task.ID).Msg("task state write failed")
	}
}
