package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"camfleet/fleet-core/internal/metrics"
	"camfleet/fleet-core/internal/recordstore"
)

// Phase identifies one half of an automation job pair.
type Phase string

const (
	PhaseOn  Phase = "on"
	PhaseOff Phase = "off"
)

// ErrNoJobs is returned when an operation targets a device with no installed
// job pair.
var ErrNoJobs = errors.New("no automation jobs for device")

// Store is the minimal record-store interface the scheduler needs.
type Store interface {
	GetDevice(ctx context.Context, id string) (*recordstore.Device, error)
}

// ModeSetter flips a device into an operating mode.
type ModeSetter interface {
	SetMode(ctx context.Context, deviceID, mode string) error
}

// Reconcile runs one status reconciliation pass. The scheduler triggers it
// after every job fire so observed connectivity catches up with mode changes.
type Reconcile func(ctx context.Context)

type jobKey struct {
	DeviceID string
	Phase    Phase
}

type job struct {
	schedule Schedule
	cancel   context.CancelFunc // non-nil while running
}

// Scheduler owns the named, cancellable, recurring automation timers. One
// instance exists per process; all access goes through its methods.
type Scheduler struct {
	log       zerolog.Logger
	store     Store
	modes     ModeSetter
	reconcile Reconcile
	metrics   *metrics.Metrics
	now       func() time.Time
	baseCtx   context.Context

	mu   sync.Mutex
	jobs map[jobKey]*job
	wg   sync.WaitGroup
}

// New creates the scheduler. Job goroutines are children of ctx; cancelling it
// stops every running job.
func New(ctx context.Context, log zerolog.Logger, store Store, modes ModeSetter, reconcile Reconcile, m *metrics.Metrics) *Scheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Scheduler{
		log:       log,
		store:     store,
		modes:     modes,
		reconcile: reconcile,
		metrics:   m,
		now:       time.Now,
		baseCtx:   ctx,
		jobs:      make(map[jobKey]*job),
	}
}

// CreateJob validates the automation config and installs a stopped on/off job
// pair for the device. An existing pair is replaced, never duplicated.
func (s *Scheduler) CreateJob(deviceID string, auto *recordstore.DeviceAutomation) error {
	onSched, offSched, err := SchedulesFor(auto)
	if err != nil {
		return fmt.Errorf("automation config for %s rejected: %w", deviceID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(deviceID)
	s.jobs[jobKey{DeviceID: deviceID, Phase: PhaseOn}] = &job{schedule: onSched}
	s.jobs[jobKey{DeviceID: deviceID, Phase: PhaseOff}] = &job{schedule: offSched}

	s.log.Info().Str("device", deviceID).Str("type", auto.AutomationType).Msg("automation jobs installed")
	return nil
}

// StartJobs starts both jobs of the pair. Either both start (already-running
// jobs count as started) or an error is returned and nothing changes.
func (s *Scheduler) StartJobs(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	onKey := jobKey{DeviceID: deviceID, Phase: PhaseOn}
	offKey := jobKey{DeviceID: deviceID, Phase: PhaseOff}
	onJob, okOn := s.jobs[onKey]
	offJob, okOff := s.jobs[offKey]
	if !okOn || !okOff {
		return fmt.Errorf("start jobs for %s: %w", deviceID, ErrNoJobs)
	}

	s.startLocked(onKey, onJob)
	s.startLocked(offKey, offJob)
	return nil
}

func (s *Scheduler) startLocked(key jobKey, j *job) {
	if j.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	j.cancel = cancel
	s.wg.Add(1)
	go s.runJob(ctx, key, j.schedule)
}

// StopJobs stops both jobs of the pair without removing them.
func (s *Scheduler) StopJobs(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	onJob, okOn := s.jobs[jobKey{DeviceID: deviceID, Phase: PhaseOn}]
	offJob, okOff := s.jobs[jobKey{DeviceID: deviceID, Phase: PhaseOff}]
	if !okOn || !okOff {
		return fmt.Errorf("stop jobs for %s: %w", deviceID, ErrNoJobs)
	}

	stopJob(onJob)
	stopJob(offJob)
	return nil
}

// DeleteJobs stops and removes the pair.
func (s *Scheduler) DeleteJobs(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobKey{DeviceID: deviceID, Phase: PhaseOn}]; !ok {
		return fmt.Errorf("delete jobs for %s: %w", deviceID, ErrNoJobs)
	}
	s.removeLocked(deviceID)
	return nil
}

func (s *Scheduler) removeLocked(deviceID string) {
	for _, phase := range []Phase{PhaseOn, PhaseOff} {
		key := jobKey{DeviceID: deviceID, Phase: phase}
		if j, ok := s.jobs[key]; ok {
			stopJob(j)
			delete(s.jobs, key)
		}
	}
}

func stopJob(j *job) {
	if j.cancel != nil {
		j.cancel()
		j.cancel = nil
	}
}

// JobStatus reports "running" if either sub-job runs, else "stopped".
func (s *Scheduler) JobStatus(deviceID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	onJob, okOn := s.jobs[jobKey{DeviceID: deviceID, Phase: PhaseOn}]
	offJob, okOff := s.jobs[jobKey{DeviceID: deviceID, Phase: PhaseOff}]
	if !okOn && !okOff {
		return "", fmt.Errorf("job status for %s: %w", deviceID, ErrNoJobs)
	}
	if (okOn && onJob.cancel != nil) || (okOff && offJob.cancel != nil) {
		return "running", nil
	}
	return "stopped", nil
}

// NextExecution returns the earlier of the pair's next fire times and which
// phase will fire. A computation that cannot produce a future time degrades to
// now+1m for the on job and now+2m for the off job.
func (s *Scheduler) NextExecution(deviceID string) (time.Time, Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var best time.Time
	var bestPhase Phase

	for _, phase := range []Phase{PhaseOn, PhaseOff} {
		j, ok := s.jobs[jobKey{DeviceID: deviceID, Phase: phase}]
		if !ok {
			continue
		}
		next := j.schedule.Next(now)
		if next.IsZero() || !next.After(now) {
			if phase == PhaseOn {
				next = now.Add(time.Minute)
			} else {
				next = now.Add(2 * time.Minute)
			}
		}
		if best.IsZero() || next.Before(best) {
			best = next
			bestPhase = phase
		}
	}

	if best.IsZero() {
		return time.Time{}, "", fmt.Errorf("next execution for %s: %w", deviceID, ErrNoJobs)
	}
	return best, bestPhase, nil
}

// Stop cancels every running job and waits for their goroutines to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for _, j := range s.jobs {
		stopJob(j)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) runJob(ctx context.Context, key jobKey, sched Schedule) {
	defer s.wg.Done()

	for {
		next := sched.Next(s.now())
		if next.IsZero() {
			s.log.Error().
				Str("device", key.DeviceID).
				Str("phase", string(key.Phase)).
				Msg("schedule has no future fire time, job going dormant")
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.fire(ctx, key)
	}
}

// fire runs one job callback. Errors (and panics) stop here so the timer loop
// keeps firing.
func (s *Scheduler) fire(ctx context.Context, key jobKey) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Str("device", key.DeviceID).
				Str("phase", string(key.Phase)).
				Interface("panic", r).
				Msg("automation fire panicked")
		}
	}()

	err := s.fireOnce(ctx, key)
	s.metrics.IncSchedulerFire(string(key.Phase), err == nil)
	if err != nil {
		s.log.Error().Err(err).
			Str("device", key.DeviceID).
			Str("phase", string(key.Phase)).
			Msg("automation fire failed")
		return
	}

	s.log.Info().
		Str("device", key.DeviceID).
		Str("phase", string(key.Phase)).
		Msg("automation fired")

	if s.reconcile != nil {
		s.reconcile(ctx)
	}
}

func (s *Scheduler) fireOnce(ctx context.Context, key jobKey) error {
	callCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	// Always reload: configuration and automation may have changed since the
	// job was created.
	dev, err := s.store.GetDevice(callCtx, key.DeviceID)
	if err != nil {
		return fmt.Errorf("reload device: %w", err)
	}
	if dev.Configuration == nil {
		return fmt.Errorf("device %s has no configuration", key.DeviceID)
	}
	if dev.Automation == nil {
		return fmt.Errorf("device %s has no automation config", key.DeviceID)
	}

	mode := dev.Automation.On.Mode
	if key.Phase == PhaseOff {
		mode = dev.Automation.Off.Mode
	}
	if mode == "" {
		return fmt.Errorf("device %s has no %s mode configured", key.DeviceID, key.Phase)
	}

	if err := s.modes.SetMode(callCtx, key.DeviceID, mode); err != nil {
		return fmt.Errorf("set mode %q: %w", mode, err)
	}
	return nil
}
