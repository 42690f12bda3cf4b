package slotcheck

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"camfleet/fleet-core/internal/executor"
	"camfleet/fleet-core/internal/metrics"
	"camfleet/fleet-core/internal/recordstore"
)

// SlotCheckAction is the run-config name of the device-supplied slot probe.
const SlotCheckAction = "slot-check"

// Store is the record-store surface the checker needs.
type Store interface {
	ListDevices(ctx context.Context, filter string) ([]recordstore.Device, error)
	GetRunConfig(ctx context.Context, action, model string) (*recordstore.RunConfig, error)
	UpdateDevice(ctx context.Context, id string, patch map[string]any) (*recordstore.Device, error)
}

// Runner executes a command locally or on the device.
type Runner interface {
	Run(ctx context.Context, cmd executor.Command) (string, error)
}

// Checker probes the active uplink slot of every dual-uplink device and fails
// over to the alternate slot when the active one is unhealthy and the
// alternate is not.
type Checker struct {
	log      zerolog.Logger
	store    Store
	run      Runner
	interval time.Duration
	metrics  *metrics.Metrics
}

func New(log zerolog.Logger, store Store, run Runner, interval time.Duration, m *metrics.Metrics) *Checker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Checker{log: log, store: store, run: run, interval: interval, metrics: m}
}

// Run loops until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce checks all eligible devices concurrently. One device's failure
// never blocks or fails the others.
func (c *Checker) RunOnce(ctx context.Context) {
	filter := `information.autoSlotSwitch = true && information.secondSlotHost != ""`
	devices, err := c.store.ListDevices(ctx, filter)
	if err != nil {
		c.log.Error().Err(err).Msg("slot check: list devices failed")
		return
	}

	var wg sync.WaitGroup
	for i := range devices {
		d := devices[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.checkDevice(ctx, &d); err != nil {
				c.log.Error().Err(err).Str("device", d.ID).Msg("slot check failed")
			}
		}()
	}
	wg.Wait()
}

func (c *Checker) checkDevice(ctx context.Context, d *recordstore.Device) error {
	cfg, err := c.store.GetRunConfig(ctx, SlotCheckAction, d.Model)
	if err != nil {
		return fmt.Errorf("resolve %s action: %w", SlotCheckAction, err)
	}

	active := d.ActiveSlot()
	if c.probeSlot(ctx, d, cfg, active) {
		return nil
	}

	alternate := recordstore.SlotPrimary
	if active == recordstore.SlotPrimary {
		alternate = recordstore.SlotSecondary
	}

	if !c.probeSlot(ctx, d, cfg, alternate) {
		// Never flap onto an unverified slot.
		c.log.Warn().
			Str("device", d.ID).
			Str("active", active).
			Msg("both uplink slots unhealthy, leaving active slot unchanged")
		return nil
	}

	info := make(map[string]any, len(d.Information)+1)
	for k, v := range d.Information {
		info[k] = v
	}
	info["activeSlot"] = alternate
	if _, err := c.store.UpdateDevice(ctx, d.ID, map[string]any{"information": info}); err != nil {
		return fmt.Errorf("switch active slot: %w", err)
	}

	c.metrics.IncSlotSwitch()
	c.log.Info().
		Str("device", d.ID).
		Str("from", active).
		Str("to", alternate).
		Msg("uplink slot switched")
	return nil
}

// probeSlot runs the slot-check command against the given slot's host and
// interprets the output as a boolean. Execution errors count as unhealthy.
func (c *Checker) probeSlot(ctx context.Context, d *recordstore.Device, cfg *recordstore.RunConfig, slot string) bool {
	host := d.SlotHost(slot)
	if host == "" {
		return false
	}

	params := map[string]string{"deviceId": d.ID}
	for k, v := range executor.Flatten(d.Information) {
		params[k] = v
	}
	params["host"] = host

	cmd := executor.Command{
		Line:   executor.Substitute(cfg.Command, params),
		Target: cfg.Target,
	}
	if cfg.Target == recordstore.TargetDevice {
		cmd.Host = host
		cmd.User = d.InfoString("user")
		cmd.Password = d.InfoString("password")
		if p, err := strconv.Atoi(d.InfoString("port")); err == nil {
			cmd.Port = p
		}
	}

	out, err := c.run.Run(ctx, cmd)
	if err != nil {
		c.log.Debug().Err(err).Str("device", d.ID).Str("slot", slot).Msg("slot probe failed")
		return false
	}
	return executor.ParseBool(out)
}
