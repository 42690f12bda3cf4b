package recordstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Collection names as they exist in the record store.
const (
	CollectionDevices    = "devices"
	CollectionTasks      = "tasks"
	CollectionRunConfigs = "runs"
)

// Device statuses derived from the path registry.
const (
	StatusOn      = "on"
	StatusWaiting = "waiting"
	StatusOff     = "off"
)

// Slot identifiers for dual-uplink devices.
const (
	SlotPrimary   = "primary"
	SlotSecondary = "secondary"
)

type Device struct {
	ID            string            `json:"id"`
	Model         string            `json:"model"`
	Configuration map[string]any    `json:"configuration"`
	Information   map[string]any    `json:"information"`
	Mode          string            `json:"mode"`
	Status        string            `json:"status"`
	Automation    *DeviceAutomation `json:"automation,omitempty"`
}

// StreamName returns the device's stream-path name from its configuration blob.
func (d *Device) StreamName() string {
	if d == nil || d.Configuration == nil {
		return ""
	}
	if v, ok := d.Configuration["name"]; ok {
		return strings.TrimSpace(fmt.Sprint(v))
	}
	return ""
}

// InfoString reads a string-ish value from the free-form information blob.
func (d *Device) InfoString(key string) string {
	if d == nil || d.Information == nil {
		return ""
	}
	v, ok := d.Information[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// InfoBool interprets an information field as a boolean. It accepts native
// booleans and "true"/"false" strings.
func (d *Device) InfoBool(key string) bool {
	if d == nil || d.Information == nil {
		return false
	}
	switch v := d.Information[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	default:
		return false
	}
}

// ActiveSlot returns the currently active uplink slot, defaulting to primary.
func (d *Device) ActiveSlot() string {
	if d.InfoString("activeSlot") == SlotSecondary {
		return SlotSecondary
	}
	return SlotPrimary
}

// SlotHost resolves the host used to reach the device through the given slot.
func (d *Device) SlotHost(slot string) string {
	if slot == SlotSecondary {
		return d.InfoString("secondSlotHost")
	}
	return d.InfoString("host")
}

// AutomationType values.
const (
	AutomationDuration  = "duration"
	AutomationTimeOfDay = "timeOfDay"
)

type DeviceAutomation struct {
	AutomationType string          `json:"automationType"`
	On             AutomationPhase `json:"on"`
	Off            AutomationPhase `json:"off"`
}

type AutomationPhase struct {
	Minutes int    `json:"minutes,omitempty"`
	UTCDate string `json:"utcDate,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

// ParseClock parses an "HH:MM" string. Zero hours and zero minutes are valid;
// only out-of-range or non-numeric components are rejected.
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("time %q is not in HH:MM form", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("time %q has a non-numeric hour", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("time %q has a non-numeric minute", s)
	}
	if hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("time %q hour out of range", s)
	}
	if minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time %q minute out of range", s)
	}
	return hour, minute, nil
}

// Task statuses. Completed, failed and timeout are terminal and never re-opened.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskTimeout   = "timeout"
)

// Workflow step names, in execution order.
const (
	StepGettingReady     = "getting-ready"
	StepWaitingForDevice = "waiting-for-device"
	StepRunningAction    = "running-action"
)

type Task struct {
	ID             string            `json:"id"`
	InngestEventID string            `json:"inngest_event_id"`
	Device         string            `json:"device"`
	ActionName     string            `json:"action_name"`
	Parameters     map[string]string `json:"parameters,omitempty"`
	TTL            *int              `json:"ttl,omitempty"`
	Status         string            `json:"status"`
	CurrentStep    string            `json:"current_step,omitempty"`
	Steps          []TaskStep        `json:"steps,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
}

// Terminal reports whether the task reached a final status.
func (t *Task) Terminal() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskTimeout:
		return true
	}
	return false
}

type TaskStep struct {
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Error       string         `json:"error,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
}

// RunConfig execution targets.
const (
	TargetLocal  = "local"
	TargetDevice = "device"
)

type RunConfig struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Model      string         `json:"model"`
	Command    string         `json:"command"`
	Target     string         `json:"target"`
	Parameters map[string]any `json:"parameters,omitempty"`
}
