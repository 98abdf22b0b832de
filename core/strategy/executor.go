package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilianp07/powerguard/core/device"
	"github.com/kilianp07/powerguard/core/logger"
	"github.com/kilianp07/powerguard/core/model"
	"github.com/kilianp07/powerguard/core/monitoring"
)

// Result describes an applied action.
type Result struct {
	Kind     string
	Snapshot model.DeviceSnapshot
	Changes  []Change
}

// Executor reads devices and writes the planned capability changes. It
// never panics; every failure is returned as an error wrapping either
// ErrNotApplicable or ErrDeviceIO.
type Executor struct {
	reg device.Registry
	log logger.Logger
}

// NewExecutor creates an Executor writing through reg.
func NewExecutor(reg device.Registry, log logger.Logger) *Executor {
	return &Executor{reg: reg, log: log}
}

// Apply curtails the device of the entry and returns the snapshot taken
// right before the first write.
func (x *Executor) Apply(ctx context.Context, entry model.PriorityEntry) (res Result, err error) {
	defer x.catch(entry.DeviceID, &err)
	dev, err := x.reg.GetDevice(ctx, entry.DeviceID)
	if err != nil {
		return Result{}, fmt.Errorf("get %s: %v: %w", entry.DeviceID, err, ErrDeviceIO)
	}
	kind, changes, err := PlanApply(entry.Action, dev)
	if err != nil {
		return Result{}, err
	}
	snap := kind.Snapshot(dev)
	if err := x.write(ctx, entry.DeviceID, changes); err != nil {
		return Result{}, err
	}
	x.log.Debugw("action applied", map[string]any{
		"device_id": entry.DeviceID,
		"action":    entry.Action.String(),
		"kind":      kind.Name,
	})
	return Result{Kind: kind.Name, Snapshot: snap, Changes: changes}, nil
}

// Restore writes the snapshot of the record back to the device. The live
// state of the device is not merged: the snapshot wins.
func (x *Executor) Restore(ctx context.Context, rec model.MitigationRecord) (err error) {
	defer x.catch(rec.DeviceID, &err)
	dev, err := x.reg.GetDevice(ctx, rec.DeviceID)
	if err != nil {
		return fmt.Errorf("get %s: %v: %w", rec.DeviceID, err, ErrDeviceIO)
	}
	changes, err := PlanRestore(rec.Action, dev, rec.PreviousState)
	if err != nil {
		return err
	}
	return x.write(ctx, rec.DeviceID, changes)
}

// Write sends changes to a device, stopping at the first failure.
func (x *Executor) Write(ctx context.Context, id string, changes []Change) (err error) {
	defer x.catch(id, &err)
	return x.write(ctx, id, changes)
}

func (x *Executor) write(ctx context.Context, id string, changes []Change) error {
	for _, c := range changes {
		if err := x.reg.SetCapabilityValue(ctx, id, c.Capability, c.Value); err != nil {
			monitoring.CaptureDeviceError("strategy", id, c.Capability, err)
			if errors.Is(err, device.ErrUnknownCapability) {
				return fmt.Errorf("set %s.%s: %v: %w", id, c.Capability, err, ErrNotApplicable)
			}
			return fmt.Errorf("set %s.%s: %v: %w", id, c.Capability, err, ErrDeviceIO)
		}
	}
	return nil
}

func (x *Executor) catch(id string, err *error) {
	if r := recover(); r != nil {
		x.log.Errorf("device %s: recovered from panic: %v", id, r)
		*err = fmt.Errorf("device %s: panic %v: %w", id, r, ErrDeviceIO)
	}
}
