package server

import (
	"context"
	"fmt"
	"time"

	"device-simulator/internal/device"
	"device-simulator/internal/model"
)

// Do runs fn on the loop goroutine and waits for it to finish. It is the only
// way for code outside the loop to touch device state. Calling Do from an
// observer deadlocks.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case l.events <- event{kind: evCall, fn: fn, done: done}:
	case <-l.quit:
		return ErrLoopClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-l.quit:
		return ErrLoopClosed
	}
}

// WithDevice runs fn against the device bound to port on the loop goroutine.
func (l *Loop) WithDevice(ctx context.Context, port int, fn func(*device.Device) error) error {
	dev, ok := l.devices[port]
	if !ok {
		return fmt.Errorf("%w %d", ErrUnknownDevice, port)
	}
	var fnErr error
	if err := l.Do(ctx, func() { fnErr = fn(dev) }); err != nil {
		return err
	}
	return fnErr
}

// SetVariable sets a status variable from outside a client session and notifies
// change observers. source names the origin, e.g. "modbus".
func (l *Loop) SetVariable(ctx context.Context, port int, name, value, source string) error {
	return l.WithDevice(ctx, port, func(dev *device.Device) error {
		stored, err := dev.Set(name, value)
		if err != nil {
			return err
		}
		l.changed(model.StateChange{
			Device:    dev.Name(),
			Port:      port,
			Variable:  name,
			Value:     stored,
			Source:    source,
			Timestamp: time.Now(),
		})
		return nil
	})
}

// Snapshot returns the current state of every device in registry order.
func (l *Loop) Snapshot(ctx context.Context) ([]model.DeviceSnapshot, error) {
	var out []model.DeviceSnapshot
	err := l.Do(ctx, func() {
		out = l.snapshotInLoop()
	})
	return out, err
}

// snapshotInLoop must run on the loop goroutine.
func (l *Loop) snapshotInLoop() []model.DeviceSnapshot {
	now := time.Now()
	counts := l.table.CountByPort()
	out := make([]model.DeviceSnapshot, 0, len(l.devices))
	for _, dt := range l.reg.Types() {
		dev := l.devices[dt.Port]
		values := dev.Context()
		snap := model.DeviceSnapshot{
			Name:      dt.Name,
			Port:      dt.Port,
			Values:    values,
			Sessions:  counts[dt.Port],
			Timestamp: now,
		}
		for _, name := range dt.VariableNames() {
			if _, ok := values[name]; !ok {
				snap.Unset = append(snap.Unset, name)
			}
		}
		out = append(out, snap)
	}
	return out
}
