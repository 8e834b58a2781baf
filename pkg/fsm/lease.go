package fsm

import (
	"context"
	"log/slog"
	"sync"
)

// lease ties a launched instance to the release action that terminates it.
// Release runs the action at most once no matter how many exit paths reach it.
type lease struct {
	instanceID string
	release    func(ctx context.Context, instanceID string) error

	once     sync.Once
	released bool
	err      error
}

func newLease(instanceID string, release func(ctx context.Context, instanceID string) error) *lease {
	slog.Debug("instance_lease_armed", "instance_id", instanceID)
	return &lease{instanceID: instanceID, release: release}
}

// Release terminates the instance on the first call and returns that call's
// result on every later one.
func (l *lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.err = l.release(ctx, l.instanceID)
		l.released = l.err == nil
		if l.err != nil {
			slog.Error("instance_release_failed", "instance_id", l.instanceID, "error", l.err)
			return
		}
		slog.Info("instance_released", "instance_id", l.instanceID)
	})
	return l.err
}

// Released reports whether a release has completed successfully.
func (l *lease) Released() bool {
	return l.released
}
