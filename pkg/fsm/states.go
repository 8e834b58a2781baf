// Package fsm implements the build workflow: resolve a base image, provision
// an instance, run the build script on it, then either download the artifact
// or publish a machine image, and finally release the instance. Steps run
// either inline or as durable superfly/fsm transitions.
package fsm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/buildhost/ec2-builder/pkg/errors"
	"github.com/superfly/fsm"
)

// Register registers the build FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[BuildRequest, BuildResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[BuildRequest, BuildResponse](manager, "ec2-build").
		Start(StateResolveImage, m.handler(StateResolveImage, m.resolveImage)).
		To(StateProvisionInstance, m.handler(StateProvisionInstance, m.provisionInstance)).
		To(StateConnect, m.handler(StateConnect, m.connect)).
		To(StateBuild, m.handler(StateBuild, m.build)).
		To(StateDownloadArtifact, m.handler(StateDownloadArtifact, m.downloadArtifact)).
		To(StatePublishImage, m.handler(StatePublishImage, m.publishImage)).
		To(StateTerminate, m.handler(StateTerminate, m.terminate)).
		End(StateDone).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// handler adapts a step to a transition. Transient provider errors are
// returned as-is so the manager retries the transition; anything else aborts
// the run.
func (m *Machine) handler(state string, fn stepFunc) func(context.Context, *fsm.Request[BuildRequest, BuildResponse]) (*fsm.Response[BuildResponse], error) {
	return func(ctx context.Context, req *fsm.Request[BuildRequest, BuildResponse]) (*fsm.Response[BuildResponse], error) {
		slog.Info("fsm_state_enter", "state", state, "run_id", req.Msg.RunID)

		// A cancelled run keeps walking the remaining transitions; do no work in them.
		if err := ctx.Err(); err != nil {
			err = fmt.Errorf("%s interrupted: %w", state, context.Cause(ctx))
			m.recordError(req.Msg.RunID, err)
			return nil, fsm.Abort(err)
		}

		// Check retry limit. MaxRetries counts retries, so 0 still runs once.
		if retryCount := fsm.RetryFromContext(ctx); retryCount > uint64(m.opts.MaxRetries) {
			err := fmt.Errorf("max retries (%d) exceeded in %s", m.opts.MaxRetries, state)
			slog.Error("max_retries_exceeded", "state", state, "run_id", req.Msg.RunID, "max_retries", m.opts.MaxRetries)
			m.recordError(req.Msg.RunID, err)
			return nil, fsm.Abort(err)
		}

		resp := req.W.Msg
		if resp == nil {
			resp = &BuildResponse{}
		}

		st := m.attach(req.Msg, resp)
		if err := fn(ctx, st, req.Msg, resp); err != nil {
			if errors.IsTransient(err) {
				slog.Warn("fsm_state_retry", "state", state, "run_id", req.Msg.RunID, "error", err)
				return nil, err
			}
			slog.Error("fsm_state_failed", "state", state, "run_id", req.Msg.RunID, "error", err)
			m.recordError(req.Msg.RunID, err)
			return nil, fsm.Abort(err)
		}

		return fsm.NewResponse(resp), nil
	}
}
