package fsm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/buildhost/ec2-builder/pkg/artifact"
	"github.com/buildhost/ec2-builder/pkg/compute"
	"github.com/buildhost/ec2-builder/pkg/db"
	"github.com/buildhost/ec2-builder/pkg/errors"
	"github.com/buildhost/ec2-builder/pkg/security"
	"github.com/buildhost/ec2-builder/pkg/storage"
)

// Provider is the instance lifecycle surface the workflow drives.
type Provider interface {
	ResolveBaseImage(ctx context.Context, filter compute.ImageFilter) (string, error)
	ImageNameExists(ctx context.Context, name string) (bool, error)
	CreateInstance(ctx context.Context, spec compute.InstanceSpec) (*compute.Instance, error)
	CreateImage(ctx context.Context, instanceID, name, description string) (string, error)
	WaitImageAvailable(ctx context.Context, imageID string, onPoll func(attempt int, state string)) error
	TerminateInstance(ctx context.Context, instanceID string) error
}

// Session is an open remote shell on the build host.
type Session interface {
	Upload(ctx context.Context, localPath, remotePath string) error
	Execute(ctx context.Context, command string) (string, int, error)
	Download(ctx context.Context, remotePath, localPath string) (int64, error)
	Close() error
}

// DialFunc opens a Session to host.
type DialFunc func(ctx context.Context, host string) (Session, error)

// Publisher uploads a downloaded artifact somewhere durable.
type Publisher interface {
	Publish(ctx context.Context, localPath, name string) (*storage.PublishResult, error)
}

// Options configure a Machine.
type Options struct {
	BaseImage          compute.ImageFilter
	KeyName            string
	BuildScript        string
	RemoteDir          string
	ArtifactRemotePath string
	ArtifactPath       string
	ImageDescription   string

	MaxRetries     int
	ReleaseTimeout time.Duration

	// Progress receives one "." per image readiness poll. Output receives the
	// id of a published image.
	Progress io.Writer
	Output   io.Writer
}

// Machine holds dependencies for FSM transitions
type Machine struct {
	provider  Provider
	dial      DialFunc
	repo      *db.Repository
	publisher Publisher
	validator *security.Validator
	opts      Options

	mu   sync.Mutex
	runs map[string]*runState
}

// runState is what a run holds that cannot travel in a BuildResponse.
type runState struct {
	run       *db.Run
	recorded  bool
	terminate bool
	lease     *lease
	session   Session
	err       error
}

// NewMachine creates a new FSM machine with dependencies. publisher may be
// nil, in which case artifacts are kept locally only.
func NewMachine(
	provider Provider,
	dial DialFunc,
	repo *db.Repository,
	publisher Publisher,
	validator *security.Validator,
	opts Options,
) *Machine {
	if opts.Progress == nil {
		opts.Progress = io.Discard
	}
	if opts.Output == nil {
		opts.Output = io.Discard
	}
	if opts.ReleaseTimeout == 0 {
		opts.ReleaseTimeout = 2 * time.Minute
	}
	return &Machine{
		provider:  provider,
		dial:      dial,
		repo:      repo,
		publisher: publisher,
		validator: validator,
		opts:      opts,
		runs:      make(map[string]*runState),
	}
}

type stepFunc func(ctx context.Context, st *runState, req *BuildRequest, resp *BuildResponse) error

type step struct {
	state string
	fn    stepFunc
}

func (m *Machine) steps() []step {
	return []step{
		{StateResolveImage, m.resolveImage},
		{StateProvisionInstance, m.provisionInstance},
		{StateConnect, m.connect},
		{StateBuild, m.build},
		{StateDownloadArtifact, m.downloadArtifact},
		{StatePublishImage, m.publishImage},
		{StateTerminate, m.terminate},
	}
}

// Execute runs every step in order in the calling goroutine. The instance
// lease is released before Execute returns, whatever the outcome.
func (m *Machine) Execute(ctx context.Context, req BuildRequest) (resp *BuildResponse, err error) {
	resp = &BuildResponse{}
	defer func() {
		err = m.Finish(ctx, req.RunID, resp, err)
	}()

	for _, s := range m.steps() {
		slog.Info("fsm_state_enter", "state", s.state, "run_id", req.RunID)
		st := m.attach(&req, resp)
		if err := s.fn(ctx, st, &req, resp); err != nil {
			slog.Error("fsm_state_failed", "state", s.state, "run_id", req.RunID, "error", err)
			return resp, err
		}
	}
	return resp, nil
}

// Finish closes the remote session, releases the instance when the run asked
// for termination, and records the outcome. It is safe to call for runs that
// never got past the first step. The returned error is the first step error
// recorded for the run, or runErr if there was none.
func (m *Machine) Finish(ctx context.Context, runID string, resp *BuildResponse, runErr error) error {
	m.mu.Lock()
	st := m.runs[runID]
	delete(m.runs, runID)
	m.mu.Unlock()

	if st == nil {
		return runErr
	}
	if st.err != nil {
		runErr = st.err
	}
	if resp == nil {
		resp = &BuildResponse{}
	}

	if st.session != nil {
		if err := st.session.Close(); err != nil {
			slog.Warn("session_close_failed", "run_id", runID, "error", err)
		}
		st.session = nil
	}

	run := st.run
	if st.lease != nil {
		if st.terminate {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.ReleaseTimeout)
			if err := st.lease.Release(releaseCtx); err != nil {
				slog.Error("instance_left_running", "run_id", runID, "instance_id", st.lease.instanceID, "error", err)
			}
			cancel()
			if st.lease.Released() {
				run.InstanceState = db.InstanceTerminated
			}
		} else {
			slog.Warn("instance_retained", "run_id", runID, "instance_id", st.lease.instanceID, "public_ip", resp.PublicIP)
			run.InstanceState = db.InstanceRetained
		}
	}

	if runErr != nil {
		run.Status = db.StatusFailed
		run.ErrorMessage = runErr.Error()
		resp.ErrorMessage = runErr.Error()
	} else {
		run.Status = db.StatusSucceeded
	}
	resp.Status = run.Status
	m.save(st)

	slog.Info("run_finished", "run_id", runID, "status", run.Status, "instance_state", run.InstanceState)
	return runErr
}

// attach returns the in-memory state for a run, creating it on first use.
// A run resumed from a BuildResponse that already names an instance gets its
// lease re-armed so the instance can still be released.
func (m *Machine) attach(req *BuildRequest, resp *BuildResponse) *runState {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.runs[req.RunID]
	if !ok {
		st = &runState{run: &db.Run{
			ID:              req.RunID,
			Mode:            req.Mode,
			Version:         req.Version,
			InstanceType:    req.InstanceType,
			OutputImageName: req.OutputImageName,
			Status:          db.StatusPending,
		}}
		m.runs[req.RunID] = st
	}
	if st.lease == nil && resp.InstanceID != "" {
		st.lease = newLease(resp.InstanceID, m.provider.TerminateInstance)
		st.run.InstanceID = resp.InstanceID
		st.run.PublicIP = resp.PublicIP
		if st.run.InstanceState == "" {
			st.run.InstanceState = db.InstanceRunning
		}
	}
	st.terminate = req.Terminate
	return st
}

// recordError keeps the first classified failure of a run so the caller can
// map it to an exit status even when the workflow engine only reports that
// the run was aborted.
func (m *Machine) recordError(runID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.runs[runID]; ok && st.err == nil {
		st.err = err
	}
}

// save writes the run back to the ledger once it has been recorded there.
func (m *Machine) save(st *runState) {
	if !st.recorded {
		return
	}
	if err := m.repo.Update(st.run); err != nil {
		slog.Warn("run_ledger_update_failed", "run_id", st.run.ID, "error", err)
	}
}

// resolveImage validates inputs, opens the ledger record, enforces the
// output image name precondition and looks up the base image.
func (m *Machine) resolveImage(ctx context.Context, st *runState, req *BuildRequest, resp *BuildResponse) error {
	if err := m.validate(req); err != nil {
		return err
	}

	existing, err := m.repo.Get(req.RunID)
	if err != nil {
		return errors.Wrap(err, "failed to load run")
	}
	if existing == nil {
		if err := m.repo.Create(st.run); err != nil {
			return errors.Wrap(err, "failed to create run record")
		}
	}
	st.recorded = true

	if req.Mode == ModePackage {
		taken, err := m.provider.ImageNameExists(ctx, req.OutputImageName)
		if err != nil {
			return err
		}
		if taken {
			slog.Error("image_name_conflict", "run_id", req.RunID, "name", req.OutputImageName)
			return errors.E(errors.ErrNameConflict, "check_image_name", fmt.Errorf("image %q already exists", req.OutputImageName))
		}
	}

	imageID, err := m.provider.ResolveBaseImage(ctx, m.opts.BaseImage)
	if err != nil {
		return err
	}

	resp.BaseImageID = imageID
	st.run.BaseImageID = imageID
	m.save(st)
	return nil
}

func (m *Machine) validate(req *BuildRequest) error {
	if req.Mode != ModeBuild && req.Mode != ModePackage {
		return errors.E(errors.ErrValidation, "validate_mode", fmt.Errorf("mode must be %q or %q, got %q", ModeBuild, ModePackage, req.Mode))
	}
	if err := m.validator.ValidateVersion(req.Version); err != nil {
		return err
	}
	if err := m.validator.ValidateRemotePath(m.remoteScript()); err != nil {
		return err
	}
	if req.Mode == ModePackage {
		return m.validator.ValidateImageName(req.OutputImageName)
	}
	return m.validator.ValidateRemotePath(m.opts.ArtifactRemotePath)
}

func (m *Machine) provisionInstance(ctx context.Context, st *runState, req *BuildRequest, resp *BuildResponse) error {
	if st.lease != nil {
		resp.InstanceID = st.run.InstanceID
		resp.PublicIP = st.run.PublicIP
		slog.Info("instance_already_provisioned", "run_id", req.RunID, "instance_id", resp.InstanceID)
		return nil
	}

	st.run.Status = db.StatusProvisioning
	m.save(st)

	inst, err := m.provider.CreateInstance(ctx, compute.InstanceSpec{
		ImageID:      resp.BaseImageID,
		InstanceType: req.InstanceType,
		KeyName:      m.opts.KeyName,
		Name:         "ec2-builder-" + req.Version,
		Tags: map[string]string{
			"ec2-builder:run-id": req.RunID,
			"ec2-builder:mode":   req.Mode,
		},
	})
	if inst != nil {
		resp.InstanceID = inst.ID
		resp.PublicIP = inst.PublicIP
		st.lease = newLease(inst.ID, m.provider.TerminateInstance)
		st.run.InstanceID = inst.ID
		st.run.PublicIP = inst.PublicIP
		st.run.InstanceState = db.InstanceRunning
		m.save(st)
	}
	if err != nil {
		return err
	}

	slog.Info("instance_ready", "run_id", req.RunID, "instance_id", inst.ID, "public_ip", inst.PublicIP)
	return nil
}

func (m *Machine) connect(ctx context.Context, st *runState, req *BuildRequest, resp *BuildResponse) error {
	_, err := m.session(ctx, st, resp)
	return err
}

// session returns the run's open session, dialing if there is none yet.
func (m *Machine) session(ctx context.Context, st *runState, resp *BuildResponse) (Session, error) {
	if st.session != nil {
		return st.session, nil
	}
	if resp.PublicIP == "" {
		return nil, errors.E(errors.ErrConnection, "connect", fmt.Errorf("instance %s has no public address", resp.InstanceID))
	}

	s, err := m.dial(ctx, resp.PublicIP)
	if err != nil {
		return nil, err
	}
	st.session = s
	return s, nil
}

func (m *Machine) remoteScript() string {
	return path.Join(m.opts.RemoteDir, filepath.Base(m.opts.BuildScript))
}

// build uploads the build script and runs it with the version as its only
// argument. A non-zero exit is recorded but does not fail the run.
func (m *Machine) build(ctx context.Context, st *runState, req *BuildRequest, resp *BuildResponse) error {
	s, err := m.session(ctx, st, resp)
	if err != nil {
		return err
	}

	st.run.Status = db.StatusBuilding
	m.save(st)

	remoteScript := m.remoteScript()
	if err := s.Upload(ctx, m.opts.BuildScript, remoteScript); err != nil {
		return err
	}

	_, status, err := s.Execute(ctx, "chmod +x "+remoteScript)
	if err != nil {
		return err
	}
	if status != 0 {
		return errors.E(errors.ErrTransfer, "chmod_build_script", fmt.Errorf("chmod exited with status %d", status))
	}

	command := fmt.Sprintf("cd %s && ./%s %s", m.opts.RemoteDir, path.Base(remoteScript), req.Version)
	out, status, err := s.Execute(ctx, command)
	if err != nil {
		return err
	}
	slog.Debug("build_script_output", "run_id", req.RunID, "stdout", out)

	resp.ExitStatus = status
	st.run.ExitStatus = status
	if status != 0 {
		slog.Warn("build_script_nonzero_exit", "run_id", req.RunID, "version", req.Version, "exit_status", status)
	} else {
		slog.Info("build_script_complete", "run_id", req.RunID, "version", req.Version)
	}
	m.save(st)
	return nil
}

// downloadArtifact fetches the build output. Every failure here is logged
// and recorded but never fails the run.
func (m *Machine) downloadArtifact(ctx context.Context, st *runState, req *BuildRequest, resp *BuildResponse) error {
	if req.Mode != ModeBuild {
		return nil
	}

	s, err := m.session(ctx, st, resp)
	if err != nil {
		slog.Error("artifact_download_failed", "run_id", req.RunID, "error", err)
		st.run.ErrorMessage = err.Error()
		return nil
	}

	n, err := s.Download(ctx, m.opts.ArtifactRemotePath, m.opts.ArtifactPath)
	if err != nil {
		slog.Error("artifact_download_failed", "run_id", req.RunID, "remote", m.opts.ArtifactRemotePath, "error", err)
		st.run.ErrorMessage = err.Error()
		m.save(st)
		return nil
	}

	resp.ArtifactPath = m.opts.ArtifactPath
	st.run.ArtifactPath = m.opts.ArtifactPath
	slog.Info("artifact_downloaded", "run_id", req.RunID, "path", m.opts.ArtifactPath, "bytes", n)

	manifest, err := artifact.Inspect(m.opts.ArtifactPath, m.validator)
	if err != nil {
		slog.Warn("artifact_inspection_failed", "run_id", req.RunID, "path", m.opts.ArtifactPath, "error", err)
		st.run.ErrorMessage = err.Error()
		m.save(st)
		return nil
	}
	resp.ArtifactSHA256 = manifest.SHA256
	st.run.ArtifactSHA256 = manifest.SHA256

	if m.publisher != nil {
		name := path.Join(req.Version, filepath.Base(m.opts.ArtifactPath))
		result, err := m.publisher.Publish(ctx, m.opts.ArtifactPath, name)
		if err != nil {
			slog.Warn("artifact_publish_failed", "run_id", req.RunID, "error", err)
			st.run.ErrorMessage = err.Error()
		} else {
			resp.ArtifactURI = result.URI
			st.run.ArtifactURI = result.URI
		}
	}

	m.save(st)
	return nil
}

// publishImage snapshots the instance and waits until the image is usable.
// CreateImage is issued at most once per run; a retried transition reuses
// the image id already recorded in the response.
func (m *Machine) publishImage(ctx context.Context, st *runState, req *BuildRequest, resp *BuildResponse) error {
	if req.Mode != ModePackage {
		return nil
	}

	st.run.Status = db.StatusPackaging
	m.save(st)

	if resp.ImageID == "" {
		resp.ImageID = st.run.OutputImageID
	}
	if resp.ImageID == "" {
		description := m.opts.ImageDescription
		if description == "" {
			description = fmt.Sprintf("ec2-builder image, version %s", req.Version)
		}

		imageID, err := m.provider.CreateImage(ctx, resp.InstanceID, req.OutputImageName, description)
		if err != nil {
			return err
		}
		resp.ImageID = imageID
		st.run.OutputImageID = imageID
		m.save(st)
	}

	err := m.provider.WaitImageAvailable(ctx, resp.ImageID, func(attempt int, state string) {
		fmt.Fprint(m.opts.Progress, ".")
		slog.Debug("image_poll", "run_id", req.RunID, "image_id", resp.ImageID, "attempt", attempt, "state", state)
	})
	fmt.Fprintln(m.opts.Progress)
	if err != nil {
		return err
	}

	fmt.Fprintln(m.opts.Output, resp.ImageID)
	slog.Info("image_published", "run_id", req.RunID, "image_id", resp.ImageID, "name", req.OutputImageName)
	return nil
}

func (m *Machine) terminate(ctx context.Context, st *runState, req *BuildRequest, resp *BuildResponse) error {
	if st.lease == nil || !req.Terminate {
		return nil
	}

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.ReleaseTimeout)
	defer cancel()

	if err := st.lease.Release(releaseCtx); err != nil {
		st.run.ErrorMessage = err.Error()
		m.save(st)
		return nil
	}
	st.run.InstanceState = db.InstanceTerminated
	m.save(st)
	return nil
}
