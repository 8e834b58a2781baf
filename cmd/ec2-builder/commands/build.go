package commands

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/buildhost/ec2-builder/internal/config"
	"github.com/buildhost/ec2-builder/pkg/compute"
	"github.com/buildhost/ec2-builder/pkg/db"
	"github.com/buildhost/ec2-builder/pkg/errors"
	appfsm "github.com/buildhost/ec2-builder/pkg/fsm"
	"github.com/buildhost/ec2-builder/pkg/remote"
	"github.com/buildhost/ec2-builder/pkg/security"
	"github.com/buildhost/ec2-builder/pkg/storage"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
)

func runBuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	// Ensure all necessary directories exist
	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, filepath.Dir(cfg.ArtifactPath)); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	ec2Client, err := compute.NewClient(ctx, cfg.Region, compute.Options{
		SSHPort:        cfg.SSHPort,
		InstancePolicy: pollPolicy(cfg, cfg.InstanceTimeout),
		ImagePolicy:    pollPolicy(cfg, cfg.ImageTimeout),
	})
	if err != nil {
		return errors.Wrap(err, "EC2 client failed")
	}

	var publisher appfsm.Publisher
	if cfg.ArtifactBucket != "" {
		s3Client, err := storage.NewClient(ctx, cfg.ArtifactBucket, cfg.ArtifactPrefix, cfg.Region)
		if err != nil {
			return errors.Wrap(err, "S3 client failed")
		}
		publisher = s3Client
	}

	validator := security.NewValidator(cfg.MaxArtifactSize, cfg.MaxTotalSize, cfg.MaxCompressionRatio)

	remoteCfg := remote.Config{
		User:        cfg.SSHUser,
		KeyPath:     cfg.KeyPath,
		Port:        cfg.SSHPort,
		DialTimeout: 10 * time.Second,
		Retry:       pollPolicy(cfg, cfg.InstanceTimeout),
	}
	dial := func(ctx context.Context, host string) (appfsm.Session, error) {
		s, err := remote.Dial(ctx, host, remoteCfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	machine := appfsm.NewMachine(ec2Client, dial, repo, publisher, validator, appfsm.Options{
		BaseImage: compute.ImageFilter{
			Name:   cfg.BaseImageName,
			Owners: ownerFilter(cfg.BaseImageOwner),
		},
		KeyName:            keyName(cfg.KeyPath),
		BuildScript:        cfg.BuildScript,
		RemoteDir:          cfg.RemoteDir,
		ArtifactRemotePath: cfg.ArtifactRemotePath,
		ArtifactPath:       cfg.ArtifactPath,
		ImageDescription:   cfg.ImageDescription,
		MaxRetries:         cfg.FSMMaxRetries,
		Progress:           cmd.ErrOrStderr(),
		Output:             cmd.OutOrStdout(),
	})

	req := appfsm.BuildRequest{
		RunID:           uuid.NewString(),
		Mode:            cfg.Mode,
		Version:         cfg.Version,
		InstanceType:    cfg.InstanceType,
		OutputImageName: cfg.ImageName,
		Terminate:       cfg.Terminate,
	}

	slog.Info("run_started",
		"run_id", req.RunID,
		"mode", req.Mode,
		"version", req.Version,
		"instance_type", req.InstanceType,
		"terminate", req.Terminate,
		"durable", cfg.FSMDBPath != "",
	)

	var resp *appfsm.BuildResponse
	if cfg.FSMDBPath == "" {
		resp, err = machine.Execute(ctx, req)
	} else {
		resp, err = runDurable(ctx, cfg.FSMDBPath, machine, req)
	}
	if err != nil {
		return errors.Wrap(err, "run "+req.RunID+" failed")
	}

	slog.Info("run_completed",
		"run_id", req.RunID,
		"status", resp.Status,
		"instance_id", resp.InstanceID,
		"exit_status", resp.ExitStatus,
		"artifact", resp.ArtifactPath,
		"artifact_uri", resp.ArtifactURI,
		"image_id", resp.ImageID,
	)
	return nil
}

// drainTimeout bounds how long an interrupted run may take to stop.
const drainTimeout = 2 * time.Minute

// runDurable drives the workflow through a superfly/fsm manager so each
// transition is persisted and transient failures are retried.
func runDurable(ctx context.Context, fsmDBPath string, machine *appfsm.Machine, req appfsm.BuildRequest) (*appfsm.BuildResponse, error) {
	resp := &appfsm.BuildResponse{}

	manager, err := fsm.New(fsm.Config{DBPath: fsmDBPath})
	if err != nil {
		return resp, errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return resp, errors.Wrap(err, "FSM register failed")
	}

	version, err := start(ctx, req.RunID, fsm.NewRequest(&req, resp))
	if err != nil {
		return resp, machine.Finish(ctx, req.RunID, resp, errors.Wrap(err, "FSM start failed"))
	}

	slog.Info("fsm_started", "run_id", req.RunID, "version", version)

	waitErr := manager.Wait(ctx, version)
	if waitErr != nil && ctx.Err() != nil {
		// Transitions run detached from ctx, so a step may still be creating
		// the instance. Stop the run and let that step return before Finish
		// looks for something to release.
		slog.Warn("fsm_run_interrupted", "run_id", req.RunID, "version", version)

		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
		defer cancel()
		if err := manager.Cancel(drainCtx, version, "run interrupted"); err != nil && !errors.Is(err, fsm.ErrFsmNotFound) {
			slog.Warn("fsm_cancel_failed", "run_id", req.RunID, "error", err)
		}
		if err := manager.Wait(drainCtx, version); err != nil {
			slog.Debug("fsm_drained", "run_id", req.RunID, "error", err)
		}
		if drainCtx.Err() != nil {
			slog.Error("fsm_drain_timeout", "run_id", req.RunID, "timeout", drainTimeout)
		}
	}
	if waitErr != nil {
		waitErr = errors.Wrap(waitErr, "FSM execution failed")
	}
	return resp, machine.Finish(ctx, req.RunID, resp, waitErr)
}
