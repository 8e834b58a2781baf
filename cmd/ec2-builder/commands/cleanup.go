package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/buildhost/ec2-builder/internal/config"
	"github.com/buildhost/ec2-builder/pkg/compute"
	"github.com/buildhost/ec2-builder/pkg/db"
	"github.com/buildhost/ec2-builder/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	cleanupOrphaned  bool
	cleanupOlderThan time.Duration
	cleanupRun       string
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Terminate instances left running by earlier runs",
	Long: `Terminate build instances that a run never released:
  --orphaned         Terminate instances of runs idle longer than --older-than
  --run <id>         Terminate the instance of a specific run`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupOrphaned, "orphaned", false, "Clean orphaned instances")
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 6*time.Hour, "Minimum idle time before a running instance counts as orphaned")
	cleanupCmd.Flags().StringVar(&cleanupRun, "run", "", "Clean the instance of a specific run")
}

// instanceTerminator is the part of the compute client cleanup needs.
type instanceTerminator interface {
	TerminateInstance(ctx context.Context, instanceID string) error
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if !cleanupOrphaned && cleanupRun == "" {
		return fmt.Errorf("must specify --orphaned or --run")
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	ctx := cmd.Context()
	ec2Client, err := compute.NewClient(ctx, cfg.Region, compute.Options{SSHPort: cfg.SSHPort})
	if err != nil {
		return errors.Wrap(err, "EC2 client failed")
	}

	out := cmd.OutOrStdout()
	if cleanupRun != "" {
		return cleanupSpecificRun(ctx, out, repo, ec2Client, cleanupRun)
	}
	return cleanupOrphanedRuns(ctx, out, repo, ec2Client, time.Now().Add(-cleanupOlderThan))
}

func cleanupSpecificRun(ctx context.Context, out io.Writer, repo *db.Repository, ec2Client instanceTerminator, runID string) error {
	run, err := repo.Get(runID)
	if err != nil {
		return errors.Wrap(err, "run lookup failed")
	}
	if run == nil {
		return fmt.Errorf("run not found: %s", runID)
	}
	if run.InstanceID == "" || run.InstanceState == db.InstanceTerminated {
		fmt.Fprintf(out, "Nothing to clean for run %s\n", runID)
		return nil
	}

	if err := terminateRunInstance(ctx, repo, ec2Client, run); err != nil {
		return errors.Wrap(err, "cleanup failed")
	}

	fmt.Fprintf(out, "✅ Terminated %s (run %s)\n", run.InstanceID, runID)
	return nil
}

func cleanupOrphanedRuns(ctx context.Context, out io.Writer, repo *db.Repository, ec2Client instanceTerminator, cutoff time.Time) error {
	fmt.Fprintln(out, "🔍 Scanning for orphaned instances...")

	runs, err := repo.ListOrphaned(cutoff)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	cleaned := 0
	for _, run := range runs {
		if err := terminateRunInstance(ctx, repo, ec2Client, run); err != nil {
			fmt.Fprintf(out, "⚠️  Failed to terminate %s (run %s): %v\n", run.InstanceID, run.ID, err)
			continue
		}
		fmt.Fprintf(out, "🗑️  Terminated %s (run %s)\n", run.InstanceID, run.ID)
		cleaned++
	}

	fmt.Fprintf(out, "✅ Terminated %d orphaned instances\n", cleaned)
	return nil
}

func terminateRunInstance(ctx context.Context, repo *db.Repository, ec2Client instanceTerminator, run *db.Run) error {
	if err := ec2Client.TerminateInstance(ctx, run.InstanceID); err != nil {
		return err
	}
	return repo.MarkInstanceState(run.ID, db.InstanceTerminated)
}
