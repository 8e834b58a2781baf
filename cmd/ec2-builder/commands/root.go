package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/buildhost/ec2-builder/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Exit statuses
const (
	exitFailure      = 1
	exitNameConflict = 3
)

// LogLevel is the level of the default logger. --debug lowers it.
var LogLevel = new(slog.LevelVar)

var rootCmd = &cobra.Command{
	Use:   "ec2-builder",
	Short: "Build software on a throwaway EC2 instance",
	Long: `Provisions an EC2 instance from a base image, uploads and runs a build
script with a target version, then either downloads the produced artifact
(--mode build) or snapshots the instance into a new machine image
(--mode package), and terminates the instance.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("debug") {
			LogLevel.Set(slog.LevelDebug)
		}
	},
	RunE: runBuild,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.Is(err, errors.ErrNameConflict) {
		return exitNameConflict
	}
	return exitFailure
}

func init() {
	flags := rootCmd.PersistentFlags()

	// Run parameters
	flags.StringP("version", "r", "3.5.1", "Version passed to the build script")
	flags.StringP("key-path", "k", "", "Private key file; its base name is the EC2 key pair name")
	flags.StringP("mode", "a", "build", "build: download the artifact; package: create a machine image")
	flags.BoolP("terminate", "t", true, "Terminate the instance when the run ends")
	flags.StringP("instance-type", "i", "t2.micro", "EC2 instance type")
	flags.StringP("image-name", "n", "", "Name of the image to create (package mode)")
	flags.BoolP("debug", "d", false, "Enable debug logging")

	// AWS and build host
	flags.String("region", "us-east-1", "AWS region")
	flags.String("base-image-name", "ubuntu/images/hvm-ssd/ubuntu-jammy-22.04-amd64-server-*", "Base image name filter")
	flags.String("base-image-owner", "099720109477", "Base image owner account")
	flags.String("ssh-user", "ubuntu", "SSH login user")
	flags.Int("ssh-port", 22, "SSH port")
	flags.String("build-script", "build.sh", "Local build script to upload")
	flags.String("remote-dir", "/home/ubuntu", "Directory on the instance the script runs in")
	flags.String("artifact-remote-path", "/home/ubuntu/R.zip", "Artifact path on the instance (build mode)")
	flags.String("artifact-path", "R.zip", "Local artifact destination (build mode)")
	flags.String("image-description", "", "Description of the created image (package mode)")

	// Polling
	flags.Duration("poll-interval", 10*time.Second, "Initial polling interval")
	flags.Duration("poll-max-interval", 30*time.Second, "Maximum polling interval")
	flags.Float64("poll-multiplier", 1.5, "Polling backoff multiplier")
	flags.Int("poll-max-attempts", 0, "Maximum polls per wait (0 = bounded by timeout only)")
	flags.Duration("instance-timeout", 10*time.Minute, "How long to wait for the instance to accept SSH")
	flags.Duration("image-timeout", 60*time.Minute, "How long to wait for the image to become available")

	// State
	flags.String("sqlite-path", ".artifacts/runs.db", "SQLite run ledger path")
	flags.String("fsm-db-path", ".artifacts/fsm", "FSM BoltDB directory (empty runs the workflow inline)")
	flags.Int("fsm-max-retries", 5, "Retries per FSM transition for transient AWS errors")

	// Artifact publishing and limits
	flags.String("artifact-bucket", "", "S3 bucket to publish the artifact to (build mode)")
	flags.String("artifact-prefix", "ec2-builder", "S3 key prefix for published artifacts")
	flags.Int64("max-artifact-size", 2*1024*1024*1024, "Max artifact file size in bytes")
	flags.Int64("max-total-size", 20*1024*1024*1024, "Max total uncompressed artifact size")
	flags.Float64("max-compression-ratio", 100.0, "Max artifact compression ratio")

	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
}
