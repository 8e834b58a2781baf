package commands

import (
	"fmt"
	"io"

	"github.com/buildhost/ec2-builder/internal/config"
	"github.com/buildhost/ec2-builder/pkg/db"
	"github.com/buildhost/ec2-builder/pkg/errors"
	"github.com/spf13/cobra"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs and their status",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum runs to show (0 = all)")
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	// Ensure database directory exists
	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	runs, err := repo.List(listLimit)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	printRuns(cmd.OutOrStdout(), runs)
	return nil
}

func printRuns(w io.Writer, runs []*db.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found")
		return
	}

	fmt.Fprintf(w, "%-36s %-8s %-10s %-12s %-20s %-10s %-24s %-20s\n",
		"RUN ID", "MODE", "VERSION", "STATUS", "INSTANCE", "STATE", "OUTPUT", "CREATED")
	fmt.Fprintln(w, "------------------------------------------------------------------------------------------------------------------------------------------------")

	for _, run := range runs {
		fmt.Fprintf(w, "%-36s %-8s %-10s %-12s %-20s %-10s %-24s %-20s\n",
			run.ID, run.Mode, run.Version, run.Status,
			dash(run.InstanceID), dash(run.InstanceState), dash(runOutput(run)), run.CreatedAt)
	}
}

func runOutput(run *db.Run) string {
	switch {
	case run.OutputImageID != "":
		return run.OutputImageID
	case run.ArtifactURI != "":
		return run.ArtifactURI
	default:
		return run.ArtifactPath
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
