package commands

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/buildhost/ec2-builder/pkg/db"
	"github.com/buildhost/ec2-builder/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTerminator struct {
	terminated []string
	failFor    string
}

func (f *fakeTerminator) TerminateInstance(_ context.Context, instanceID string) error {
	if instanceID == f.failFor {
		return fmt.Errorf("UnauthorizedOperation")
	}
	f.terminated = append(f.terminated, instanceID)
	return nil
}

func newRepo(t *testing.T) *db.Repository {
	t.Helper()
	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func seedRun(t *testing.T, repo *db.Repository, id, instanceID, state string) {
	t.Helper()
	run := &db.Run{ID: id, Mode: "build", Version: "4.0.0", InstanceType: "t2.micro", Status: db.StatusPending}
	require.NoError(t, repo.Create(run))
	run.InstanceID = instanceID
	run.InstanceState = state
	require.NoError(t, repo.Update(run))
}

func TestExitCode(t *testing.T) {
	conflict := errors.Wrap(errors.E(errors.ErrNameConflict, "check_image_name", nil), "run failed")
	assert.Equal(t, exitNameConflict, exitCode(conflict))
	assert.Equal(t, exitFailure, exitCode(errors.E(errors.ErrProvisioning, "wait", nil)))
	assert.Equal(t, exitFailure, exitCode(fmt.Errorf("boom")))
}

func TestKeyName(t *testing.T) {
	assert.Equal(t, "builder", keyName("/home/me/.ssh/builder.pem"))
	assert.Equal(t, "id_ed25519", keyName("id_ed25519"))
	assert.Equal(t, "my.key", keyName("keys/my.key.pem"))
}

func TestOwnerFilter(t *testing.T) {
	assert.Equal(t, []string{"099720109477", "self"}, ownerFilter("099720109477, self,"))
	assert.Empty(t, ownerFilter(""))
}

func TestEnsureDirectories(t *testing.T) {
	root := t.TempDir()
	sqlitePath := filepath.Join(root, "state", "runs.db")
	fsmPath := filepath.Join(root, "state", "fsm")
	artifactDir := filepath.Join(root, "out")

	require.NoError(t, ensureDirectories(sqlitePath, fsmPath, artifactDir))
	assert.DirExists(t, filepath.Dir(sqlitePath))
	assert.DirExists(t, fsmPath)
	assert.DirExists(t, artifactDir)
}

func TestCleanupOrphanedRuns(t *testing.T) {
	repo := newRepo(t)
	seedRun(t, repo, "orphan", "i-1", db.InstanceRunning)
	seedRun(t, repo, "denied", "i-2", db.InstanceRunning)
	seedRun(t, repo, "done", "i-3", db.InstanceTerminated)
	seedRun(t, repo, "kept", "i-4", db.InstanceRetained)

	term := &fakeTerminator{failFor: "i-2"}
	var out bytes.Buffer
	require.NoError(t, cleanupOrphanedRuns(context.Background(), &out, repo, term, time.Now().Add(time.Hour)))

	assert.Equal(t, []string{"i-1"}, term.terminated)
	assert.Contains(t, out.String(), "Terminated 1 orphaned instances")
	assert.Contains(t, out.String(), "Failed to terminate i-2")

	run, err := repo.Get("orphan")
	require.NoError(t, err)
	assert.Equal(t, db.InstanceTerminated, run.InstanceState)

	run, err = repo.Get("denied")
	require.NoError(t, err)
	assert.Equal(t, db.InstanceRunning, run.InstanceState)
}

func TestCleanupSpecificRun(t *testing.T) {
	repo := newRepo(t)
	seedRun(t, repo, "kept", "i-4", db.InstanceRetained)
	seedRun(t, repo, "done", "i-3", db.InstanceTerminated)

	term := &fakeTerminator{}
	var out bytes.Buffer

	require.NoError(t, cleanupSpecificRun(context.Background(), &out, repo, term, "kept"))
	assert.Equal(t, []string{"i-4"}, term.terminated)

	require.NoError(t, cleanupSpecificRun(context.Background(), &out, repo, term, "done"))
	assert.Len(t, term.terminated, 1)
	assert.Contains(t, out.String(), "Nothing to clean for run done")

	assert.Error(t, cleanupSpecificRun(context.Background(), &out, repo, term, "missing"))
}

func TestPrintRuns(t *testing.T) {
	var out bytes.Buffer
	printRuns(&out, nil)
	assert.Equal(t, "No runs found\n", out.String())

	out.Reset()
	printRuns(&out, []*db.Run{
		{ID: "run-1", Mode: "package", Version: "4.0.0", Status: db.StatusSucceeded, InstanceID: "i-1", InstanceState: db.InstanceTerminated, OutputImageID: "ami-0new"},
		{ID: "run-2", Mode: "build", Version: "3.5.1", Status: db.StatusFailed},
	})
	assert.Contains(t, out.String(), "ami-0new")
	assert.Contains(t, out.String(), "run-2")
	assert.Contains(t, out.String(), "RUN ID")
}
