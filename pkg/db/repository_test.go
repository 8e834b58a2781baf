package db

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository_CreateAndGet(t *testing.T) {
	repo := newTestRepo(t)

	run := &Run{
		ID:           "run-1",
		Mode:         "build",
		Version:      "4.0.0",
		InstanceType: "t2.micro",
		Status:       StatusPending,
	}
	if err := repo.Create(run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	got, err := repo.Get("run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got == nil {
		t.Fatal("run not found")
	}
	if got.Mode != run.Mode || got.Version != run.Version || got.Status != StatusPending {
		t.Errorf("retrieved run mismatch: got %+v, want %+v", got, run)
	}
	if got.CreatedAt == "" {
		t.Error("created_at not populated")
	}
}

func TestRepository_GetMissing(t *testing.T) {
	repo := newTestRepo(t)

	got, err := repo.Get("nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil run, got %+v", got)
	}
}

func TestRepository_Update(t *testing.T) {
	repo := newTestRepo(t)

	run := &Run{ID: "run-2", Mode: "package", Version: "3.5.1", InstanceType: "t3.small", OutputImageName: "r-3.5.1", Status: StatusPending}
	if err := repo.Create(run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	run.BaseImageID = "ami-base"
	run.InstanceID = "i-0abc"
	run.PublicIP = "203.0.113.7"
	run.InstanceState = InstanceRunning
	run.OutputImageID = "ami-0new"
	run.ExitStatus = 2
	run.Status = StatusPackaging
	if err := repo.Update(run); err != nil {
		t.Fatalf("failed to update run: %v", err)
	}

	got, _ := repo.Get("run-2")
	if got.InstanceID != "i-0abc" || got.OutputImageID != "ami-0new" || got.ExitStatus != 2 {
		t.Errorf("update not persisted: %+v", got)
	}
	if got.Status != StatusPackaging {
		t.Errorf("status not updated: got %s, want %s", got.Status, StatusPackaging)
	}
}

func TestRepository_UpdateMissing(t *testing.T) {
	repo := newTestRepo(t)

	err := repo.Update(&Run{ID: "ghost", Status: StatusFailed})
	if err == nil {
		t.Fatal("expected error updating missing run")
	}
}

func TestRepository_StatusAndInstanceState(t *testing.T) {
	repo := newTestRepo(t)

	repo.Create(&Run{ID: "run-3", Mode: "build", Version: "4.0.0", InstanceType: "t2.micro", Status: StatusPending})

	if err := repo.UpdateStatus("run-3", StatusFailed, "ssh_dial: connection failed"); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}
	if err := repo.MarkInstanceState("run-3", InstanceTerminated); err != nil {
		t.Fatalf("failed to mark instance state: %v", err)
	}

	got, _ := repo.Get("run-3")
	if got.Status != StatusFailed || got.ErrorMessage != "ssh_dial: connection failed" {
		t.Errorf("status not updated: %+v", got)
	}
	if got.InstanceState != InstanceTerminated {
		t.Errorf("instance state not updated: got %s", got.InstanceState)
	}
}

func TestRepository_InvalidStatusRejected(t *testing.T) {
	repo := newTestRepo(t)

	err := repo.Create(&Run{ID: "run-4", Mode: "build", Version: "1", InstanceType: "t2.micro", Status: "bogus"})
	if err == nil {
		t.Fatal("expected check constraint failure")
	}
}

func TestRepository_List(t *testing.T) {
	repo := newTestRepo(t)

	repo.Create(&Run{ID: "a", Mode: "build", Version: "1", InstanceType: "t2.micro", Status: StatusSucceeded})
	repo.Create(&Run{ID: "b", Mode: "package", Version: "2", InstanceType: "t2.micro", Status: StatusFailed})
	repo.Create(&Run{ID: "c", Mode: "build", Version: "3", InstanceType: "t2.micro", Status: StatusPending})

	runs, err := repo.List(0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].ID != "c" {
		t.Errorf("expected newest run first, got %s", runs[0].ID)
	}

	limited, err := repo.List(2)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 runs, got %d", len(limited))
	}
}

func TestRepository_ListOrphaned(t *testing.T) {
	repo := newTestRepo(t)

	running := &Run{ID: "running", Mode: "build", Version: "1", InstanceType: "t2.micro", Status: StatusPending}
	terminated := &Run{ID: "terminated", Mode: "build", Version: "1", InstanceType: "t2.micro", Status: StatusPending}
	retained := &Run{ID: "retained", Mode: "build", Version: "1", InstanceType: "t2.micro", Status: StatusPending}
	for _, run := range []*Run{running, terminated, retained} {
		if err := repo.Create(run); err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
	}

	running.InstanceID, running.InstanceState, running.Status = "i-1", InstanceRunning, StatusBuilding
	terminated.InstanceID, terminated.InstanceState, terminated.Status = "i-2", InstanceTerminated, StatusSucceeded
	retained.InstanceID, retained.InstanceState, retained.Status = "i-3", InstanceRetained, StatusSucceeded
	for _, run := range []*Run{running, terminated, retained} {
		if err := repo.Update(run); err != nil {
			t.Fatalf("failed to update run: %v", err)
		}
	}

	orphans, err := repo.ListOrphaned(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("failed to list orphans: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != "running" {
		t.Fatalf("expected only the running run, got %+v", orphans)
	}

	recent, err := repo.ListOrphaned(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("failed to list orphans: %v", err)
	}
	if len(recent) != 0 {
		t.Errorf("expected no orphans older than an hour, got %d", len(recent))
	}
}

func TestRepository_Delete(t *testing.T) {
	repo := newTestRepo(t)

	repo.Create(&Run{ID: "gone", Mode: "build", Version: "1", InstanceType: "t2.micro", Status: StatusFailed})
	if err := repo.Delete("gone"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	got, _ := repo.Get("gone")
	if got != nil {
		t.Error("run still present after delete")
	}
}
