package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestServiceCreateReportAndRestore(t *testing.T) {
	t.Parallel()

	repo := initGitRepoT(t)
	writeFileT(t, repo, "tracked.txt", "v1\n")
	runGitT(t, repo, "add", "tracked.txt")
	runGitT(t, repo, "commit", "-q", "-m", "init")

	svc := NewService(t.TempDir())
	ctx := context.Background()

	if svc.Has("turn-a") {
		t.Fatalf("Has should report false before any Create")
	}

	report, err := svc.Create(ctx, "turn-a", repo)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !report.Empty() {
		t.Fatalf("report=%+v, want empty", report)
	}
	if !svc.Has("turn-a") {
		t.Fatalf("Has should report true after Create")
	}

	got, ok := svc.Report("turn-a")
	if !ok {
		t.Fatalf("Report should find a recorded report for turn-a")
	}
	if !got.Empty() {
		t.Fatalf("Report=%+v, want empty", got)
	}

	if _, ok := svc.Report("turn-unknown"); ok {
		t.Fatalf("Report should not find an entry for an id never Created")
	}

	writeFileT(t, repo, "tracked.txt", "v2\n")
	if err := svc.Restore(ctx, "turn-a"); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got2, err := os.ReadFile(filepath.Join(repo, "tracked.txt"))
	if err != nil {
		t.Fatalf("read tracked.txt: %v", err)
	}
	if string(got2) != "v1\n" {
		t.Fatalf("tracked.txt=%q, want %q", got2, "v1\n")
	}
}

func TestServiceRestoreUnknownCheckpointFails(t *testing.T) {
	t.Parallel()

	svc := NewService(t.TempDir())
	if err := svc.Restore(context.Background(), "never-created"); err == nil {
		t.Fatalf("Restore should fail for an unknown checkpoint id")
	}
}

func TestServiceCreateSurfacesLargeUntrackedFileReport(t *testing.T) {
	t.Parallel()

	repo := initGitRepoT(t)
	writeFileT(t, repo, "tracked.txt", "v1\n")
	runGitT(t, repo, "add", "tracked.txt")
	runGitT(t, repo, "commit", "-q", "-m", "init")

	big := make([]byte, ghostSnapshotIgnoreLargeUntrackedFileBytes+1)
	if err := os.WriteFile(filepath.Join(repo, "big.bin"), big, 0o644); err != nil {
		t.Fatalf("write big.bin: %v", err)
	}

	svc := NewService(t.TempDir())
	report, err := svc.Create(context.Background(), "turn-b", repo)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(report.IgnoredUntrackedFiles) != 1 || report.IgnoredUntrackedFiles[0].Path != "big.bin" {
		t.Fatalf("report.IgnoredUntrackedFiles=%+v, want [big.bin]", report.IgnoredUntrackedFiles)
	}

	stored, ok := svc.Report("turn-b")
	if !ok || stored.Empty() {
		t.Fatalf("Report should return the same non-empty report, got %+v ok=%v", stored, ok)
	}
}
