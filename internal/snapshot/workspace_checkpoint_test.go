package snapshot

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func runGitT(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
}

func initGitRepoT(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGitT(t, dir, "init", "--initial-branch=main", "-q")
	runGitT(t, dir, "config", "user.name", "Tester")
	runGitT(t, dir, "config", "user.email", "test@example.com")
	return dir
}

func writeFileT(t *testing.T, dir string, rel string, contents string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestCreateAndRestoreGitTreeCheckpointRoundtrip(t *testing.T) {
	t.Parallel()

	repo := initGitRepoT(t)
	writeFileT(t, repo, "tracked.txt", "initial\n")
	writeFileT(t, repo, "delete-me.txt", "to be removed\n")
	runGitT(t, repo, "add", "tracked.txt", "delete-me.txt")
	runGitT(t, repo, "commit", "-q", "-m", "init")

	writeFileT(t, repo, "notes.txt", "notes before\n")
	writeFileT(t, repo, "tracked.txt", "modified contents\n")
	if err := os.Remove(filepath.Join(repo, "delete-me.txt")); err != nil {
		t.Fatalf("remove delete-me.txt: %v", err)
	}
	writeFileT(t, repo, "new-file.txt", "hello ghost\n")

	stateDir := t.TempDir()
	ctx := context.Background()
	meta, report, err := createWorkspaceCheckpoint(ctx, stateDir, "turn-1", repo)
	if err != nil {
		t.Fatalf("createWorkspaceCheckpoint: %v", err)
	}
	if meta.Backend != workspaceCheckpointBackendGitTree {
		t.Fatalf("backend=%q, want git_tree", meta.Backend)
	}
	if !report.Empty() {
		t.Fatalf("report=%+v, want empty", report)
	}

	writeFileT(t, repo, "tracked.txt", "other state\n")
	if err := os.Remove(filepath.Join(repo, "new-file.txt")); err != nil {
		t.Fatalf("remove new-file.txt: %v", err)
	}
	writeFileT(t, repo, "ephemeral.txt", "temp data\n")
	writeFileT(t, repo, "notes.txt", "notes after\n")

	if err := restoreWorkspaceCheckpoint(ctx, stateDir, "turn-1", meta); err != nil {
		t.Fatalf("restoreWorkspaceCheckpoint: %v", err)
	}

	tracked, err := os.ReadFile(filepath.Join(repo, "tracked.txt"))
	if err != nil {
		t.Fatalf("read tracked.txt: %v", err)
	}
	if string(tracked) != "modified contents\n" {
		t.Fatalf("tracked.txt=%q, want %q", tracked, "modified contents\n")
	}
	if _, err := os.Stat(filepath.Join(repo, "delete-me.txt")); !os.IsNotExist(err) {
		t.Fatalf("delete-me.txt should stay deleted, err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(repo, "new-file.txt")); err != nil {
		t.Fatalf("new-file.txt should be restored: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo, "ephemeral.txt")); !os.IsNotExist(err) {
		t.Fatalf("ephemeral.txt should be swept as new-since-snapshot, err=%v", err)
	}
	notes, err := os.ReadFile(filepath.Join(repo, "notes.txt"))
	if err != nil {
		t.Fatalf("read notes.txt: %v", err)
	}
	if string(notes) != "notes before\n" {
		t.Fatalf("notes.txt=%q, want preserved pre-snapshot contents", notes)
	}
}

func TestCreateGitTreeCheckpointIgnoresLargeUntrackedFile(t *testing.T) {
	t.Parallel()

	repo := initGitRepoT(t)
	writeFileT(t, repo, "tracked.txt", "contents\n")
	runGitT(t, repo, "add", "tracked.txt")
	runGitT(t, repo, "commit", "-q", "-m", "init")

	big := make([]byte, ghostSnapshotIgnoreLargeUntrackedFileBytes+1)
	if err := os.WriteFile(filepath.Join(repo, "big.bin"), big, 0o644); err != nil {
		t.Fatalf("write big.bin: %v", err)
	}

	stateDir := t.TempDir()
	ctx := context.Background()
	meta, report, err := createWorkspaceCheckpoint(ctx, stateDir, "turn-big", repo)
	if err != nil {
		t.Fatalf("createWorkspaceCheckpoint: %v", err)
	}
	if len(report.IgnoredUntrackedFiles) != 1 || report.IgnoredUntrackedFiles[0].Path != "big.bin" {
		t.Fatalf("report.IgnoredUntrackedFiles=%+v, want [big.bin]", report.IgnoredUntrackedFiles)
	}

	out, err := runGitCombinedOutput(ctx, repo, nil, "cat-file", "-e", meta.Git.Tree+":big.bin")
	if err == nil {
		t.Fatalf("big.bin should be excluded from the snapshot tree, cat-file output=%s", out)
	}

	writeFileT(t, repo, "ephemeral.txt", "temp\n")
	if err := restoreWorkspaceCheckpoint(ctx, stateDir, "turn-big", meta); err != nil {
		t.Fatalf("restoreWorkspaceCheckpoint: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo, "big.bin")); err != nil {
		t.Fatalf("big.bin should be preserved on restore: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo, "ephemeral.txt")); !os.IsNotExist(err) {
		t.Fatalf("ephemeral.txt should be swept, err=%v", err)
	}
}

func TestCreateGitTreeCheckpointReportsLargeUntrackedDir(t *testing.T) {
	t.Parallel()

	repo := initGitRepoT(t)
	writeFileT(t, repo, "tracked.txt", "contents\n")
	runGitT(t, repo, "add", "tracked.txt")
	runGitT(t, repo, "commit", "-q", "-m", "init")

	for i := 0; i < ghostSnapshotIgnoreLargeUntrackedDirFiles+1; i++ {
		writeFileT(t, repo, filepath.Join("models", "weights-"+itoa(i)+".bin"), "data\n")
	}

	stateDir := t.TempDir()
	ctx := context.Background()
	meta, report, err := createWorkspaceCheckpoint(ctx, stateDir, "turn-models", repo)
	if err != nil {
		t.Fatalf("createWorkspaceCheckpoint: %v", err)
	}
	if len(report.LargeUntrackedDirs) != 1 || report.LargeUntrackedDirs[0].Path != "models" {
		t.Fatalf("report.LargeUntrackedDirs=%+v, want [models]", report.LargeUntrackedDirs)
	}
	if report.LargeUntrackedDirs[0].FileCount != ghostSnapshotIgnoreLargeUntrackedDirFiles+1 {
		t.Fatalf("FileCount=%d, want %d", report.LargeUntrackedDirs[0].FileCount, ghostSnapshotIgnoreLargeUntrackedDirFiles+1)
	}

	out, err := runGitCombinedOutput(ctx, repo, nil, "cat-file", "-e", meta.Git.Tree+":models/weights-0.bin")
	if err == nil {
		t.Fatalf("models/ should be excluded from the snapshot tree, cat-file output=%s", out)
	}

	writeFileT(t, repo, "ephemeral.txt", "temp\n")
	if err := restoreWorkspaceCheckpoint(ctx, stateDir, "turn-models", meta); err != nil {
		t.Fatalf("restoreWorkspaceCheckpoint: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo, "models", "weights-0.bin")); err != nil {
		t.Fatalf("models/weights-0.bin should be preserved on restore: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo, "ephemeral.txt")); !os.IsNotExist(err) {
		t.Fatalf("ephemeral.txt should be swept, err=%v", err)
	}
}

func TestCreateGitTreeCheckpointSkipsDefaultIgnoredDirectories(t *testing.T) {
	t.Parallel()

	repo := initGitRepoT(t)
	writeFileT(t, repo, "tracked.txt", "contents\n")
	runGitT(t, repo, "add", "tracked.txt")
	runGitT(t, repo, "commit", "-q", "-m", "init")

	writeFileT(t, repo, filepath.Join("node_modules", "pkg", "index.js"), "console.log('before')\n")

	stateDir := t.TempDir()
	ctx := context.Background()
	meta, report, err := createWorkspaceCheckpoint(ctx, stateDir, "turn-nm", repo)
	if err != nil {
		t.Fatalf("createWorkspaceCheckpoint: %v", err)
	}
	if !report.Empty() {
		t.Fatalf("report=%+v, node_modules should never surface in diagnostics", report)
	}
	out, err := runGitCombinedOutput(ctx, repo, nil, "cat-file", "-e", meta.Git.Tree+":node_modules/pkg/index.js")
	if err == nil {
		t.Fatalf("node_modules/ should be excluded from the snapshot tree, cat-file output=%s", out)
	}

	writeFileT(t, repo, filepath.Join("node_modules", "pkg", "index.js"), "console.log('after')\n")
	writeFileT(t, repo, filepath.Join("node_modules", "pkg", "extra.js"), "console.log('extra')\n")
	writeFileT(t, repo, "temp.txt", "new file\n")

	if err := restoreWorkspaceCheckpoint(ctx, stateDir, "turn-nm", meta); err != nil {
		t.Fatalf("restoreWorkspaceCheckpoint: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo, "node_modules", "pkg", "extra.js")); err != nil {
		t.Fatalf("node_modules/ contents created after the snapshot should be left untouched: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo, "temp.txt")); !os.IsNotExist(err) {
		t.Fatalf("temp.txt should be swept, err=%v", err)
	}
}

func TestCreateWorkspaceCheckpointFallsBackToTarOutsideGitRepo(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFileT(t, root, "notes.txt", "hello\n")

	stateDir := t.TempDir()
	ctx := context.Background()
	meta, report, err := createWorkspaceCheckpoint(ctx, stateDir, "turn-tar", root)
	if err != nil {
		t.Fatalf("createWorkspaceCheckpoint: %v", err)
	}
	if meta.Backend != workspaceCheckpointBackendTar {
		t.Fatalf("backend=%q, want tar", meta.Backend)
	}
	if !report.Empty() {
		t.Fatalf("report=%+v, tar backend has no ghost-snapshot diagnostics", report)
	}

	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("changed\n"), 0o644); err != nil {
		t.Fatalf("modify notes.txt: %v", err)
	}
	writeFileT(t, root, "new.txt", "new\n")

	if err := restoreWorkspaceCheckpoint(ctx, stateDir, "turn-tar", meta); err != nil {
		t.Fatalf("restoreWorkspaceCheckpoint: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(root, "notes.txt"))
	if err != nil {
		t.Fatalf("read notes.txt: %v", err)
	}
	if string(got) != "hello\n" {
		t.Fatalf("notes.txt=%q, want %q", got, "hello\n")
	}
	if _, err := os.Stat(filepath.Join(root, "new.txt")); !os.IsNotExist(err) {
		t.Fatalf("new.txt should be swept, err=%v", err)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
