package snapshot

import (
	"context"
	"errors"
	"sync"
)

// Service is the exported checkpoint API other packages (the turn runner,
// rpcserver handlers) consult. It wraps the git-tree/tar checkpoint backend
// with an in-memory meta index keyed by checkpoint id, since a checkpoint
// is only ever restored within the lifetime of the process that created it
// (spec §4.6: the rollout log, not this service, is what survives restart).
type Service struct {
	stateDir string

	mu     sync.Mutex
	meta   map[string]workspaceCheckpointMeta
	report map[string]GhostSnapshotReport
}

func NewService(stateDir string) *Service {
	return &Service{
		stateDir: stateDir,
		meta:     make(map[string]workspaceCheckpointMeta),
		report:   make(map[string]GhostSnapshotReport),
	}
}

// Create snapshots workingDirAbs under checkpointID, git-tree backed when
// workingDirAbs is inside a git repo, tar-backed otherwise. The returned
// report lists untracked content the snapshot excluded (large directories,
// oversized files) so callers can warn instead of silently under-capturing.
func (s *Service) Create(ctx context.Context, checkpointID string, workingDirAbs string) (GhostSnapshotReport, error) {
	meta, report, err := createWorkspaceCheckpoint(ctx, s.stateDir, checkpointID, workingDirAbs)
	if err != nil {
		return GhostSnapshotReport{}, err
	}
	s.mu.Lock()
	s.meta[checkpointID] = meta
	s.report[checkpointID] = report
	s.mu.Unlock()
	return report, nil
}

// Report returns the diagnostics captured alongside checkpointID's snapshot,
// if any was recorded.
func (s *Service) Report(checkpointID string) (GhostSnapshotReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report, ok := s.report[checkpointID]
	return report, ok
}

// Restore reverts the workspace to the state captured by checkpointID.
func (s *Service) Restore(ctx context.Context, checkpointID string) error {
	s.mu.Lock()
	meta, ok := s.meta[checkpointID]
	s.mu.Unlock()
	if !ok {
		return errors.New("snapshot: unknown checkpoint " + checkpointID)
	}
	return restoreWorkspaceCheckpoint(ctx, s.stateDir, checkpointID, meta)
}

// Has reports whether a checkpoint has already been recorded for this id,
// so callers can implement "checkpoint before the first mutating call"
// without a separate presence map of their own.
func (s *Service) Has(checkpointID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.meta[checkpointID]
	return ok
}
