package tools

import (
	"path/filepath"

	"github.com/coderunner/agentd/internal/protocol"
)

// PatchApplyOutcome is ApplyPatch's full result: the per-file change entries
// for the FileChange item, plus a diffstat summary for the tool call's
// Summary text.
type PatchApplyOutcome struct {
	Entries      []protocol.FileChangeEntry
	FilesChanged int
	Hunks        int
	Additions    int
	Deletions    int
}

// ApplyPatch parses and applies a unified-diff or freeform "Begin Patch"
// style patch against workingDir, writing files atomically. It accepts
// either dialect; structured-JSON-diff callers will already have flattened
// to unified-diff text before calling this.
func ApplyPatch(workingDir string, patchText string) (PatchApplyOutcome, error) {
	abs, err := filepath.Abs(workingDir)
	if err != nil {
		return PatchApplyOutcome{}, err
	}
	result, err := applyUnifiedDiff(abs, patchText)
	if err != nil {
		return PatchApplyOutcome{}, err
	}
	filesChanged, hunks, additions, deletions := summarizeUnifiedDiff(patchText)
	return PatchApplyOutcome{
		Entries:      result.entries,
		FilesChanged: filesChanged,
		Hunks:        hunks,
		Additions:    additions,
		Deletions:    deletions,
	}, nil
}
