package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
)

// progressPath locates the progress file a loop agent maintains for a
// workflow. The file lives in the workflow's workspace area; the core treats
// its contents as opaque text.
func progressPath(stateDir, workflowID string) string {
	return filepath.Join(stateDir, "workspaces", workflowID, "progress.md")
}

// readProgress returns the progress file contents, or "" when absent.
func readProgress(stateDir, workflowID string) string {
	data, err := os.ReadFile(progressPath(stateDir, workflowID))
	if err != nil {
		return ""
	}
	return string(data)
}

// archiveProgress moves the progress file aside when a run completes so the
// next run starts clean. Best-effort.
func archiveProgress(stateDir, workflowID string, runNumber int64) error {
	src := progressPath(stateDir, workflowID)
	if _, err := os.Stat(src); err != nil {
		return nil
	}
	dst := filepath.Join(filepath.Dir(src), fmt.Sprintf("progress.%d.md", runNumber))
	return os.Rename(src, dst)
}
