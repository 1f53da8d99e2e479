package pipeline

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

var frontendSuffixes = []string{
	".tsx", ".jsx", ".vue", ".svelte", ".css", ".scss", ".html",
}

var frontendDirs = []string{
	"frontend/", "client/", "web/", "ui/", "public/", "src/components/", "src/pages/",
}

// hasFrontendChanges inspects the diff between main and the run's branch in a
// local checkout. Any failure (missing repo, unknown branch, no git) reports
// false; the heuristic only feeds a context flag.
func hasFrontendChanges(ctx context.Context, repo, branch string) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "-C", repo, "diff", "--name-only", "main..."+branch)
	out, err := cmd.Output()
	if err != nil {
		return false
	}
	for _, file := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if file == "" {
			continue
		}
		if isFrontendPath(file) {
			return true
		}
	}
	return false
}

func isFrontendPath(file string) bool {
	for _, dir := range frontendDirs {
		if strings.HasPrefix(file, dir) || strings.Contains(file, "/"+dir) {
			return true
		}
	}
	for _, suffix := range frontendSuffixes {
		if strings.HasSuffix(file, suffix) {
			return true
		}
	}
	return false
}
