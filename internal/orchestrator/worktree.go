package orchestrator

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/zjrosen/workflowcore/internal/workflow/domain"
)

var issueIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// validateIssueID restricts issue ids to alnum/dash/underscore; the id is
// later interpolated into subprocess calls and paths downstream.
func validateIssueID(issueID string) error {
	if issueID == "" || !issueIDPattern.MatchString(issueID) {
		return &domain.ValidationError{Field: "issue_id", Reason: "must be non-empty and contain only letters, digits, dashes, or underscores"}
	}
	return nil
}

// canonicalizeWorktree validates and canonicalizes a worktree path: it
// must exist, be a directory, and contain a .git entry (a directory for a
// normal clone, a file for a linked worktree).
func canonicalizeWorktree(path string) (string, error) {
	if path == "" {
		return "", &domain.InvalidWorktreeError{Path: path, Reason: "empty path"}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", &domain.InvalidWorktreeError{Path: path, Reason: err.Error()}
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", &domain.InvalidWorktreeError{Path: path, Reason: "does not exist"}
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", &domain.InvalidWorktreeError{Path: path, Reason: "does not exist"}
	}
	if !info.IsDir() {
		return "", &domain.InvalidWorktreeError{Path: path, Reason: "not a directory"}
	}
	if _, err := os.Stat(filepath.Join(resolved, ".git")); err != nil {
		return "", &domain.InvalidWorktreeError{Path: path, Reason: "missing .git entry"}
	}
	return resolved, nil
}
