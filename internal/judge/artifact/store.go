// Package artifact implements the shared filesystem layout all workers and
// the cleaner reference. The paths are a public contract; changing them
// breaks the gateway and the scheduled cleaner.
package artifact

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	appErr "arbiter/pkg/errors"
)

const (
	// StandaloneContest is the directory segment used for submissions made
	// outside any contest.
	StandaloneContest = "standalone"

	generatorName = "generator"
	checkerName   = "checker"
)

// Store resolves artifact paths under a single filesystem root and performs
// the write patterns shared directories require (rename-into-place).
type Store struct {
	root string
}

// NewStore creates a store rooted at the given directory.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, appErr.ValidationError("artifact_root", "required")
	}
	return &Store{root: root}, nil
}

// Root returns the artifact root directory.
func (s *Store) Root() string {
	return s.root
}

// SubmissionArchivePath returns the immutable archive location for a
// submission. An empty contest id maps to the standalone segment.
func (s *Store) SubmissionArchivePath(contestID, userID, submissionID string) string {
	if contestID == "" {
		contestID = StandaloneContest
	}
	return filepath.Join(s.root, "submissions", contestID, userID, submissionID+".archive")
}

// UserBinaryPath returns the compiled binary location for a submission.
func (s *Store) UserBinaryPath(submissionID string) string {
	return filepath.Join(s.root, "binaries", "users", submissionID+".bin")
}

// GeneratorPath returns the problem's generator binary location.
func (s *Store) GeneratorPath(problemID string) string {
	return filepath.Join(s.root, "binaries", "problems", problemID, generatorName)
}

// CheckerPath returns the problem's checker binary location.
func (s *Store) CheckerPath(problemID string) string {
	return filepath.Join(s.root, "binaries", "problems", problemID, checkerName)
}

// TestCaseDir returns the per-problem test case cache directory.
func (s *Store) TestCaseDir(problemID string) string {
	return filepath.Join(s.root, "testcases", problemID)
}

// InputPath returns the cached input file for case k of a problem.
func (s *Store) InputPath(problemID string, k int) string {
	return filepath.Join(s.TestCaseDir(problemID), fmt.Sprintf("input_%03d.txt", k))
}

// LastAccessPath returns the cache's last-access marker file.
func (s *Store) LastAccessPath(problemID string) string {
	return filepath.Join(s.TestCaseDir(problemID), ".last_access")
}

// ScratchDir returns the per-submission scratch directory used by the
// Run/Check profiles. Single writer: the judge processing the submission.
func (s *Store) ScratchDir(submissionID string) string {
	return filepath.Join(s.root, "temp", submissionID)
}

// ProblemReady reports whether both the generator and checker binaries are
// installed for a problem.
func (s *Store) ProblemReady(problemID string) bool {
	if _, err := os.Stat(s.GeneratorPath(problemID)); err != nil {
		return false
	}
	if _, err := os.Stat(s.CheckerPath(problemID)); err != nil {
		return false
	}
	return true
}

// PlaceFile copies src into dest via a temporary sibling and renames it into
// place, so concurrent readers never observe a partial file. The source may
// live on a different filesystem than the destination.
func (s *Store) PlaceFile(srcPath, destPath string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "create artifact dir failed")
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "open source failed")
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".staging-*")
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "create staging file failed")
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return appErr.Wrapf(err, appErr.InternalServerError, "stage artifact failed")
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return appErr.Wrapf(err, appErr.InternalServerError, "chmod staging file failed")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return appErr.Wrapf(err, appErr.InternalServerError, "close staging file failed")
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)
		return appErr.Wrapf(err, appErr.InternalServerError, "rename into place failed")
	}
	return nil
}

// WriteFile stages content into dest with rename-into-place semantics.
func (s *Store) WriteFile(destPath string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "create artifact dir failed")
	}
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".staging-*")
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "create staging file failed")
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return appErr.Wrapf(err, appErr.InternalServerError, "stage artifact failed")
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return appErr.Wrapf(err, appErr.InternalServerError, "chmod staging file failed")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return appErr.Wrapf(err, appErr.InternalServerError, "close staging file failed")
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)
		return appErr.Wrapf(err, appErr.InternalServerError, "rename into place failed")
	}
	return nil
}

// CreateScratch creates the per-submission scratch directory.
func (s *Store) CreateScratch(submissionID string) (string, error) {
	dir := s.ScratchDir(submissionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", appErr.Wrapf(err, appErr.InternalServerError, "create scratch dir failed")
	}
	return dir, nil
}

// RemoveScratch deletes the per-submission scratch directory.
func (s *Store) RemoveScratch(submissionID string) error {
	return os.RemoveAll(s.ScratchDir(submissionID))
}
