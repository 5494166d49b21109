// Package archive enforces the structural contract a submission bundle must
// satisfy before it reaches the compile sandbox, and extracts bundles into
// build directories.
package archive

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	appErr "arbiter/pkg/errors"
)

const (
	// CompileScript is the conventional compile entry point at archive root.
	CompileScript = "compile.sh"
	// RunScript is the conventional run entry point at archive root.
	RunScript = "run.sh"

	// DefaultMaxArchiveBytes caps the archive size when no contest override
	// applies.
	DefaultMaxArchiveBytes int64 = 10 << 20
	// MaxAllowedArchiveBytes bounds contest-configured caps.
	MaxAllowedArchiveBytes int64 = 100 << 20

	// bombRatio is the uncompressed/compressed ratio at which an archive is
	// rejected. Exactly at the ratio counts as a bomb.
	bombRatio int64 = 5
)

// Contract holds the tunable parts of the structural contract.
type Contract struct {
	// MaxArchiveBytes caps the compressed archive size. Zero selects the
	// default cap.
	MaxArchiveBytes int64
}

// Validate checks the archive at path against the structural contract:
// compile and run scripts at root, at least one source file besides them,
// no symlinks, no absolute or parent-escaping paths, and an
// uncompressed-to-compressed ratio below the bomb threshold.
func Validate(path string, c Contract) error {
	maxBytes := c.MaxArchiveBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxArchiveBytes
	}
	if maxBytes > MaxAllowedArchiveBytes {
		maxBytes = MaxAllowedArchiveBytes
	}

	info, err := os.Stat(path)
	if err != nil {
		return appErr.Wrapf(err, appErr.ArchiveInvalid, "stat archive failed")
	}
	compressedSize := info.Size()
	if compressedSize > maxBytes {
		return appErr.Newf(appErr.ArchiveTooLarge, "archive is %d bytes, cap is %d", compressedSize, maxBytes)
	}

	reader, err := zip.OpenReader(path)
	if err != nil {
		return appErr.Wrapf(err, appErr.ArchiveInvalid, "open archive failed")
	}
	defer reader.Close()

	var (
		hasCompile   bool
		hasRun       bool
		sourceCount  int
		uncompressed int64
	)
	for _, f := range reader.File {
		name := f.Name

		if strings.HasPrefix(name, "/") {
			return appErr.New(appErr.ArchiveInvalid).WithMessage("archive contains an absolute path")
		}
		if containsDotDot(name) {
			return appErr.New(appErr.ArchiveInvalid).WithMessage("archive contains a parent-escaping path")
		}
		if f.Mode()&os.ModeSymlink != 0 {
			return appErr.New(appErr.ArchiveInvalid).WithMessage("archive contains a symbolic link")
		}

		uncompressed += int64(f.UncompressedSize64)
		if compressedSize > 0 && uncompressed >= compressedSize*bombRatio {
			return appErr.New(appErr.ArchiveInvalid).WithMessage("archive expansion ratio exceeds limit")
		}

		if f.FileInfo().IsDir() {
			continue
		}
		switch strings.TrimPrefix(name, "./") {
		case CompileScript:
			hasCompile = true
		case RunScript:
			hasRun = true
		default:
			sourceCount++
		}
	}

	if !hasCompile {
		return appErr.Newf(appErr.ArchiveInvalid, "archive must contain %s at its root", CompileScript)
	}
	if !hasRun {
		return appErr.Newf(appErr.ArchiveInvalid, "archive must contain %s at its root", RunScript)
	}
	if sourceCount == 0 {
		return appErr.New(appErr.ArchiveInvalid).WithMessage("archive must contain at least one source file")
	}
	return nil
}

// Extract unpacks the archive into destDir, preserving entry permission
// bits, and normalizes CRLF line endings in the compile and run scripts so
// shebangs resolve inside the sandbox.
func Extract(path, destDir string) error {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return appErr.Wrapf(err, appErr.ArchiveInvalid, "open archive failed")
	}
	defer reader.Close()

	for _, f := range reader.File {
		name := strings.TrimPrefix(f.Name, "./")
		if name == "" {
			continue
		}
		target := filepath.Join(destDir, filepath.Clean(name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(filepath.Separator)) {
			return appErr.New(appErr.ArchiveInvalid).WithMessage("archive entry escapes the build directory")
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return appErr.Wrapf(err, appErr.InternalServerError, "create dir failed")
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return appErr.Wrapf(err, appErr.InternalServerError, "create parent dir failed")
		}

		src, err := f.Open()
		if err != nil {
			return appErr.Wrapf(err, appErr.ArchiveInvalid, "read archive entry failed")
		}
		mode := f.Mode().Perm()
		if mode == 0 {
			mode = 0644
		}
		dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
		if err != nil {
			_ = src.Close()
			return appErr.Wrapf(err, appErr.InternalServerError, "create file failed")
		}
		if _, err := io.Copy(dst, src); err != nil {
			_ = src.Close()
			_ = dst.Close()
			return appErr.Wrapf(err, appErr.InternalServerError, "write file failed")
		}
		_ = src.Close()
		_ = dst.Close()
	}

	for _, script := range []string{CompileScript, RunScript} {
		scriptPath := filepath.Join(destDir, script)
		if err := normalizeLineEndings(scriptPath); err != nil {
			return err
		}
		if _, err := os.Stat(scriptPath); err == nil {
			if err := os.Chmod(scriptPath, 0755); err != nil {
				return appErr.Wrapf(err, appErr.InternalServerError, "chmod script failed")
			}
		}
	}
	return nil
}

// normalizeLineEndings strips carriage returns from a script so its shebang
// resolves on Linux. Missing files are not an error here; Validate already
// guaranteed their presence at the archive root.
func normalizeLineEndings(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return appErr.Wrapf(err, appErr.InternalServerError, "read script failed")
	}
	if !bytes.Contains(content, []byte("\r\n")) {
		return nil
	}
	cleaned := bytes.ReplaceAll(content, []byte("\r"), nil)
	if err := os.WriteFile(path, cleaned, 0755); err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "rewrite script failed")
	}
	return nil
}

func containsDotDot(name string) bool {
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return true
		}
	}
	return false
}
