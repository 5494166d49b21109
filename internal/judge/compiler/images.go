package compiler

import (
	"github.com/google/shlex"

	appErr "arbiter/pkg/errors"
)

// Image describes the toolchain environment a compile runs in: an optional
// prepared rootfs and the shell used to invoke the archive's compile script.
type Image struct {
	// RootFS is a prepared image directory the sandbox chroots into.
	// Empty compiles against the host root, which is not remounted
	// read-only.
	RootFS string

	// Shell is the interpreter prefix for the compile script, e.g.
	// ["/bin/sh", "-c"]. Defaults to /bin/sh -c.
	Shell []string
}

// Images maps language tags to compile images. A missing tag falls back to
// the default image, matching the generic-image behavior for submissions
// without a language hint.
type Images struct {
	Default    Image
	ByLanguage map[string]Image
}

// Resolve picks the image for a language hint.
func (i Images) Resolve(language string) Image {
	if language != "" {
		if img, ok := i.ByLanguage[language]; ok {
			return img
		}
	}
	return i.Default
}

// ParseShell parses a configured shell command line into argv form.
func ParseShell(raw string) ([]string, error) {
	if raw == "" {
		return []string{"/bin/sh", "-c"}, nil
	}
	parts, err := shlex.Split(raw)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidFormat, "parse shell command failed")
	}
	if len(parts) == 0 {
		return nil, appErr.New(appErr.InvalidFormat).WithMessage("shell command is empty")
	}
	return parts, nil
}
