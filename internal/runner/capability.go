package runner

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Capability is the comprehension support directory copied into a workspace
// when an experiment enables it.
type Capability struct {
	Source string // directory on the host
	Target string // path relative to the workspace root
}

// Apply installs the capability into wsDir when enabled and removes it
// otherwise. Both arms run this, so a baseline never sees leftover files.
func (c Capability) Apply(wsDir string, enabled bool) error {
	dest, err := c.dest(wsDir)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("remove capability: %w", err)
	}
	if !enabled {
		return nil
	}
	if c.Source == "" {
		return errors.New("capability enabled but no capability source configured")
	}
	info, err := os.Stat(c.Source)
	if err != nil {
		return fmt.Errorf("capability source: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("capability source %s is not a directory", c.Source)
	}
	if err := CopyTree(c.Source, dest); err != nil {
		return fmt.Errorf("install capability: %w", err)
	}
	return nil
}

func (c Capability) dest(wsDir string) (string, error) {
	target := filepath.Clean(c.Target)
	if c.Target == "" || filepath.IsAbs(target) || target == "." ||
		target == ".." || strings.HasPrefix(target, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("capability target %q must be a relative path inside the workspace", c.Target)
	}
	return filepath.Join(wsDir, target), nil
}

// CopyTree copies regular files, directories, and symlinks from src to dst.
// Other file types are skipped.
func CopyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		out := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(out, info.Mode().Perm()|0o700)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, out)
		case info.Mode().IsRegular():
			return CopyFile(path, out, info.Mode().Perm())
		default:
			return nil
		}
	})
}

// CopyFile copies one regular file, creating or truncating dst.
func CopyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
