package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"

	appErrors "github.com/harborside/media-vault/pkg/errors"
)

// LocalDisk persists objects on a filesystem rooted at baseDir. All paths are
// relative forward-slash paths; anything that resolves outside the root is a
// guard violation, not an IO error.
type LocalDisk struct {
	name    string
	fs      afero.Fs
	baseDir string
}

// NewLocalDisk ensures the base directory exists and returns a handle.
func NewLocalDisk(name, baseDir string, fs afero.Fs) (*LocalDisk, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if baseDir == "" {
		baseDir = "./media"
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := fs.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalDisk{name: name, fs: fs, baseDir: abs}, nil
}

// Name returns the configured disk name.
func (d *LocalDisk) Name() string { return d.name }

// LocalPath resolves a relative object path to an absolute filesystem path,
// rejecting traversal outside the root and symlinked targets.
func (d *LocalDisk) LocalPath(rel string) (string, error) {
	return d.resolve(rel)
}

func (d *LocalDisk) resolve(rel string) (string, error) {
	cleaned := path.Clean("/" + rel)
	abs := filepath.Join(d.baseDir, filepath.FromSlash(cleaned))
	if abs != d.baseDir && !strings.HasPrefix(abs, d.baseDir+string(os.PathSeparator)) {
		return "", appErrors.Clone(appErrors.ErrPathEscape, fmt.Sprintf("path %q escapes disk %q", rel, d.name))
	}
	if lstater, ok := d.fs.(afero.Lstater); ok {
		if info, lstatCalled, err := lstater.LstatIfPossible(abs); err == nil && lstatCalled {
			if info.Mode()&os.ModeSymlink != 0 {
				return "", appErrors.Clone(appErrors.ErrPathEscape, fmt.Sprintf("path %q is a symlink", rel))
			}
		}
	}
	return abs, nil
}

// Exists reports whether the object is present.
func (d *LocalDisk) Exists(ctx context.Context, rel string) (bool, error) {
	abs, err := d.resolve(rel)
	if err != nil {
		return false, err
	}
	ok, err := afero.Exists(d.fs, abs)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", rel, err)
	}
	return ok, nil
}

// Get opens the object for reading.
func (d *LocalDisk) Get(ctx context.Context, rel string) (io.ReadCloser, error) {
	abs, err := d.resolve(rel)
	if err != nil {
		return nil, err
	}
	f, err := d.fs.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", rel, err)
	}
	return f, nil
}

// Put writes the object via a temp file plus rename so readers never observe
// a partial write.
func (d *LocalDisk) Put(ctx context.Context, rel string, r io.Reader, opts PutOptions) error {
	abs, err := d.resolve(rel)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)
	if err := d.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("prepare directory for %s: %w", rel, err)
	}
	tmp, err := afero.TempFile(d.fs, dir, ".put-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", rel, err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = d.fs.Remove(tmpName)
		return fmt.Errorf("write %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		_ = d.fs.Remove(tmpName)
		return fmt.Errorf("close temp file for %s: %w", rel, err)
	}
	if err := d.fs.Rename(tmpName, abs); err != nil {
		_ = d.fs.Remove(tmpName)
		return fmt.Errorf("finalize %s: %w", rel, err)
	}
	return nil
}

// Delete removes the object if present. Deleting a missing object is a no-op.
func (d *LocalDisk) Delete(ctx context.Context, rel string) error {
	abs, err := d.resolve(rel)
	if err != nil {
		return err
	}
	if err := d.fs.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", rel, err)
	}
	return nil
}

// DeleteDir removes a directory tree if present.
func (d *LocalDisk) DeleteDir(ctx context.Context, rel string) error {
	abs, err := d.resolve(rel)
	if err != nil {
		return err
	}
	if err := d.fs.RemoveAll(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete directory %s: %w", rel, err)
	}
	return nil
}

// Directories lists immediate subdirectories of the given path.
func (d *LocalDisk) Directories(ctx context.Context, rel string) ([]string, error) {
	abs, err := d.resolve(rel)
	if err != nil {
		return nil, err
	}
	entries, err := afero.ReadDir(d.fs, abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", rel, err)
	}
	dirs := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, path.Join(rel, entry.Name()))
		}
	}
	return dirs, nil
}

// Size returns the object size in bytes.
func (d *LocalDisk) Size(ctx context.Context, rel string) (int64, error) {
	abs, err := d.resolve(rel)
	if err != nil {
		return 0, err
	}
	info, err := d.fs.Stat(abs)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", rel, err)
	}
	return info.Size(), nil
}

// MimeType sniffs the object's content type from its magic bytes.
func (d *LocalDisk) MimeType(ctx context.Context, rel string) (string, error) {
	f, err := d.Get(ctx, rel)
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck
	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return "", fmt.Errorf("detect mime of %s: %w", rel, err)
	}
	return mt.String(), nil
}

// Visibility is constant for local disks; files are served by the app.
func (d *LocalDisk) Visibility(ctx context.Context, rel string) (Visibility, error) {
	return VisibilityPrivate, nil
}
