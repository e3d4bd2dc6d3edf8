package media

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
)

// FileInfo is what the streaming engine needs to know about a stored file.
type FileInfo struct {
	Size int64
}

// Files is the file resource provider. Paths are relative to the provider's
// root and use forward slashes.
type Files interface {
	Exists(path string) bool
	Stat(path string) (FileInfo, error)
	// OpenRange returns a reader over the inclusive byte interval [start, end].
	OpenRange(path string, start, end int64) (io.ReadCloser, error)
	Remove(path string) error
	// Save stores r under path, returning the number of bytes written. The
	// file becomes visible only once fully written.
	Save(path string, r io.Reader) (int64, error)
}

// DiskFiles serves files from a directory on the local filesystem.
type DiskFiles struct {
	root string
}

// NewDiskFiles returns a provider rooted at dir, creating it if needed.
func NewDiskFiles(dir string) (*DiskFiles, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve media root: %w", err)
	}
	return &DiskFiles{root: abs}, nil
}

// Root returns the absolute directory the provider serves from.
func (d *DiskFiles) Root() string {
	return d.root
}

// resolve maps a relative path into the root, rejecting anything that would
// escape it.
func (d *DiskFiles) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimSpace(path)))
	if clean == "." || filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: invalid file path %q", ErrValidation, path)
	}
	full := filepath.Join(d.root, clean)
	rel, err := filepath.Rel(d.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escapes media root %q", ErrValidation, path)
	}
	return full, nil
}

// Exists implements Files.Exists.
func (d *DiskFiles) Exists(path string) bool {
	_, err := d.Stat(path)
	return err == nil
}

// Stat implements Files.Stat. Directories are reported as fs.ErrNotExist.
func (d *DiskFiles) Stat(path string) (FileInfo, error) {
	full, err := d.resolve(path)
	if err != nil {
		return FileInfo{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return FileInfo{}, err
	}
	if !info.Mode().IsRegular() {
		return FileInfo{}, fmt.Errorf("%s is not a regular file: %w", path, fs.ErrNotExist)
	}
	return FileInfo{Size: info.Size()}, nil
}

// OpenRange implements Files.OpenRange.
func (d *DiskFiles) OpenRange(path string, start, end int64) (io.ReadCloser, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: bad interval %d-%d", ErrValidation, start, end)
	}
	full, err := d.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	return &sectionFile{
		Reader: io.NewSectionReader(f, start, end-start+1),
		file:   f,
	}, nil
}

// Remove implements Files.Remove. Removing a missing file is not an error.
func (d *DiskFiles) Remove(path string) error {
	full, err := d.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Save implements Files.Save using an fsync'd temp file and atomic rename.
func (d *DiskFiles) Save(path string, r io.Reader) (int64, error) {
	full, err := d.resolve(path)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, fmt.Errorf("create directory: %w", err)
	}

	pending, err := renameio.NewPendingFile(full, renameio.WithPermissions(0o644))
	if err != nil {
		return 0, fmt.Errorf("create pending file: %w", err)
	}
	defer pending.Cleanup()

	n, err := io.Copy(pending, r)
	if err != nil {
		return n, fmt.Errorf("write file: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return n, fmt.Errorf("commit file: %w", err)
	}
	return n, nil
}

// sectionFile bounds reads to a section of an open file and closes the file
// exactly once.
type sectionFile struct {
	io.Reader
	file *os.File
	once sync.Once
	err  error
}

func (s *sectionFile) Close() error {
	s.once.Do(func() { s.err = s.file.Close() })
	return s.err
}
